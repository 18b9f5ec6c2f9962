package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentfort/fortress/internal/config"
	flog "github.com/agentfort/fortress/internal/log"
	"github.com/agentfort/fortress/internal/scanner"
)

func newInitCmd() *cobra.Command {
	var (
		env   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration and check the local environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch env {
			case "production", "staging", "development":
			default:
				return fmt.Errorf("invalid --env %q (want production|staging|development)", env)
			}

			path := flagConfig
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolve home dir: %w", err)
				}
				path = filepath.Join(home, ".fortress", "config.yaml")
			}

			if err := config.WriteDefault(path, config.Environment(env), force); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%s)\n\n", path, env)

			cfg := config.Default()
			for _, dir := range []string{cfg.MarketData.CacheDir, cfg.Audit.Dir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			ruler("Environment checks")
			probe("docker daemon", func() error {
				docker, err := scanner.NewDockerClient()
				if err != nil {
					return err
				}
				defer docker.Close()
				_, err = docker.ListLocalImages(cmd.Context())
				return err
			}())
			probe("trivy binary", func() error {
				_, err := exec.LookPath("trivy")
				return err
			}())
			probe("ANTHROPIC_API_KEY", presence(os.Getenv("ANTHROPIC_API_KEY")))
			probe("OPENAI_API_KEY", presence(os.Getenv("OPENAI_API_KEY")))
			return nil
		},
	}

	cmd.Flags().StringVar(&env, "env", "development", "target environment (production|staging|development)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func probe(name string, err error) {
	if err != nil {
		fmt.Printf("  %s %-20s %s\n", flog.StageWarn.Glyph(), name, err)
		return
	}
	fmt.Printf("  %s %-20s ok\n", flog.StageOK.Glyph(), name)
}

func presence(value string) error {
	if value == "" {
		return fmt.Errorf("not set")
	}
	return nil
}
