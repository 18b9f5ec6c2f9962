package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuditListCmd() *cobra.Command {
	var (
		imageFilter string
		latestOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "audit-list",
		Short: "List recorded verification runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a := &app{cfg: cfg}
			defer a.Close()

			auditLog, err := buildAudit(a)
			if err != nil {
				return err
			}

			entries, err := auditLog.List(imageFilter, latestOnly)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(entries)
			}

			if len(entries) == 0 {
				fmt.Println("no audit entries")
				return nil
			}
			ruler(fmt.Sprintf("Audit log — %d entries", len(entries)))
			for _, e := range entries {
				fmt.Printf("  %s  %-40s tier=%-6s %s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Image, e.Tier, e.VerificationID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&imageFilter, "image", "", "only entries whose image contains this substring")
	cmd.Flags().BoolVar(&latestOnly, "latest", false, "only the most recent entry per image")
	return cmd
}
