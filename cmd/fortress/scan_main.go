package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan IMAGE",
		Short: "Scan an agent image for vulnerabilities and framework markers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a := &app{cfg: cfg}
			defer a.Close()

			scan, err := buildScanner(a)
			if err != nil {
				return err
			}

			report := scan.Scan(cmd.Context(), args[0])
			if jsonOutput() {
				return printJSON(report)
			}

			ruler(fmt.Sprintf("Scan — %s", report.Image))
			counts := report.Counts()
			fmt.Printf("  image id     %s\n", report.ImageID)
			fmt.Printf("  size         %.1f MB\n", float64(report.Size)/(1<<20))
			fmt.Printf("  base image   %s\n", report.BaseImage)
			fmt.Printf("  layers       %d\n", len(report.Layers))
			fmt.Printf("  framework    %v\n", report.AgentFrameworkDetected)
			fmt.Printf("  vulns        %d total (%d critical, %d high, %d medium)\n",
				len(report.Vulnerabilities), counts.Critical, counts.High, counts.Medium)
			for _, w := range report.Warnings {
				fmt.Printf("  warning      %s\n", w)
			}
			return nil
		},
	}
	return cmd
}
