package main

import (
	"github.com/spf13/cobra"

	"tgingest/pkg/report"
	"tgingest/pkg/ui"
)

var reportPath string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the summary of the latest run",
	Long: `Report reads the JSON run reports under storage.report_dir (default
<data_dir>/runs) and prints the most recent one, or the file given with --file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if reportPath != "" {
			rep, err := report.Load(reportPath)
			if err != nil {
				return err
			}
			ui.PrintReport(cmd.OutOrStdout(), rep)
			return nil
		}

		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		rep, err := report.Latest(cfg.ReportDir())
		if err != nil {
			return err
		}
		if rep == nil {
			ui.PrintInfo("No runs recorded in", cfg.ReportDir())
			return nil
		}
		ui.PrintReport(cmd.OutOrStdout(), rep)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportPath, "file", "", "print this report file instead of the latest")
	rootCmd.AddCommand(reportCmd)
}
