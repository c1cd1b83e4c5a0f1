package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tgingest/pkg/config"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Print the channels the next run would ingest",
	Long: `Channels prints the resolved, normalized and de-duplicated channel list:
the built-in defaults (unless channels.skip_defaults), channels.list and the
entries of channels.file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]interface{}{"channels-file": channelsFile})
		if err != nil {
			return err
		}
		channels, err := cfg.ResolveChannels()
		if err != nil {
			return err
		}
		defaults := make(map[string]bool, len(config.DefaultChannels))
		for _, c := range config.DefaultChannels {
			defaults[config.NormalizeChannel(c)] = true
		}
		out := cmd.OutOrStdout()
		for _, c := range channels {
			if defaults[c] {
				fmt.Fprintf(out, "%s\t(default)\n", c)
				continue
			}
			fmt.Fprintln(out, c)
		}
		fmt.Fprintf(out, "\n%d channels\n", len(channels))
		return nil
	},
}

func init() {
	channelsCmd.Flags().StringVar(&channelsFile, "channels-file", "", "file with one channel per line")
	rootCmd.AddCommand(channelsCmd)
}
