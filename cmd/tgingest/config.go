package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tgingest/pkg/config"
	"tgingest/pkg/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage tgingest configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (TGINGEST_*, TELEGRAM_API_ID, TELEGRAM_API_HASH, .env)
  - Configuration file
  - Default values (lowest priority)`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default",
	Long: `Write the default configuration to .tgingest.yaml in the current directory,
or to the path given with --config. An existing file is never overwritten.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after merging every source. Secrets such as the API
hash, DSNs and the AMQP URL are masked.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = ".tgingest.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file already exists: %s", path)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}

	ui.PrintSuccess("Configuration file created: " + path)
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "1. Store your Telegram API credentials with 'tgingest auth set'")
	fmt.Fprintln(out, "2. Sign in once with 'tgingest auth login'")
	fmt.Fprintln(out, "3. List channels in channels.txt and check them with 'tgingest channels'")
	fmt.Fprintln(out, "4. Start ingesting with 'tgingest run'")
	return nil
}

// masked returns a copy of cfg that is safe to print
func masked(cfg *config.Config) config.Config {
	out := *cfg
	out.Telegram.APIHash = mask(out.Telegram.APIHash)
	out.Storage.PostgresDSN = mask(out.Storage.PostgresDSN)
	out.State.PostgresDSN = mask(out.State.PostgresDSN)
	out.Lock.RedisPassword = mask(out.Lock.RedisPassword)
	out.Events.AMQPURL = mask(out.Events.AMQPURL)
	return out
}

func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) > 8:
		return s[:4] + "..." + s[len(s)-4:]
	default:
		return "***"
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	display := masked(cfg)
	data, err := yaml.Marshal(&display)
	if err != nil {
		return fmt.Errorf("failed to format configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	ui.PrintHighlight("Current Configuration")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(data))

	fmt.Fprintln(out, "\nConfiguration sources (in order of priority):")
	fmt.Fprintln(out, "1. Command line flags")
	fmt.Fprintln(out, "2. Environment variables (TGINGEST_*)")
	if configFile != "" {
		fmt.Fprintf(out, "3. Configuration file: %s\n", configFile)
	} else {
		fmt.Fprintln(out, "3. Configuration file: (searched default locations)")
	}
	fmt.Fprintln(out, "4. Default values")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	var warnings []string
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		warnings = append(warnings, "telegram api_id/api_hash not set here; the credential store will be used")
	}
	if _, err := os.Stat(cfg.Telegram.SessionFile); err != nil {
		warnings = append(warnings, "session file "+cfg.Telegram.SessionFile+" not found; run 'tgingest auth login'")
	}
	channels, err := cfg.ResolveChannels()
	if err != nil {
		return err
	}
	if cfg.Ingest.DownloadMedia && cfg.Storage.Sink == "postgres" {
		warnings = append(warnings, "images are written under storage.data_dir even with the postgres sink")
	}

	out := cmd.OutOrStdout()
	if len(warnings) > 0 {
		ui.PrintWarning("Configuration warnings:", "")
		for _, w := range warnings {
			fmt.Fprintf(out, "  - %s\n", w)
		}
		fmt.Fprintln(out)
	}

	ui.PrintSuccess("Configuration is valid")
	fmt.Fprintln(out, "\nConfiguration summary:")
	fmt.Fprintf(out, "  Channels: %d\n", len(channels))
	fmt.Fprintf(out, "  Data directory: %s (%s)\n", cfg.Storage.DataDir, cfg.Storage.Sink)
	fmt.Fprintf(out, "  Cursor store: %s\n", cfg.State.Backend)
	fmt.Fprintf(out, "  Rate limit: %d requests/minute\n", cfg.RateLimit.RequestsPerMinute)
	fmt.Fprintf(out, "  Page size: %d, concurrency: %d\n", cfg.Ingest.PageSize, cfg.Ingest.Concurrency)
	fmt.Fprintf(out, "  Schedule: %s UTC\n", cfg.Schedule.Cron)
	return nil
}
