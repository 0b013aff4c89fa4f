package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cfdi-reconciliation-service/cmd/reconciler/config"
	"cfdi-reconciliation-service/pkg/logger"
)

var (
	cfgFile string
	envFile string
	verbose bool
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	// appConfig is the effective configuration, loaded before any command runs
	appConfig *config.AppConfig
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "CFDI and bank statement reconciliation tool",
	Long: `Reconciler matches the movements of Mexican bank statements with the
CFDI invoices of the same period. It downloads invoices from the SAT bulk
download service, parses statements from any bank, proposes matches with
tiered amount and date tolerances, and falls back to semantic matching for
what the tiers leave behind. Proposals are only persisted when accepted.

Examples:
  reconciler sat sync --start 2025-01-01 --end 2025-01-31 --direction received
  reconciler parse enero.pdf --account BBVA-0123
  reconciler reconcile --statements enero.pdf --invoices-db --start 2025-01-01 --end 2025-01-31
  reconciler matches list`,
	Version:       getVersionString(),
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with secrets (default: ./.env when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text, json")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads the config file, .env and environment variables and sets
// up the global logger
func initConfig() {
	cfg, err := config.Load(viper.GetViper(), cfgFile, envFile)
	if err != nil {
		os.Exit(NewCLIErrorHandler().HandleError(err))
	}

	if verbose {
		cfg.Log.Level = string(logger.DebugLevel)
	}

	log, err := logger.NewLogger(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(4)
	}
	logger.SetGlobalLogger(log)

	if cfgFile != "" {
		log.WithField("config_file", viper.ConfigFileUsed()).Debug("Using config file")
	}
	appConfig = cfg
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
