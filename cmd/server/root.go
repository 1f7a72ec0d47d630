package main

import (
	"fmt"
	"os"

	"demuxd/internal/config"
	"demuxd/internal/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	envFile    string
	v          = viper.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "demuxd",
	Short: "Adaptive streaming demuxer daemon",
	Long: `demuxd follows HLS and DASH presentations, downloads their fragments with
throughput based representation selection, and re-publishes the demuxed
streams as HLS.

Channels, engine knobs and server settings are read from the config file,
DEMUXD_ prefixed environment variables and the flags below, in increasing
order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadEnv(envFile)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"path to the channel config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"dotenv file loaded before the configuration")
	rootCmd.PersistentFlags().StringP("log-level", "L", "info",
		"log level (error, warn, info, debug)")
	rootCmd.PersistentFlags().String("log-format", "json",
		"log format (json, text)")
	rootCmd.PersistentFlags().String("user-agent", "demuxd/1.0",
		"User-Agent sent to origins")

	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	v.BindPFlag("user_agent", rootCmd.PersistentFlags().Lookup("user-agent"))
}

// loadConfig reads the configuration with the flags bound to v taking precedence.
func loadConfig() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.NewLogger(cfg.Log.Level, cfg.Log.Format), nil
}
