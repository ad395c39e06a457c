// Package cmd implements the apfsck command-line entry point.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	verbose bool
	cfgFile string
	log     = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "apfsck",
	Short: "Check the structural consistency of an APFS container",
	Long: `apfsck walks a container's object map and every volume's catalog,
extent reference, and snapshot metadata trees, verifying B-tree node
geometry, free-space accounting, key ordering, and footer statistics
against the on-disk image. It never modifies the image.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}
		return initConfig()
	},
}

func init() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (default: ./apfsck-config.yaml)")
}

// initConfig loads configuration the same way internal/disk's device loader
// does: a named config file searched across a fixed set of paths, an
// APFSCK-prefixed environment override, and defaults for anything neither
// supplies.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("apfsck-config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.apfsck")
		viper.AddConfigPath("/etc/apfsck")
	}

	viper.SetDefault("auto_detect_apfs", true)
	viper.SetDefault("default_offset", 20480)
	viper.SetDefault("cache_enabled", true)
	viper.SetDefault("cache_size", 100)

	viper.SetEnvPrefix("APFSCK")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

// Execute runs the root command, exiting the process with a non-zero status
// on any error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
