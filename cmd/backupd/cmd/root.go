// Package cmd is the backupd CLI (spec SPEC_FULL.md ambient stack), built
// with github.com/spf13/cobra and github.com/spf13/viper the way
// javi11-altmount's cmd/altmount/cmd package is structured: a package-level
// rootCmd with a persistent --config flag, subcommands registering
// themselves from their own init().
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "backupd",
	Short: "Segment-lifecycle backup server for a distributed in-memory storage cluster",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./backupd.yaml)")
}

func loadConfig() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("BACKUPD")
	v.AutomaticEnv()

	v.SetDefault("coordinator_locator", "127.0.0.1:2379")
	v.SetDefault("bind_locator", "127.0.0.1:0")
	v.SetDefault("segment_size", 8*1024*1024)
	v.SetDefault("pool_capacity", 512)
	v.SetDefault("storage_backend", "memory")
	v.SetDefault("storage_path", "./backup.data")
	v.SetDefault("meta_path", "./backup.meta")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("gauge_interval", "5s")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("backupd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/backupd")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Execute runs the CLI, exiting the process with status 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
