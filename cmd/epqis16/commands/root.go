// Copyright © 2026 The epqis16 developers
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgDir string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "epqis16",
	Short: "EPQIS16 demonstration instrument",
	Long: `epqis16 simulates a laboratory power supply.

The demo-instrument command opens a front panel showing each channel's voltage
and output state, and waits for one client to control it over TCP.
The query command is such a client.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/epqis16)")
	RootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in the config file, if there is one.
func initConfig() {
	if cfgDir == "" {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// Search for config in $HOME/.config/epqis16
		cfgDir = path.Join(home, ".config", "epqis16")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("epqis16")
	viper.SetConfigType("toml")

	// The instrument runs fine on defaults, so a missing file is not an error.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}

// newLogger creates the logger shared by every part of a command.
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.InfoLevel

	if level, err := logrus.ParseLevel(viper.GetString("log.level")); err == nil {
		log.Level = level
	} else {
		log.WithField("log_level", viper.GetString("log.level")).Warn("Unknown log level; using info")
	}
	return log
}
