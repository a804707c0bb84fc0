// Package cmd implements the fanout command line interface.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkallio/fanout/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "fanout",
	Short: "Parallel AI agent workflow runner",
	Long: `Fanout runs a workflow's work items across a pool of parallel agents,
each in an isolated git worktree, checkpointing progress so an
interrupted job resumes where it left off instead of starting over.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/fanout/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first so they apply even without a config file.
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	config.BindEnv()

	// Missing config file is fine; defaults and env cover it.
	_ = viper.ReadInConfig()
}
