package main

import (
	"github.com/guido-cesarano/downloadq/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cliContext carries state shared by subcommands.
type cliContext struct {
	configFile string
	v          *viper.Viper
}

// load reads the config file (if any) and every bound flag.
func (c *cliContext) load() (config.Config, error) {
	return config.Load(c.v, c.configFile)
}

func newRootCommand() *cobra.Command {
	ctx := &cliContext{v: config.New()}
	ctx.v.SetDefault("log.level", "warn")

	rootCmd := &cobra.Command{
		Use:           "downloadq",
		Short:         "Concurrent priority download queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	_ = ctx.v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newGetCommand(ctx))
	return rootCmd
}
