// Package cli wires configuration, logging and the job queue into cobra commands.
package cli

import (
	"fmt"

	"djp.chapter42.de/renderq/internal/config"
	"djp.chapter42.de/renderq/internal/data"
	"djp.chapter42.de/renderq/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const cliExecutable = "renderq"

// flagKeys maps command line flags to configuration keys. Only flags present on the
// executing command are bound, so each subcommand overrides just what it declares.
var flagKeys = map[string]string{
	"debug":       "debug",
	"log-file":    "log_file",
	"base-url":    "remote.base_url",
	"port":        "port",
	"concurrency": "queue.concurrency",
	"retries":     "queue.max_retries",
	"job-timeout": "remote.job_timeout",
}

type app struct {
	configFile string
	cfg        *data.RenderConfig
}

func NewCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "renderq queues rendering workflows and runs them on a remote engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.Flags())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Log.Sync()
		},
	}
	cmd.SilenceUsage = true

	cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Configuration file path")
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().String("log-file", "", "Additionally write logs to this file")
	cmd.PersistentFlags().String("base-url", "", "Base URL of the rendering engine")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newBatchCommand(a))
	cmd.AddCommand(newStatsCommand())

	return cmd
}

// load reads the configuration first and builds the logger from it afterwards.
func (a *app) load(flags *pflag.FlagSet) error {
	v := viper.New()
	if err := bindFlags(v, flags); err != nil {
		return err
	}

	if err := config.InitConfig(v, a.configFile, logger.Log); err != nil {
		return err
	}
	a.cfg = config.Config

	return logger.InitLogger(a.cfg.Debug, a.cfg.LogFile)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		// unset flags must not shadow file or env values with their zero default
		if !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
