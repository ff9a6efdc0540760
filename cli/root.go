// Package cli wires the telechat packages into the relay, chat and admin
// commands.
package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/op/go-logging"
	"github.com/spf13/cobra"

	"telechat/config"
	"telechat/logs"
)

var log = logging.MustGetLogger("cli")

// environment is the state every command shares after startup.
type environment struct {
	dataDir string
	cfgPath string
	cfg     *config.ClientConfig

	in  io.Reader
	out io.Writer

	logCloser io.Closer
}

// NewRootCmd builds the telechat command tree.
func NewRootCmd() *cobra.Command {
	env := &environment{in: os.Stdin, out: os.Stdout}
	var flags struct {
		dataDir  string
		logLevel string
	}

	root := &cobra.Command{
		Use:           "telechat",
		Short:         "Doctor/patient chat with a websocket relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			env.in = cmd.InOrStdin()
			env.out = cmd.OutOrStdout()
			return env.load(flags.dataDir, flags.logLevel, cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return env.close()
		},
	}

	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default: $"+config.EnvDataDir+" or the OS config dir)")
	root.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "", "log level [debug, info, notice, warning, error, critical]")

	root.AddCommand(
		newRelayCmd(env),
		newChatCmd(env),
		newTokenCmd(env),
		newUserCmd(env),
	)
	return root
}

// Execute runs the root command until ctx is cancelled.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (env *environment) load(dataDir, logLevel string, console io.Writer) error {
	var (
		cfg     *config.ClientConfig
		cfgPath string
		err     error
	)
	if dataDir != "" {
		cfg, cfgPath, err = config.LoadOrCreateIn(dataDir)
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	env.cfg = cfg
	env.cfgPath = cfgPath
	env.dataDir = filepath.Dir(cfgPath)

	closer, err := logs.Setup(logs.Options{Level: cfg.LogLevel, File: cfg.LogFile, Console: console})
	if err != nil {
		return err
	}
	env.logCloser = closer
	log.Debugf("loaded config %s", cfgPath)
	return nil
}

func (env *environment) close() error {
	if env.logCloser == nil {
		return nil
	}
	err := env.logCloser.Close()
	env.logCloser = nil
	return err
}
