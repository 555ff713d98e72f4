// The mailsync command synchronizes IMAP and Gmail folders into a local
// cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matta/mailsync/internal/config"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
)

// globals holds what the persistent flags and config produce.
type globals struct {
	configPath string
	trace      bool

	v   *viper.Viper
	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{v: config.New()}
	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Synchronize mail folders into a local cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return g.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.configPath, "config", config.DefaultPath(), "configuration file")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVarP(&g.trace, "trace", "T", false, "log protocol traffic")
	g.v.BindPFlag("log_level", flags.Lookup("log-level"))
	g.v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))

	root.AddCommand(
		newSyncCmd(g),
		newPendingCmd(g),
		newFlagCmd(g),
		newMoveCmd(g),
		newExpungeCmd(g),
		newAppendCmd(g),
		newPasswordCmd(g),
		newVersionCmd(),
	)
	return root
}

func (g *globals) load() error {
	cfg, err := config.Load(g.v, g.configPath)
	if err != nil {
		return err
	}
	g.cfg = cfg
	log, err := newLogger(cfg.LogLevel, g.trace)
	if err != nil {
		return err
	}
	g.log = log
	return nil
}

// newLogger writes human readable logs to a terminal and JSON
// otherwise.
func newLogger(level string, trace bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), errors.Wrapf(err, "bad log level %q", level)
	}
	if trace {
		lvl = zerolog.TraceLevel
	}
	var log zerolog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger(), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mailsync %s", version)
			if commit != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", commit)
			}
			fmt.Fprintln(cmd.OutOrStdout())
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
}
