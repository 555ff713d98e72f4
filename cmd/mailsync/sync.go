package main

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/metrics"
	"github.com/matta/mailsync/internal/sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var timeNow = time.Now

func newSyncCmd(g *globals) *cobra.Command {
	var (
		accounts []string
		folders  []string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize folders with the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.runSync(cmd.Context(), accounts, folders, interval)
		},
	}
	cmd.Flags().StringSliceVarP(&accounts, "account", "a", nil, "accounts to synchronize (default all)")
	cmd.Flags().StringSliceVarP(&folders, "folder", "f", nil, "folders to synchronize (default the account's sync_folders)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat every interval until interrupted")
	return cmd
}

func (g *globals) runSync(ctx context.Context, names, folders []string, interval time.Duration) error {
	list, err := g.accounts(names)
	if err != nil {
		return err
	}

	var runtimes []*runtime
	defer func() {
		for _, r := range runtimes {
			if err := r.Close(); err != nil {
				r.log.Warn().Err(err).Msg("unable to close database")
			}
		}
	}()
	for _, a := range list {
		r, err := g.open(ctx, a)
		if err != nil {
			return errors.Wrapf(err, "account %s", a.Name)
		}
		runtimes = append(runtimes, r)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	ml := metrics.NewListener(reg)
	pl := &progressListener{log: g.log}
	for _, r := range runtimes {
		r.controller.AddListener(ml)
		r.controller.AddListener(pl)
	}
	if addr := g.cfg.MetricsAddr; addr != "" {
		stop := serveMetrics(addr, reg, g.log)
		defer stop()
	}

	for {
		failed := g.syncOnce(ctx, runtimes, folders)
		if interval <= 0 {
			if failed > 0 {
				return errors.Errorf("%d folders failed to synchronize", failed)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// syncOnce runs one pass over every folder of every account and
// returns how many failed.  Failures do not stop the other folders.
func (g *globals) syncOnce(ctx context.Context, runtimes []*runtime, folders []string) int {
	var eg errgroup.Group
	eg.SetLimit(g.cfg.Concurrency)
	var failed atomic.Int64
	for _, r := range runtimes {
		r := r
		if err := r.refresh(); err != nil {
			r.log.Warn().Err(err).Msg("unable to refresh account settings")
		}
		names := folders
		if len(names) == 0 {
			names = r.cfg.FolderNames()
		}
		for _, folder := range names {
			folder := folder
			eg.Go(func() error {
				if err := r.controller.SynchronizeMailbox(ctx, r.acct, folder, nil, nil); err != nil {
					failed.Add(1)
				}
				return nil
			})
		}
	}
	eg.Wait()
	return int(failed.Load())
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// progressListener logs pass progress.
type progressListener struct {
	sync.BaseListener
	log zerolog.Logger
}

func (l *progressListener) SynchronizeMailboxHeadersFinished(acct *account.Account, folder string, total, completed int) {
	l.log.Debug().Str("account", acct.Name).Str("folder", folder).
		Int("total", total).Int("completed", completed).Msg("headers listed")
}

func (l *progressListener) SynchronizeMailboxNewMessage(acct *account.Account, folder string, msg *message.Message) {
	ev := l.log.Info().Str("account", acct.Name).Str("folder", folder).Str("uid", msg.UID)
	if msg.Envelope != nil {
		ev = ev.Str("subject", msg.Envelope.Subject).Strs("from", msg.Envelope.From)
	}
	ev.Msg("new message")
}

func (l *progressListener) SynchronizeMailboxFailed(acct *account.Account, folder string, reason string) {
	l.log.Warn().Str("account", acct.Name).Str("folder", folder).Str("reason", reason).Msg("folder failed")
}

func (l *progressListener) PendingCommandCompleted(acct *account.Account, command string) {
	l.log.Debug().Str("account", acct.Name).Str("command", command).Msg("pending command sent")
}
