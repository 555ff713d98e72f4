package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/bodystore"
	"github.com/matta/mailsync/internal/config"
	"github.com/matta/mailsync/internal/credential"
	"github.com/matta/mailsync/internal/gmail"
	"github.com/matta/mailsync/internal/gmailhttp"
	"github.com/matta/mailsync/internal/imapstore"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// imapScope is the OAuth 2.0 scope Google requires for IMAP.
const imapScope = "https://mail.google.com/"

// runtime is everything needed to synchronize one account.
type runtime struct {
	cfg        *config.Account
	acct       *account.Account
	db         *persist.DB
	controller *sync.Controller
	log        zerolog.Logger
}

func (r *runtime) Close() error {
	return r.db.Close()
}

// refresh rebuilds the engine account so dates derived from the
// current time, such as the earliest poll date, stay current across
// repeated passes.
func (r *runtime) refresh() error {
	acct, err := r.cfg.Engine(timeNow())
	if err != nil {
		return err
	}
	r.acct = acct
	return nil
}

// accounts returns the configured accounts named, or all of them.
func (g *globals) accounts(names []string) ([]*config.Account, error) {
	if len(names) == 0 {
		var out []*config.Account
		for i := range g.cfg.Accounts {
			out = append(out, &g.cfg.Accounts[i])
		}
		if len(out) == 0 {
			return nil, errors.Errorf("no accounts configured in %s", g.configPath)
		}
		return out, nil
	}
	var out []*config.Account
	for _, name := range names {
		a, err := g.cfg.Account(name)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// open builds the stores and controller for a.
func (g *globals) open(ctx context.Context, a *config.Account) (*runtime, error) {
	log := g.log.With().Str("account", a.Name).Logger()
	acct, err := a.Engine(timeNow())
	if err != nil {
		return nil, err
	}

	bodies, err := bodystore.New(g.cfg.BodyPath(a.Name))
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize message store")
	}
	path := g.cfg.DatabasePath(a.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "unable to create database directory")
	}
	db, err := persist.Open(ctx, path, bodies, log)
	if err != nil {
		return nil, errors.Wrap(err, "unable to initialize database")
	}

	remote, err := g.remote(ctx, a, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	c := sync.New(sync.Config{
		Local:  db,
		Remote: remote,
		Log:    log,
	})
	return &runtime{cfg: a, acct: acct, db: db, controller: c, log: log}, nil
}

func (g *globals) remote(ctx context.Context, a *config.Account, log zerolog.Logger) (sync.RemoteStore, error) {
	if a.Gmail.Enabled {
		client, err := gmailhttp.New(ctx, gmailhttp.Config{
			TokenCommand: a.Gmail.TokenCommand,
			User:         a.Email,
			APIKey:       a.Gmail.APIKey,
			Trace:        g.trace,
			Log:          log,
		}, gmail.ModifyScope)
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize Gmail HTTP client")
		}
		s, err := gmail.New(ctx, client, gmail.Config{
			MaxBodySize: a.IMAP.MaxBodySize,
			Log:         log,
		})
		if err != nil {
			return nil, errors.Wrap(err, "unable to initialize Gmail")
		}
		return s, nil
	}

	cfg := imapstore.Config{
		Host:              a.IMAP.Host,
		Port:              a.IMAP.Port,
		Security:          imapstore.Security(a.IMAP.Security),
		Username:          a.IMAP.Username,
		Password:          a.IMAP.Password,
		CommandsPerSecond: a.IMAP.CommandsPerSecond,
		MaxBodySize:       a.IMAP.MaxBodySize,
		Trace:             g.trace,
		Log:               log,
	}
	if cfg.Username == "" {
		cfg.Username = a.Email
	}
	switch {
	case len(a.IMAP.TokenCommand) > 0:
		src, err := gmailhttp.TokenSource(ctx, a.IMAP.TokenCommand, cfg.Username, imapScope)
		if err != nil {
			return nil, err
		}
		cfg.TokenSource = src
	case cfg.Password == "":
		creds, err := g.credentials(a.IMAP.KeyringService)
		if err != nil {
			return nil, err
		}
		pw, err := creds.Password(a.Name)
		if err != nil {
			return nil, err
		}
		cfg.Password = pw
	}
	return imapstore.New(cfg), nil
}

func (g *globals) credentials(service string) (*credential.Store, error) {
	dir := filepath.Join(filepath.Dir(g.configPath), "credentials")
	return credential.Open(service, dir)
}
