// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package imapstore is the remote store for IMAP servers.  Each folder
// obtained from a Store holds its own connection.
package imapstore

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Security is how the connection to the server is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Config describes one IMAP account.
type Config struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string

	// TokenSource, when set, authenticates with OAUTHBEARER instead
	// of the password.
	TokenSource oauth2.TokenSource

	// CommandsPerSecond paces commands sent on each connection.
	// Zero or less means no pacing.
	CommandsPerSecond float64

	// MaxBodySize bounds truncated body fetches.  Zero or less
	// fetches whole bodies.
	MaxBodySize int64

	// Trace logs protocol traffic at trace level.
	Trace bool

	Log zerolog.Logger
}

// Store hands out folders of one IMAP account.
type Store struct {
	cfg Config
}

var _ sync.RemoteStore = (*Store)(nil)

func New(cfg Config) *Store {
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	if cfg.Port == 0 {
		cfg.Port = 993
		if cfg.Security != SecurityTLS {
			cfg.Port = 143
		}
	}
	return &Store{cfg: cfg}
}

// Folder connects to the server and returns the named folder, not yet
// selected.  The connection is released by the folder's Close.
func (s *Store) Folder(ctx context.Context, name string) (sync.RemoteFolder, error) {
	f := &Folder{
		name:        name,
		log:         s.cfg.Log.With().Str("folder", name).Logger(),
		maxBodySize: s.cfg.MaxBodySize,
		limiter:     rate.NewLimiter(rate.Inf, 1),
	}
	if s.cfg.CommandsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(s.cfg.CommandsPerSecond), 1)
	}
	c, err := s.dial(f)
	if err != nil {
		return nil, err
	}
	if err := s.authenticate(ctx, c); err != nil {
		c.Close()
		return nil, err
	}
	f.client = c
	f.caps = c.Caps()
	return f, nil
}

func (s *Store) dial(f *Folder) (*imapclient.Client, error) {
	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(seqNum uint32) { f.expunged() },
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					f.setCount(*data.NumMessages)
				}
			},
		},
	}
	if s.cfg.Trace {
		opts.DebugWriter = &debugWriter{log: f.log}
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var c *imapclient.Client
	var err error
	switch s.cfg.Security {
	case SecurityTLS:
		c, err = imapclient.DialTLS(addr, opts)
	case SecurityStartTLS:
		c, err = imapclient.DialStartTLS(addr, opts)
	case SecurityNone:
		c, err = imapclient.DialInsecure(addr, opts)
	default:
		return nil, errors.Errorf("unknown connection security %q", s.cfg.Security)
	}
	return c, errors.Wrapf(err, "unable to connect to %s", addr)
}

func (s *Store) authenticate(ctx context.Context, c *imapclient.Client) error {
	var err error
	switch {
	case s.cfg.TokenSource != nil:
		tok, terr := s.cfg.TokenSource.Token()
		if terr != nil {
			return errors.Wrap(terr, "unable to obtain an access token")
		}
		err = c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: s.cfg.Username,
			Token:    tok.AccessToken,
			Host:     s.cfg.Host,
			Port:     s.cfg.Port,
		}))
	case c.Caps().Has(imap.CapLoginDisabled):
		err = c.Authenticate(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password))
	default:
		err = c.Login(s.cfg.Username, s.cfg.Password).Wait()
	}
	if err != nil {
		var ierr *imap.Error
		if errors.As(err, &ierr) {
			return errors.Wrapf(message.ErrAuthenticationFailed, "%s: %s", s.cfg.Username, ierr.Text)
		}
		return errors.Wrap(err, "unable to authenticate")
	}
	return nil
}

// debugWriter logs protocol traffic with credentials redacted.
type debugWriter struct {
	log zerolog.Logger
}

func (w *debugWriter) Write(p []byte) (int, error) {
	data := strings.TrimSpace(string(p))
	upper := strings.ToUpper(data)
	if strings.Contains(upper, " LOGIN ") || strings.Contains(upper, " AUTHENTICATE ") {
		data = "[credentials redacted]"
	}
	w.log.Trace().Str("imap_data", data).Msg("imap")
	return len(p), nil
}
