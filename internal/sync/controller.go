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

package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config holds a Controller's collaborators.
type Config struct {
	Local  LocalStore
	Remote RemoteStore
	Log    zerolog.Logger

	// Now returns the current time.  Defaults to time.Now.
	Now func() time.Time
}

// Controller runs synchronization passes for one account's stores.
// Passes for different folders may run concurrently.
type Controller struct {
	local  LocalStore
	remote RemoteStore
	log    zerolog.Logger
	now    func() time.Time

	listeners  Registry
	suppressed Suppressions
	parts      *components
	commands   map[string]CommandHandler

	// replayMu serializes pending command replay.
	replayMu gosync.Mutex
}

func New(cfg Config) *Controller {
	c := &Controller{
		local:  cfg.Local,
		remote: cfg.Remote,
		log:    cfg.Log,
		now:    cfg.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.parts = newComponents(&c.suppressed)
	c.commands = map[string]CommandHandler{
		CommandAppend:  c.replayAppend,
		CommandSetFlag: c.replaySetFlag,
		CommandMove:    c.replayMove,
		CommandExpunge: c.replayExpunge,
	}
	return c
}

func (c *Controller) AddListener(l Listener)    { c.listeners.Add(l) }
func (c *Controller) RemoveListener(l Listener) { c.listeners.Remove(l) }

// SuppressMessage stops flag change announcements for a message, for
// instance while it is on screen.
func (c *Controller) SuppressMessage(acct *account.Account, folder, uid string) {
	c.suppressed.Suppress(acct, folder, uid)
}

func (c *Controller) UnsuppressMessage(acct *account.Account, folder, uid string) {
	c.suppressed.Unsuppress(acct, folder, uid)
}

// SynchronizeMailbox brings the local copy of folder up to date.  The
// registered listeners and listener, if non-nil, see exactly one of
// SynchronizeMailboxFinished or SynchronizeMailboxFailed.
//
// If remote is non-nil it must already be open; it is used as is and
// left open.  Otherwise the folder is obtained from the remote store,
// opened, and closed before returning.
func (c *Controller) SynchronizeMailbox(ctx context.Context, acct *account.Account, folder string, listener Listener, remote RemoteFolder) error {
	ls := c.listeners.Snapshot(listener)
	log := c.log.With().Str("account", acct.Name).Str("folder", folder).Logger()

	ls.SynchronizeMailboxStarted(acct, folder)
	if folder != "" && folder == acct.OutboxFolder {
		log.Debug().Msg("not synchronizing outbox")
		ls.SynchronizeMailboxFinished(acct, folder, 0, 0)
		return nil
	}

	start := c.now()
	res, err := c.synchronize(ctx, acct, folder, ls, remote, log)
	if err != nil {
		reason := FailureMessage(err)
		log.Error().Err(err).Msg("synchronization failed")
		ls.SynchronizeMailboxFailed(acct, folder, reason)
		return err
	}
	log.Info().
		Int("total", res.RemoteCount).
		Int("new", res.NewMessages).
		Dur("elapsed", c.now().Sub(start)).
		Msg("synchronization finished")
	ls.SynchronizeMailboxFinished(acct, folder, res.RemoteCount, res.NewMessages)
	return nil
}

func (c *Controller) synchronize(ctx context.Context, acct *account.Account, folder string, ls Listener, remote RemoteFolder, log zerolog.Logger) (*Result, error) {
	if err := c.processPendingCommands(ctx, acct, ls); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local, err := c.local.Folder(ctx, folder)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get local folder %s", folder)
	}
	if err := local.Open(ctx); err != nil {
		return nil, errors.Wrapf(err, "unable to open local folder %s", folder)
	}
	defer closeLogged(log, "local", local.Close)

	provided := remote != nil
	if !provided {
		remote, err = c.remote.Folder(ctx, folder)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to get remote folder %s", folder)
		}
		defer closeLogged(log, "remote", remote.Close)
	}

	p := &Pass{
		Account:        acct,
		Folder:         folder,
		Local:          local,
		Remote:         remote,
		RemoteProvided: provided,
		Listener:       ls,
		Log:            log,
	}
	strategy, err := c.selectStrategy(ctx, p)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("strategy", strategy.Name()).Msg("synchronizing")

	res, err := strategy.ContinueSync(ctx, p)
	if err != nil {
		if serr := local.SetStatus(ctx, FailureMessage(err), time.Time{}); serr != nil {
			log.Warn().Err(serr).Msg("unable to record folder status")
		}
		return nil, err
	}
	if err := local.SetStatus(ctx, "", c.now()); err != nil {
		return nil, err
	}
	return res, nil
}

// selectStrategy picks the most economical strategy the remote folder
// and the cached state allow.
func (c *Controller) selectStrategy(ctx context.Context, p *Pass) (Strategy, error) {
	var base Strategy = &genericStrategy{c.parts}
	if p.Remote.SupportsModSeq() {
		base = &condstoreStrategy{c.parts}
	}
	if p.RemoteProvided || !p.Remote.SupportsResync() {
		return base, nil
	}
	uidValidity, err := p.Local.UIDValidity(ctx)
	if err != nil {
		return nil, err
	}
	modSeq, valid, err := p.Local.HighestModSeq(ctx)
	if err != nil {
		return nil, err
	}
	if uidValidity == 0 || !valid || modSeq == 0 {
		return base, nil
	}
	return &qresyncStrategy{components: c.parts, fallback: base}, nil
}

func closeLogged(log zerolog.Logger, what string, close func() error) {
	if err := close(); err != nil {
		log.Warn().Err(err).Msgf("unable to close %s folder", what)
	}
}

// FailureMessage returns the text reported to listeners for err.
// Store errors carry their own text; anything else is reported by its
// root cause.
func FailureMessage(err error) string {
	if errors.Is(err, message.ErrAuthenticationFailed) {
		return "Authentication failure"
	}
	var se *message.StoreError
	if errors.As(err, &se) {
		return se.Error()
	}
	return "Exception: " + errors.Cause(err).Error()
}
