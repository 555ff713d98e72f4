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
	"strconv"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"

	"github.com/pkg/errors"
)

// Names of the queued commands.
const (
	// append <folder> <local uid>
	CommandAppend = "append"
	// setflag <folder> <flag> <true|false> <uid>...
	CommandSetFlag = "setflag"
	// move <source folder> <destination folder> <uid>...
	CommandMove = "move"
	// expunge <folder>
	CommandExpunge = "expunge"
)

// CommandHandler replays one queued command against the server.
// Errors marked with message.Permanent drop the command; any other
// error leaves it queued.
type CommandHandler func(ctx context.Context, acct *account.Account, args []string) error

// ProcessPendingCommands replays queued commands oldest first.
func (c *Controller) ProcessPendingCommands(ctx context.Context, acct *account.Account, listener Listener) error {
	return c.processPendingCommands(ctx, acct, c.listeners.Snapshot(listener))
}

func (c *Controller) processPendingCommands(ctx context.Context, acct *account.Account, ls Listener) error {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()

	cmds, err := c.local.PendingCommands(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to read pending commands")
	}
	if len(cmds) == 0 {
		return nil
	}
	log := c.log.With().Str("account", acct.Name).Logger()
	ls.PendingCommandsProcessing(acct)
	defer ls.PendingCommandsFinished(acct)

	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		handler, ok := c.commands[cmd.Command]
		if !ok {
			log.Warn().Str("command", cmd.Command).Msg("dropping unknown pending command")
			if err := c.local.RemovePendingCommand(ctx, cmd.ID); err != nil {
				return err
			}
			continue
		}

		ls.PendingCommandStarted(acct, cmd.Command)
		err := handler(ctx, acct, cmd.Args)
		ls.PendingCommandCompleted(acct, cmd.Command)
		if err != nil {
			if !message.IsPermanent(err) {
				return errors.Wrapf(err, "pending command %s failed", cmd.Command)
			}
			log.Warn().Err(err).Str("command", cmd.Command).Strs("args", cmd.Args).
				Msg("dropping pending command after permanent failure")
		}
		if err := c.local.RemovePendingCommand(ctx, cmd.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) enqueue(ctx context.Context, name string, args ...string) error {
	return errors.Wrapf(c.local.AddPendingCommand(ctx, PendingCommand{Command: name, Args: args}),
		"unable to queue %s", name)
}

// withRemote opens folder on the server for the duration of fn.
func (c *Controller) withRemote(ctx context.Context, folder string, fn func(RemoteFolder) error) error {
	remote, err := c.remote.Folder(ctx, folder)
	if err != nil {
		return err
	}
	defer closeLogged(c.log, "remote", remote.Close)
	if err := remote.Open(ctx, ReadWrite); err != nil {
		return err
	}
	return fn(remote)
}

// withLocal opens folder in the local store for the duration of fn.
func (c *Controller) withLocal(ctx context.Context, folder string, fn func(LocalFolder) error) error {
	local, err := c.local.Folder(ctx, folder)
	if err != nil {
		return err
	}
	if err := local.Open(ctx); err != nil {
		return err
	}
	defer closeLogged(c.log, "local", local.Close)
	return fn(local)
}

func serverUIDs(uids []string) []string {
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		if !message.IsLocalUID(uid) {
			out = append(out, uid)
		}
	}
	return out
}

// replayAppend uploads a locally created message.  The local copy is
// destroyed afterwards; the next pass downloads the server's copy.
func (c *Controller) replayAppend(ctx context.Context, acct *account.Account, args []string) error {
	if len(args) != 2 {
		return message.Permanent(errors.Errorf("append: want 2 arguments, got %d", len(args)))
	}
	folder, uid := args[0], args[1]
	return c.withLocal(ctx, folder, func(local LocalFolder) error {
		msg, err := local.Message(ctx, uid)
		if err != nil {
			return err
		}
		if msg == nil || msg.Flags.Has(message.Deleted) {
			return nil
		}
		raw, err := local.MessageBody(ctx, uid)
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			return message.Permanent(errors.Errorf("append: message %s has no content", uid))
		}
		err = c.withRemote(ctx, folder, func(remote RemoteFolder) error {
			newUID, err := remote.AppendMessage(ctx, raw, msg.Flags, msg.InternalDate)
			if err != nil {
				return err
			}
			c.log.Debug().Str("folder", folder).Str("uid", uid).Str("remote_uid", newUID).Msg("uploaded message")
			return nil
		})
		if err != nil {
			return err
		}
		return local.DestroyMessages(ctx, []*message.Message{msg})
	})
}

func (c *Controller) replaySetFlag(ctx context.Context, acct *account.Account, args []string) error {
	if len(args) < 3 {
		return message.Permanent(errors.Errorf("setflag: want at least 3 arguments, got %d", len(args)))
	}
	flag, err := message.ParseFlag(args[1])
	if err != nil {
		return message.Permanent(err)
	}
	on, err := strconv.ParseBool(args[2])
	if err != nil {
		return message.Permanent(errors.Wrap(err, "setflag"))
	}
	uids := serverUIDs(args[3:])
	if len(uids) == 0 {
		return nil
	}
	return c.withRemote(ctx, args[0], func(remote RemoteFolder) error {
		return remote.SetFlags(ctx, uids, flag, on)
	})
}

func (c *Controller) replayMove(ctx context.Context, acct *account.Account, args []string) error {
	if len(args) < 2 {
		return message.Permanent(errors.Errorf("move: want at least 2 arguments, got %d", len(args)))
	}
	uids := serverUIDs(args[2:])
	if len(uids) == 0 {
		return nil
	}
	return c.withRemote(ctx, args[0], func(remote RemoteFolder) error {
		return remote.MoveMessages(ctx, uids, args[1])
	})
}

func (c *Controller) replayExpunge(ctx context.Context, acct *account.Account, args []string) error {
	if len(args) != 1 {
		return message.Permanent(errors.Errorf("expunge: want 1 argument, got %d", len(args)))
	}
	return c.withRemote(ctx, args[0], func(remote RemoteFolder) error {
		return remote.Expunge(ctx)
	})
}

// SetFlag changes a flag on cached messages and queues the change for
// the server.
func (c *Controller) SetFlag(ctx context.Context, acct *account.Account, folder string, uids []string, flag message.Flag, on bool) error {
	err := c.withLocal(ctx, folder, func(local LocalFolder) error {
		for _, uid := range uids {
			if err := local.SetFlag(ctx, uid, flag, on); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if remote := serverUIDs(uids); len(remote) > 0 {
		args := append([]string{folder, flag.String(), strconv.FormatBool(on)}, remote...)
		return c.enqueue(ctx, CommandSetFlag, args...)
	}
	return nil
}

// Append stores raw as a new message in folder under a local-only UID
// and queues its upload.
func (c *Controller) Append(ctx context.Context, acct *account.Account, folder string, raw []byte, flags message.FlagSet) (string, error) {
	env, err := message.ParseEnvelope(raw)
	if err != nil {
		return "", err
	}
	msg := &message.Message{
		UID:          message.NewLocalUID(),
		Flags:        flags.With(message.DownloadedFull, true),
		Size:         int64(len(raw)),
		InternalDate: c.now().UTC().Truncate(time.Second),
		Envelope:     env,
		Body:         raw,
	}
	err = c.withLocal(ctx, folder, func(local LocalFolder) error {
		return local.AppendMessages(ctx, []*message.Message{msg})
	})
	if err != nil {
		return "", err
	}
	return msg.UID, c.enqueue(ctx, CommandAppend, folder, msg.UID)
}

// Move removes messages from the cached source folder and queues the
// move on the server.  The messages appear in dest on its next pass.
func (c *Controller) Move(ctx context.Context, acct *account.Account, src, dest string, uids []string) error {
	err := c.withLocal(ctx, src, func(local LocalFolder) error {
		msgs, err := local.MessagesByUIDs(ctx, uids)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		return local.DestroyMessages(ctx, msgs)
	})
	if err != nil {
		return err
	}
	if remote := serverUIDs(uids); len(remote) > 0 {
		return c.enqueue(ctx, CommandMove, append([]string{src, dest}, remote...)...)
	}
	return nil
}

// Expunge queues an expunge of folder on the server.
func (c *Controller) Expunge(ctx context.Context, acct *account.Account, folder string) error {
	return c.enqueue(ctx, CommandExpunge, folder)
}
