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


// Package persist is the local message cache, kept in SQLite with
// message content in a bodystore.Store.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/matta/mailsync/internal/bodystore"
	"github.com/matta/mailsync/internal/sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	createTableSql = []string{
		// The folders table holds per folder synchronization
		// state.
		//
		// Field: uid_validity
		//
		//   The UIDVALIDITY the server reported on the last
		//   successful pass.  Zero if never recorded.
		//
		// Field: highest_mod_seq, mod_seq_valid
		//
		//   The folder's HIGHESTMODSEQ after the last successful
		//   pass, stored with orderedToSigned.  Only meaningful
		//   when mod_seq_valid is non-zero; it is cleared whenever
		//   the cached messages can no longer be trusted to match
		//   it.
		//
		// Field: visible_limit
		//
		//   Number of newest messages kept in sync.  Zero or less
		//   means the account default.
		//
		// Field: more_messages
		//
		//   Non-zero when the server holds messages older than the
		//   synchronized window.
		//
		// Field: status, last_checked
		//
		//   Failure text of the last pass, empty on success, and
		//   the Unix time of the last successful pass.
		`
CREATE TABLE IF NOT EXISTS folders (
name TEXT NOT NULL PRIMARY KEY,
uid_validity INTEGER NOT NULL DEFAULT 0,
highest_mod_seq INTEGER NOT NULL,
mod_seq_valid INTEGER NOT NULL DEFAULT 0,
visible_limit INTEGER NOT NULL DEFAULT 0,
more_messages INTEGER NOT NULL DEFAULT 0,
status TEXT NOT NULL DEFAULT '',
last_checked INTEGER NOT NULL DEFAULT 0
);`,
		// The messages table holds one row per cached message.
		// Content lives in the body store.
		//
		// Field: uid
		//
		//   The server UID in decimal, or a local-only UID for
		//   messages not yet uploaded.
		//
		// Field: flags
		//
		//   message.FlagSet bits.
		//
		// Field: internal_date, sent_date
		//
		//   Unix seconds, zero if unknown.
		//
		// Field: sender, recipients
		//
		//   JSON arrays of addresses.
		`
CREATE TABLE IF NOT EXISTS messages (
folder TEXT NOT NULL,
uid TEXT NOT NULL,
flags INTEGER NOT NULL DEFAULT 0,
size INTEGER NOT NULL DEFAULT 0,
internal_date INTEGER NOT NULL DEFAULT 0,
sent_date INTEGER NOT NULL DEFAULT 0,
subject TEXT NOT NULL DEFAULT '',
sender TEXT NOT NULL DEFAULT '[]',
recipients TEXT NOT NULL DEFAULT '[]',
message_id TEXT NOT NULL DEFAULT '',
has_envelope INTEGER NOT NULL DEFAULT 0,
mod_seq INTEGER NOT NULL DEFAULT 0,
PRIMARY KEY (folder, uid),
FOREIGN KEY (folder) REFERENCES folders (name)
);`,
		// The message_parts table holds individually downloaded
		// MIME parts of large messages, keyed by part path.
		`
CREATE TABLE IF NOT EXISTS message_parts (
folder TEXT NOT NULL,
uid TEXT NOT NULL,
path TEXT NOT NULL,
content BLOB NOT NULL,
PRIMARY KEY (folder, uid, path)
);`,
		// The pending_commands table queues changes made while
		// offline, replayed oldest (lowest id) first.
		//
		// Field: arguments
		//
		//   JSON array of strings.
		`
CREATE TABLE IF NOT EXISTS pending_commands (
id INTEGER PRIMARY KEY AUTOINCREMENT,
command TEXT NOT NULL,
arguments TEXT NOT NULL DEFAULT '[]'
);`,
	}
)

// DB is the local store of one account.  It implements
// sync.LocalStore.
type DB struct {
	db     *sqlx.DB
	bodies *bodystore.Store
	log    zerolog.Logger
}

var _ sync.LocalStore = (*DB)(nil)

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens, creating if needed, the database at path.  Message
// content is kept in bodies.
func Open(ctx context.Context, path string, bodies *bodystore.Store, log zerolog.Logger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  Concurrent folder
	// passes share the database, so go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_foreign_keys": {"1"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Debug().Str("dsn", dsn).Msg("opening database")
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, bodies: bodies, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sqlx.DB, log zerolog.Logger) error {
	for _, sql := range createTableSql {
		log.Trace().Str("sql", sql).Msg("SQL Exec")
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

// Folder returns the cached folder name.  The folder is created on
// first Open.
func (db *DB) Folder(ctx context.Context, name string) (sync.LocalFolder, error) {
	return &Folder{db: db, name: name}, nil
}

// FolderNames returns the names of all cached folders.
func (db *DB) FolderNames(ctx context.Context) ([]string, error) {
	var names []string
	err := db.db.SelectContext(ctx, &names, `SELECT name FROM folders ORDER BY name`)
	return names, errors.Wrap(err, "unable to list folders")
}

type pendingRow struct {
	ID        int64  `db:"id"`
	Command   string `db:"command"`
	Arguments string `db:"arguments"`
}

func (db *DB) PendingCommands(ctx context.Context) ([]sync.PendingCommand, error) {
	var rows []pendingRow
	err := db.db.SelectContext(ctx, &rows,
		`SELECT id, command, arguments FROM pending_commands ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read pending commands")
	}
	cmds := make([]sync.PendingCommand, 0, len(rows))
	for _, r := range rows {
		cmd := sync.PendingCommand{ID: r.ID, Command: r.Command}
		if err := json.Unmarshal([]byte(r.Arguments), &cmd.Args); err != nil {
			return nil, errors.Wrapf(err, "pending command %d has malformed arguments", r.ID)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func (db *DB) AddPendingCommand(ctx context.Context, cmd sync.PendingCommand) error {
	args := cmd.Args
	if args == nil {
		args = []string{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	_, err = db.db.ExecContext(ctx,
		`INSERT INTO pending_commands (command, arguments) VALUES (?, ?)`,
		cmd.Command, string(raw))
	return errors.Wrap(err, "unable to queue pending command")
}

func (db *DB) RemovePendingCommand(ctx context.Context, id int64) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM pending_commands WHERE id = ?`, id)
	return errors.Wrapf(err, "unable to remove pending command %d", id)
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}
