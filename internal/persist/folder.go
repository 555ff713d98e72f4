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


package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/sync"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Folder is one cached folder.  It implements sync.LocalFolder.
type Folder struct {
	db   *DB
	name string
}

var _ sync.LocalFolder = (*Folder)(nil)

type messageRow struct {
	Folder       string `db:"folder"`
	UID          string `db:"uid"`
	Flags        int64  `db:"flags"`
	Size         int64  `db:"size"`
	InternalDate int64  `db:"internal_date"`
	SentDate     int64  `db:"sent_date"`
	Subject      string `db:"subject"`
	Sender       string `db:"sender"`
	Recipients   string `db:"recipients"`
	MessageID    string `db:"message_id"`
	HasEnvelope  bool   `db:"has_envelope"`
	ModSeq       int64  `db:"mod_seq"`
}

const messageColumns = `folder, uid, flags, size, internal_date, sent_date,
subject, sender, recipients, message_id, has_envelope, mod_seq`

func newMessageRow(folder string, m *message.Message) (*messageRow, error) {
	r := &messageRow{
		Folder:       folder,
		UID:          m.UID,
		Flags:        int64(m.Flags),
		Size:         m.Size,
		InternalDate: unixTime(m.InternalDate),
		Sender:       "[]",
		Recipients:   "[]",
		ModSeq:       orderedToSigned(m.ModSeq),
	}
	if e := m.Envelope; e != nil {
		r.HasEnvelope = true
		r.SentDate = unixTime(e.Date)
		r.Subject = e.Subject
		r.MessageID = e.MessageID
		from, err := json.Marshal(nonNil(e.From))
		if err != nil {
			return nil, err
		}
		to, err := json.Marshal(nonNil(e.To))
		if err != nil {
			return nil, err
		}
		r.Sender, r.Recipients = string(from), string(to)
	}
	return r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *messageRow) message() (*message.Message, error) {
	m := &message.Message{
		UID:          r.UID,
		Flags:        message.FlagSet(r.Flags),
		Size:         r.Size,
		InternalDate: fromUnix(r.InternalDate),
		ModSeq:       orderedToUnsigned(r.ModSeq),
	}
	if r.HasEnvelope {
		m.Envelope = &message.Envelope{
			Date:      fromUnix(r.SentDate),
			Subject:   r.Subject,
			MessageID: r.MessageID,
		}
		if err := json.Unmarshal([]byte(r.Sender), &m.Envelope.From); err != nil {
			return nil, errors.Wrapf(err, "message %s has a malformed sender", r.UID)
		}
		if err := json.Unmarshal([]byte(r.Recipients), &m.Envelope.To); err != nil {
			return nil, errors.Wrapf(err, "message %s has malformed recipients", r.UID)
		}
	}
	return m, nil
}

func (f *Folder) Name() string { return f.name }

// Open creates the folder's row if it does not exist yet.
func (f *Folder) Open(ctx context.Context) error {
	_, err := f.db.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO folders (name, highest_mod_seq) VALUES (?, ?)`,
		f.name, orderedToSigned(0))
	return errors.Wrapf(err, "unable to open local folder %s", f.name)
}

func (f *Folder) Close() error { return nil }

func (f *Folder) UIDValidity(ctx context.Context) (uint64, error) {
	var v int64
	err := f.db.db.GetContext(ctx, &v, `SELECT uid_validity FROM folders WHERE name = ?`, f.name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return uint64(v), errors.Wrap(err, "unable to read UID validity")
}

func (f *Folder) SetUIDValidity(ctx context.Context, v uint64) error {
	return f.update(ctx, `UPDATE folders SET uid_validity = ? WHERE name = ?`, int64(v), f.name)
}

func (f *Folder) HighestModSeq(ctx context.Context) (uint64, bool, error) {
	var row struct {
		ModSeq int64 `db:"highest_mod_seq"`
		Valid  bool  `db:"mod_seq_valid"`
	}
	err := f.db.db.GetContext(ctx, &row,
		`SELECT highest_mod_seq, mod_seq_valid FROM folders WHERE name = ?`, f.name)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "unable to read highest mod-sequence")
	}
	return orderedToUnsigned(row.ModSeq), row.Valid, nil
}

func (f *Folder) SetHighestModSeq(ctx context.Context, modSeq uint64) error {
	return f.update(ctx, `UPDATE folders SET highest_mod_seq = ?, mod_seq_valid = 1 WHERE name = ?`,
		orderedToSigned(modSeq), f.name)
}

func (f *Folder) InvalidateHighestModSeq(ctx context.Context) error {
	return f.update(ctx, `UPDATE folders SET mod_seq_valid = 0 WHERE name = ?`, f.name)
}

func (f *Folder) SmallestUID(ctx context.Context) (uint64, bool, error) {
	var uids []string
	if err := f.db.db.SelectContext(ctx, &uids, `SELECT uid FROM messages WHERE folder = ?`, f.name); err != nil {
		return 0, false, errors.Wrap(err, "unable to list UIDs")
	}
	var min uint64
	found := false
	for _, uid := range uids {
		if n, ok := message.NumericUID(uid); ok && (!found || n < min) {
			min, found = n, true
		}
	}
	return min, found, nil
}

func (f *Folder) VisibleLimit(ctx context.Context) (int, error) {
	var n int
	err := f.db.db.GetContext(ctx, &n, `SELECT visible_limit FROM folders WHERE name = ?`, f.name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, errors.Wrap(err, "unable to read visible limit")
}

// SetVisibleLimit changes the number of messages kept in sync.
func (f *Folder) SetVisibleLimit(ctx context.Context, n int) error {
	return f.update(ctx, `UPDATE folders SET visible_limit = ? WHERE name = ?`, n, f.name)
}

func (f *Folder) MessageCount(ctx context.Context) (int, error) {
	var n int
	err := f.db.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE folder = ?`, f.name)
	return n, errors.Wrap(err, "unable to count messages")
}

func (f *Folder) AllMessagesAndEffectiveDates(ctx context.Context) (map[string]time.Time, error) {
	rows, err := f.db.db.QueryxContext(ctx,
		`SELECT uid, CASE WHEN sent_date != 0 THEN sent_date ELSE internal_date END
		FROM messages WHERE folder = ?`, f.name)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list messages")
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var uid string
		var date int64
		if err := rows.Scan(&uid, &date); err != nil {
			return nil, errors.Wrap(err, "db scan failed in AllMessagesAndEffectiveDates")
		}
		out[uid] = fromUnix(date)
	}
	return out, errors.Wrap(rows.Err(), "unable to list messages")
}

func (f *Folder) Message(ctx context.Context, uid string) (*message.Message, error) {
	var r messageRow
	err := f.db.db.GetContext(ctx, &r,
		`SELECT `+messageColumns+` FROM messages WHERE folder = ? AND uid = ?`, f.name, uid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read message %s", uid)
	}
	return r.message()
}

// uidsPerQuery bounds the UIDs bound into one IN clause, well under
// SQLite's limit on host parameters.
var uidsPerQuery = 500

// MessagesByUIDs returns the cached messages among uids, in the order
// given.
func (f *Folder) MessagesByUIDs(ctx context.Context, uids []string) ([]*message.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	byUID := make(map[string]*messageRow, len(uids))
	for start := 0; start < len(uids); start += uidsPerQuery {
		chunk := uids[start:min(start+uidsPerQuery, len(uids))]
		q, args, err := sqlx.In(`SELECT `+messageColumns+` FROM messages WHERE folder = ? AND uid IN (?)`, f.name, chunk)
		if err != nil {
			return nil, err
		}
		var rows []messageRow
		if err := f.db.db.SelectContext(ctx, &rows, f.db.db.Rebind(q), args...); err != nil {
			return nil, errors.Wrap(err, "unable to read messages")
		}
		for i := range rows {
			byUID[rows[i].UID] = &rows[i]
		}
	}
	var out []*message.Message
	for _, uid := range uids {
		r, ok := byUID[uid]
		if !ok {
			continue
		}
		delete(byUID, uid)
		m, err := r.message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *Folder) MessageBody(ctx context.Context, uid string) ([]byte, error) {
	return f.db.bodies.Get(f.name, uid)
}

// MessageParts returns the individually downloaded parts of a message.
func (f *Folder) MessageParts(ctx context.Context, uid string) (map[string][]byte, error) {
	var rows []struct {
		Path    string `db:"path"`
		Content []byte `db:"content"`
	}
	err := f.db.db.SelectContext(ctx, &rows,
		`SELECT path, content FROM message_parts WHERE folder = ? AND uid = ?`, f.name, uid)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read parts of message %s", uid)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	parts := make(map[string][]byte, len(rows))
	for _, r := range rows {
		parts[r.Path] = r.Content
	}
	return parts, nil
}

func (f *Folder) AppendMessages(ctx context.Context, msgs []*message.Message) error {
	tx, err := f.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	for _, m := range msgs {
		r, err := newMessageRow(f.name, m)
		if err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`) VALUES (
:folder, :uid, :flags, :size, :internal_date, :sent_date,
:subject, :sender, :recipients, :message_id, :has_envelope, :mod_seq)
ON CONFLICT (folder, uid) DO UPDATE SET
flags = excluded.flags, size = excluded.size,
internal_date = excluded.internal_date, sent_date = excluded.sent_date,
subject = excluded.subject, sender = excluded.sender,
recipients = excluded.recipients, message_id = excluded.message_id,
has_envelope = excluded.has_envelope, mod_seq = excluded.mod_seq`, r)
		if err != nil {
			return errors.Wrapf(err, "unable to store message %s", m.UID)
		}
		if m.Parts != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM message_parts WHERE folder = ? AND uid = ?`, f.name, m.UID); err != nil {
				return errors.Wrapf(err, "unable to replace parts of message %s", m.UID)
			}
			for path, content := range m.Parts {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO message_parts (folder, uid, path, content) VALUES (?, ?, ?, ?)`,
					f.name, m.UID, path, content); err != nil {
					return errors.Wrapf(err, "unable to store part %s of message %s", path, m.UID)
				}
			}
		}
	}
	// Content goes in before the rows are committed.
	for _, m := range msgs {
		if m.Body != nil {
			if err := f.db.bodies.Put(f.name, m.UID, m.Body); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (f *Folder) DestroyMessages(ctx context.Context, msgs []*message.Message) error {
	tx, err := f.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE folder = ? AND uid = ?`, f.name, m.UID); err != nil {
			return errors.Wrapf(err, "unable to destroy message %s", m.UID)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM message_parts WHERE folder = ? AND uid = ?`, f.name, m.UID); err != nil {
			return errors.Wrapf(err, "unable to destroy parts of message %s", m.UID)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := f.db.bodies.Delete(f.name, m.UID); err != nil {
			f.db.log.Warn().Err(err).Str("folder", f.name).Str("uid", m.UID).Msg("content left behind")
		}
	}
	return nil
}

func (f *Folder) SetFlag(ctx context.Context, uid string, flag message.Flag, on bool) error {
	q := `UPDATE messages SET flags = flags & ~? WHERE folder = ? AND uid = ?`
	if on {
		q = `UPDATE messages SET flags = flags | ? WHERE folder = ? AND uid = ?`
	}
	_, err := f.db.db.ExecContext(ctx, q, int64(flag), f.name, uid)
	return errors.Wrapf(err, "unable to set %v on message %s", flag, uid)
}

func (f *Folder) SetMoreMessages(ctx context.Context, more bool) error {
	return f.update(ctx, `UPDATE folders SET more_messages = ? WHERE name = ?`, more, f.name)
}

// MoreMessages reports whether the server held older messages than
// the window at the last pass.
func (f *Folder) MoreMessages(ctx context.Context) (bool, error) {
	var more bool
	err := f.db.db.GetContext(ctx, &more, `SELECT more_messages FROM folders WHERE name = ?`, f.name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return more, errors.Wrap(err, "unable to read folder state")
}

func (f *Folder) SetStatus(ctx context.Context, status string, lastChecked time.Time) error {
	if lastChecked.IsZero() {
		return f.update(ctx, `UPDATE folders SET status = ? WHERE name = ?`, status, f.name)
	}
	return f.update(ctx, `UPDATE folders SET status = ?, last_checked = ? WHERE name = ?`,
		status, lastChecked.Unix(), f.name)
}

// Status returns what SetStatus last recorded.
func (f *Folder) Status(ctx context.Context) (string, time.Time, error) {
	var row struct {
		Status      string `db:"status"`
		LastChecked int64  `db:"last_checked"`
	}
	err := f.db.db.GetContext(ctx, &row, `SELECT status, last_checked FROM folders WHERE name = ?`, f.name)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "unable to read folder status")
	}
	return row.Status, fromUnix(row.LastChecked), nil
}

func (f *Folder) update(ctx context.Context, q string, args ...interface{}) error {
	_, err := f.db.db.ExecContext(ctx, q, args...)
	return errors.Wrapf(err, "unable to update local folder %s", f.name)
}
