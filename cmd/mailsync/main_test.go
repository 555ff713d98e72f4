package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matta/mailsync/internal/bodystore"
	"github.com/matta/mailsync/internal/config"
	"github.com/matta/mailsync/internal/persist"
	"github.com/matta/mailsync/internal/sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func TestVersion(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("mailsync version: %v", err)
	}
	if got, want := out.String(), "mailsync dev\n"; got != want {
		t.Errorf("mailsync version printed %q, want %q", got, want)
	}
}

func TestNewLogger(t *testing.T) {
	var tests = []struct {
		level string
		trace bool
		want  zerolog.Level
	}{
		{"info", false, zerolog.InfoLevel},
		{"warn", false, zerolog.WarnLevel},
		{"info", true, zerolog.TraceLevel},
	}
	for _, tt := range tests {
		log, err := newLogger(tt.level, tt.trace)
		if err != nil || log.GetLevel() != tt.want {
			t.Errorf("newLogger(%q, %v) level = %v, %v, want %v", tt.level, tt.trace, log.GetLevel(), err, tt.want)
		}
	}
	if _, err := newLogger("loud", false); err == nil {
		t.Errorf("newLogger(%q) succeeded, want error", "loud")
	}
}

func TestReadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.eml")
	if err := os.WriteFile(path, []byte("Subject: x\r\n\r\nbody"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := readInput(path, nil)
	if err != nil || string(got) != "Subject: x\r\n\r\nbody" {
		t.Errorf("readInput(file) = %q, %v", got, err)
	}
	got, err = readInput("-", strings.NewReader("from stdin"))
	if err != nil || string(got) != "from stdin" {
		t.Errorf("readInput(-) = %q, %v", got, err)
	}
}

func TestSyncWithoutAccounts(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfg, []byte("database: "+dir+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", cfg, "--log-level", "error", "sync"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "no accounts configured") {
		t.Errorf("mailsync sync with no accounts = %v, want no accounts error", err)
	}
}

type offlineRemote struct{}

func (offlineRemote) Folder(ctx context.Context, name string) (sync.RemoteFolder, error) {
	return nil, errors.New("offline")
}

func TestSyncOnceRefreshesEarliestPollDate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	bodies, err := bodystore.New(filepath.Join(dir, "bodies"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := persist.Open(ctx, filepath.Join(dir, "cache.db"), bodies, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	r := &runtime{
		cfg:        &config.Account{Name: "test", EarliestPollDays: 1},
		db:         db,
		controller: sync.New(sync.Config{Local: db, Remote: offlineRemote{}, Log: zerolog.Nop()}),
		log:        zerolog.Nop(),
	}
	g := &globals{cfg: &config.Config{Concurrency: 1}, log: zerolog.Nop()}
	defer func(f func() time.Time) { timeNow = f }(timeNow)

	for day := 2; day <= 3; day++ {
		timeNow = func() time.Time { return time.Date(2024, 3, day, 15, 0, 0, 0, time.UTC) }
		if failed := g.syncOnce(ctx, []*runtime{r}, nil); failed != 1 {
			t.Errorf("syncOnce() = %d failed, want 1", failed)
		}
		want := time.Date(2024, 3, day-1, 0, 0, 0, 0, time.UTC)
		if got := r.acct.EarliestPollDate; !got.Equal(want) {
			t.Errorf("pass on March %d: earliest poll date = %v, want %v", day, got, want)
		}
	}
}
