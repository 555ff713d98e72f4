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


// Package config loads mailsync settings from a YAML file and the
// environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/homedir"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment variables that override settings,
// e.g. MAILSYNC_LOG_LEVEL.
const EnvPrefix = "MAILSYNC"

// Config is the top-level configuration.
type Config struct {
	// Database is the directory holding one SQLite file of folder
	// and message state per account.
	Database string `mapstructure:"database"`

	// BodyDir holds raw message content, one directory per account.
	BodyDir string `mapstructure:"body_dir"`

	LogLevel string `mapstructure:"log_level"`

	// Concurrency bounds how many folders are synchronized at once.
	Concurrency int `mapstructure:"concurrency"`

	// MetricsAddr, when set, is where /metrics is served.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Accounts []Account `mapstructure:"accounts"`
}

// Account is one mail account.
type Account struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`

	IMAP  IMAP  `mapstructure:"imap"`
	Gmail Gmail `mapstructure:"gmail"`

	ExpungePolicy       string `mapstructure:"expunge_policy"`
	SyncRemoteDeletions bool   `mapstructure:"sync_remote_deletions"`

	// EarliestPollDays limits synchronization to messages from the
	// last N days.  Zero means no limit.
	EarliestPollDays    int   `mapstructure:"earliest_poll_days"`
	MaxAutoDownloadSize int64 `mapstructure:"max_auto_download_size"`
	DisplayCount        int   `mapstructure:"display_count"`

	Folders     Folders  `mapstructure:"folders"`
	SyncFolders []string `mapstructure:"sync_folders"`
}

type IMAP struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Security string `mapstructure:"security"`
	Username string `mapstructure:"username"`

	// Password is used as is.  Prefer KeyringService.
	Password string `mapstructure:"password"`

	// TokenCommand, when set, authenticates with OAuth 2.0 tokens
	// printed by this program.
	TokenCommand []string `mapstructure:"token_command"`

	// KeyringService names the keyring holding the password.
	KeyringService string `mapstructure:"keyring_service"`

	CommandsPerSecond float64 `mapstructure:"commands_per_second"`
	MaxBodySize       int64   `mapstructure:"max_body_size"`
}

type Gmail struct {
	Enabled      bool     `mapstructure:"enabled"`
	APIKey       string   `mapstructure:"api_key"`
	TokenCommand []string `mapstructure:"token_command"`
}

type Folders struct {
	Trash  string `mapstructure:"trash"`
	Sent   string `mapstructure:"sent"`
	Drafts string `mapstructure:"drafts"`
	Outbox string `mapstructure:"outbox"`
}

// DefaultPath returns ~/.config/mailsync/config.yaml.
func DefaultPath() string {
	return filepath.Join(homedir.Get(), ".config", "mailsync", "config.yaml")
}

// New returns a viper instance with defaults and environment
// overrides set up.  Callers may bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("database", "~/.local/share/mailsync/db")
	v.SetDefault("body_dir", "~/.local/share/mailsync/bodies")
	v.SetDefault("log_level", "info")
	v.SetDefault("concurrency", 4)
	v.SetDefault("metrics_addr", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the file at path into a Config.  A missing file yields
// the defaults and no accounts.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !os.IsNotExist(errors.Cause(err)) && !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.Database = homedir.Expand(cfg.Database)
	cfg.BodyDir = homedir.Expand(cfg.BodyDir)
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.Name == "" {
			return errors.Errorf("account %d has no name", i+1)
		}
		if seen[a.Name] {
			return errors.Errorf("account %q is defined twice", a.Name)
		}
		seen[a.Name] = true
		if !a.Gmail.Enabled && a.IMAP.Host == "" {
			return errors.Errorf("account %q has no imap host", a.Name)
		}
		if _, err := account.ParseExpungePolicy(a.ExpungePolicy); err != nil {
			return errors.Wrapf(err, "account %q", a.Name)
		}
		switch a.IMAP.Security {
		case "", "tls", "starttls", "none":
		default:
			return errors.Errorf("account %q: unknown imap security %q", a.Name, a.IMAP.Security)
		}
	}
	return nil
}

// DatabasePath returns the state file of the named account.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.Database, name+".db")
}

// BodyPath returns the content directory of the named account.
func (c *Config) BodyPath(name string) string {
	return filepath.Join(c.BodyDir, name)
}

// Account returns the account named name.
func (c *Config) Account(name string) (*Account, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, errors.Errorf("no account named %q", name)
}

// Engine returns the settings the synchronization engine reads.  The
// earliest poll date is midnight, local time, EarliestPollDays before
// now.
func (a *Account) Engine(now time.Time) (*account.Account, error) {
	policy, err := account.ParseExpungePolicy(a.ExpungePolicy)
	if err != nil {
		return nil, err
	}
	out := &account.Account{
		Name:                a.Name,
		Email:               a.Email,
		Expunge:             policy,
		SyncRemoteDeletions: a.SyncRemoteDeletions,
		MaxAutoDownloadSize: a.MaxAutoDownloadSize,
		DisplayCount:        a.DisplayCount,
		TrashFolder:         a.Folders.Trash,
		SentFolder:          a.Folders.Sent,
		DraftsFolder:        a.Folders.Drafts,
		OutboxFolder:        a.Folders.Outbox,
	}
	if a.EarliestPollDays > 0 {
		y, m, d := now.AddDate(0, 0, -a.EarliestPollDays).Date()
		out.EarliestPollDate = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	}
	return out, nil
}

// FolderNames returns the folders to synchronize: SyncFolders, or INBOX
// when none are listed.
func (a *Account) FolderNames() []string {
	if len(a.SyncFolders) == 0 {
		return []string{"INBOX"}
	}
	return a.SyncFolders
}
