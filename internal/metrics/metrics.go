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


// Package metrics exports synchronization activity to Prometheus.
package metrics

import (
	"net/http"
	gosync "sync"
	"time"

	"github.com/matta/mailsync/internal/account"
	"github.com/matta/mailsync/internal/message"
	"github.com/matta/mailsync/internal/sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Listener counts pass outcomes and message changes.  Register it with
// a sync.Controller.
type Listener struct {
	sync.BaseListener

	passes      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	messages    *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	pending     *prometheus.CounterVec

	now     func() time.Time
	mu      gosync.Mutex
	started map[key]time.Time
}

type key struct {
	account, folder string
}

var _ sync.Listener = (*Listener)(nil)

// NewListener registers the listener's metrics with reg.
func NewListener(reg prometheus.Registerer) *Listener {
	f := promauto.With(reg)
	return &Listener{
		passes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_folder_sync_total",
				Help: "Folder synchronization passes by result.",
			},
			[]string{
				"account",
				"result", // started, finished, failed
			},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailsync_folder_sync_duration_seconds",
				Help:    "Duration of completed folder synchronization passes in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"account"},
		),
		messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_messages_total",
				Help: "Messages changed locally by synchronization.",
			},
			[]string{
				"account",
				"change", // new, removed, updated
			},
		),
		lastSuccess: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailsync_folder_last_success_timestamp_seconds",
				Help: "Time of the last successful pass of each folder.",
			},
			[]string{"account", "folder"},
		),
		pending: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_pending_commands_total",
				Help: "Queued offline commands sent to the server.",
			},
			[]string{"account", "command"},
		),
		now:     time.Now,
		started: make(map[key]time.Time),
	}
}

func (l *Listener) SynchronizeMailboxStarted(acct *account.Account, folder string) {
	l.passes.WithLabelValues(acct.Name, "started").Inc()
	l.mu.Lock()
	l.started[key{acct.Name, folder}] = l.now()
	l.mu.Unlock()
}

func (l *Listener) SynchronizeMailboxNewMessage(acct *account.Account, folder string, msg *message.Message) {
	l.messages.WithLabelValues(acct.Name, "new").Inc()
}

func (l *Listener) SynchronizeMailboxRemovedMessage(acct *account.Account, folder string, msg *message.Message) {
	l.messages.WithLabelValues(acct.Name, "removed").Inc()
}

func (l *Listener) SynchronizeMailboxMessageUpdated(acct *account.Account, folder string, msg *message.Message) {
	l.messages.WithLabelValues(acct.Name, "updated").Inc()
}

func (l *Listener) SynchronizeMailboxFinished(acct *account.Account, folder string, total, newMessages int) {
	l.passes.WithLabelValues(acct.Name, "finished").Inc()
	now := l.now()
	if start, ok := l.take(acct.Name, folder); ok {
		l.duration.WithLabelValues(acct.Name).Observe(now.Sub(start).Seconds())
	}
	l.lastSuccess.WithLabelValues(acct.Name, folder).Set(float64(now.Unix()))
}

func (l *Listener) SynchronizeMailboxFailed(acct *account.Account, folder string, reason string) {
	l.passes.WithLabelValues(acct.Name, "failed").Inc()
	l.take(acct.Name, folder)
}

func (l *Listener) PendingCommandCompleted(acct *account.Account, command string) {
	l.pending.WithLabelValues(acct.Name, command).Inc()
}

func (l *Listener) take(acct, folder string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{acct, folder}
	t, ok := l.started[k]
	delete(l.started, k)
	return t, ok
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
