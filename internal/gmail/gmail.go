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


// Package gmail is a remote store over the Gmail REST API.  Labels
// play the part of folders.  The API has no UID validity and no
// mod-sequences, so folders from this store are always synchronized
// with the generic strategy.
package gmail

import (
	"context"
	"net/http"

	"github.com/matta/mailsync/internal/sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ModifyScope = gmail.GmailModifyScope

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet       = 5
	quotaUnitsAttachmentsGet    = 5
	quotaUnitsPerMessagesList   = 5
	quotaUnitsPerLabelsList     = 1
	quotaUnitsPerLabelsCreate   = 5
	quotaUnitsPerBatchModify    = 50
	quotaUnitsPerMessagesInsert = 25

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// Config holds what a Service needs besides the HTTP client.
type Config struct {
	// MaxBodySize bounds truncated body fetches.  Zero or less
	// keeps whole bodies.
	MaxBodySize int64

	Log zerolog.Logger
}

// Service provides access to messages stored in Google's Gmail
// system.
type Service struct {
	service *gmail.Service
	limiter *rate.Limiter
	cfg     Config
}

var _ sync.RemoteStore = (*Service)(nil)

func New(ctx context.Context, client *http.Client, cfg Config) (*Service, error) {
	s, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create gmail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l, cfg: cfg}, nil
}

// Folder returns the label named name.  The label need not exist yet.
func (s *Service) Folder(ctx context.Context, name string) (sync.RemoteFolder, error) {
	f := &Folder{
		svc:  s,
		name: name,
		log:  s.cfg.Log.With().Str("folder", name).Logger(),
	}
	id, err := s.labelID(ctx, name)
	if err != nil {
		return nil, err
	}
	f.labelID = id
	return f, nil
}

// labelID returns the id of the label named name, or "" if there is
// none.  System labels are matched case-insensitively, as Gmail
// treats "Inbox" and "INBOX" alike.
func (s *Service) labelID(ctx context.Context, name string) (string, error) {
	var resp *gmail.ListLabelsResponse
	err := s.call(ctx, quotaUnitsPerLabelsList, func() (err error) {
		resp, err = s.service.Users.Labels.List("me").Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "unable to list gmail labels")
	}
	return findLabel(resp.Labels, name), nil
}

func (s *Service) createLabel(ctx context.Context, name string) (string, error) {
	var label *gmail.Label
	err := s.call(ctx, quotaUnitsPerLabelsCreate, func() (err error) {
		label, err = s.service.Users.Labels.Create("me", &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return label.Id, nil
}

// call runs fn after waiting for quota, retrying while the server
// reports that the rate limit was exceeded.
func (s *Service) call(ctx context.Context, units int, fn func() error) error {
	for {
		if err := s.limiter.WaitN(ctx, units); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}

		if cause, ok := errors.Cause(err).(*googleapi.Error); ok {
			if cause.Code == http.StatusTooManyRequests {
				s.cfg.Log.Debug().Int("code", cause.Code).Msg("rate limited, retrying")
				continue
			}
			if cause.Code == http.StatusNotFound {
				for _, item := range cause.Errors {
					if item.Reason == "notFound" {
						return ErrMessageNotFound
					}
				}
			}
		}
		return err
	}
}
