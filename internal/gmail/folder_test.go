package gmail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"testing"

	"github.com/matta/mailsync/internal/message"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// testFolder returns a folder backed by a server that answers message
// gets, failing those for the ids in broken.
func testFolder(t *testing.T, broken map[string]bool) *Folder {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := path.Base(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if broken[id] {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"code":500,"message":"backend error"}}`))
			return
		}
		json.NewEncoder(w).Encode(&gmail.Message{Id: id, LabelIds: []string{"INBOX", "UNREAD"}})
	}))
	t.Cleanup(srv.Close)

	svc, err := gmail.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	s := &Service{service: svc, limiter: rate.NewLimiter(rate.Inf, 1), cfg: Config{Log: zerolog.Nop()}}
	return &Folder{svc: s, name: "INBOX", log: zerolog.Nop()}
}

func TestFetchSkipsFailedMessages(t *testing.T) {
	f := testFolder(t, map[string]bool{"2": true})
	msgs := []*message.Message{{UID: "1"}, {UID: "2"}, {UID: "3"}}

	var got []string
	err := f.Fetch(context.Background(), msgs, message.NewFetchProfile(message.FetchFlags),
		func(m *message.Message, _, _ int) { got = append(got, m.UID) })
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"1", "3"}, got); diff != "" {
		t.Errorf("fetched mismatch (-want +got):\n%s", diff)
	}
	if msgs[0].Flags.Has(message.Seen) {
		t.Errorf("flags of 1 = %v, want unseen", msgs[0].Flags)
	}
}

func TestFetchCancelled(t *testing.T) {
	f := testFolder(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.Fetch(ctx, []*message.Message{{UID: "1"}}, message.NewFetchProfile(message.FetchFlags), nil)
	require.ErrorIs(t, err, context.Canceled)
}
