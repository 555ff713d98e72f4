package gmailhttp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommandTokenSource(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &commandTokenSource{
		ctx:     context.Background(),
		command: []string{"/bin/sh", "-c", `printf 'token-for-%s\n' "$0"`},
		user:    "alice@example.com",
		scopes:  []string{"a", "b"},
		now:     func() time.Time { return now },
	}
	tok, err := src.Token()
	require.NoError(t, err)
	require.Equal(t, "token-for-alice@example.com", tok.AccessToken)
	require.Equal(t, now.Add(tokenLifetime), tok.Expiry)
}

func TestCommandTokenSourceFailures(t *testing.T) {
	src := &commandTokenSource{
		ctx:     context.Background(),
		command: []string{"/bin/sh", "-c", "exit 3"},
		now:     time.Now,
	}
	_, err := src.Token()
	require.Error(t, err)

	src.command = []string{"/bin/sh", "-c", "true"}
	_, err = src.Token()
	require.Error(t, err)

	_, err = TokenSource(context.Background(), nil, "alice")
	require.Error(t, err)
}
