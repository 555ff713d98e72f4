/*
Package gmailhttp builds authenticated HTTP clients for the Gmail API,
and token sources for IMAP servers that accept OAuth 2.0 bearer
tokens.

OAuth 2.0 tokens are acquired by running an external program named in
the account configuration.  The program is run with the user name and
the space separated scopes as arguments and must print an access token
on standard output.  This is the contract of the oauth2l "sso" helper,
see https://github.com/google/oauth2l/blob/master/util/sso.go.

The program does not report when the token expires, so tokens are
assumed to expire after a few minutes and re-fetched then.  Servers may
still reject a token early; the next pass will run the command again.
*/
package gmailhttp

import (
	"bytes"
	"context"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/matta/mailsync/internal/tracehttp"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi/transport"
)

// tokenLifetime is how long a fetched token is trusted.
const tokenLifetime = 5 * time.Minute

// commandTokenSource runs an external program to retrieve an OAuth 2.0
// bearer token for a given user and set of scopes.
type commandTokenSource struct {
	ctx     context.Context
	command []string
	user    string
	scopes  []string
	now     func() time.Time
}

// Token returns a new token by executing the configured program.
// Satisfies oauth2.TokenSource.
func (s *commandTokenSource) Token() (*oauth2.Token, error) {
	args := append(append([]string(nil), s.command[1:]...), s.user, strings.Join(s.scopes, " "))
	cmd := exec.CommandContext(s.ctx, s.command[0], args...)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "token command %s failed: %s", s.command[0], strings.TrimSpace(stderr.String()))
	}

	accessToken := strings.TrimSpace(out.String())
	if accessToken == "" {
		return nil, errors.Errorf("token command %s printed no token", s.command[0])
	}
	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      s.now().Add(tokenLifetime),
	}, nil
}

// TokenSource returns a caching token source that runs command, a
// program followed by leading arguments.
func TokenSource(ctx context.Context, command []string, user string, scopes ...string) (oauth2.TokenSource, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("no token command configured")
	}
	src := &commandTokenSource{
		ctx:     ctx,
		command: command,
		user:    user,
		scopes:  scopes,
		now:     time.Now,
	}
	return oauth2.ReuseTokenSource(nil, src), nil
}

// Config describes how to reach the Gmail API.
type Config struct {
	// TokenCommand is the program, with leading arguments, that
	// prints access tokens.
	TokenCommand []string

	// User is the account the token is requested for.
	User string

	// APIKey is sent with every request when set.  Some Google
	// Workspace domains require one.
	APIKey string

	// Trace logs every request and response.
	Trace bool

	Log zerolog.Logger
}

// New returns a new HTTP client capable of using the Gmail API.
func New(ctx context.Context, cfg Config, scopes ...string) (*http.Client, error) {
	src, err := TokenSource(ctx, cfg.TokenCommand, cfg.User, scopes...)
	if err != nil {
		return nil, err
	}

	var base http.RoundTripper = http.DefaultTransport
	if cfg.Trace {
		base = tracehttp.Wrap(base, cfg.Log)
	}
	if cfg.APIKey != "" {
		base = &transport.APIKey{Key: cfg.APIKey, Transport: base}
	}

	trans := &oauth2.Transport{
		Source: src,
		Base:   base,
	}
	return &http.Client{Transport: trans}, nil
}
