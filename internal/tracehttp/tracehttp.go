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


// Package tracehttp logs HTTP traffic for debugging.
package tracehttp

import (
	"net/http"
	"net/http/httputil"
	"regexp"

	"github.com/rs/zerolog"
)

var authorization = regexp.MustCompile(`(?im)^(Authorization|X-Goog-Api-Key):[^\r\n]*`)

// traceTransport is an http.RoundTripper that logs the request and
// response while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      zerolog.Logger
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.  Bodies are not dumped.
func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if dump, err := httputil.DumpRequestOut(req, false); err == nil {
		t.log.Trace().Str("request", redact(dump)).Msg("http")
	}
	resp, err := t.delegate.RoundTrip(req)
	if err != nil {
		t.log.Trace().Err(err).Str("url", req.URL.String()).Msg("http")
		return nil, err
	}
	if dump, err := httputil.DumpResponse(resp, false); err == nil {
		t.log.Trace().Str("response", redact(dump)).Msg("http")
	}
	return resp, nil
}

func redact(dump []byte) string {
	return authorization.ReplaceAllString(string(dump), "$1: [redacted]")
}

// Wrap returns a RoundTripper logging to log at trace level.
func Wrap(d http.RoundTripper, log zerolog.Logger) http.RoundTripper {
	return &traceTransport{delegate: d, log: log}
}
