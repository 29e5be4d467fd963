// Copyright The Amtriage Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Truncate truncates a string to fit the given size in runes. Truncated
// strings end with an ellipsis.
func Truncate(s string, n int) (string, bool) {
	r := []rune(s)
	if len(r) <= n {
		return s, false
	}
	if n <= 3 {
		return string(r[:n]), true
	}
	return string(r[:n-3]) + "...", true
}

// PostJSON sends a POST request with a JSON body to the given URL.
func PostJSON(ctx context.Context, client *http.Client, url string, body *bytes.Buffer) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// Drain consumes and closes the response's body to make sure the HTTP
// connection can be reused.
func Drain(r *http.Response) {
	io.Copy(io.Discard, r.Body)
	r.Body.Close()
}

// RedactURL strips userinfo from a URL string for logging. Unparseable
// strings are replaced entirely.
func RedactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return "<redacted>"
	}
	u.User = nil
	return u.Redacted()
}

// DeliverJSON posts the payload under the given timeout and classifies the
// response. Transport errors count as transient; the HTTP destinations share
// this delivery path.
func DeliverJSON(ctx context.Context, client *http.Client, target string, timeout time.Duration, payload []byte) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := PostJSON(ctx, client, target, bytes.NewBuffer(payload))
	if err != nil {
		return OutcomeTransient, fmt.Errorf("posting to %s: %w", RedactURL(target), err)
	}
	defer Drain(resp)

	var retrier Retrier
	return retrier.Check(resp.StatusCode, resp.Body)
}

// Retrier maps HTTP response codes to delivery outcomes: 2xx is success,
// 429 and 5xx are transient, everything else is permanent. A body excerpt
// is carried on the error for operator visibility.
type Retrier struct{}

// Check classifies the response of one delivery attempt.
func (r *Retrier) Check(statusCode int, body io.Reader) (Outcome, error) {
	if statusCode/100 == 2 {
		return OutcomeOK, nil
	}

	outcome := OutcomePermanent
	if statusCode == http.StatusTooManyRequests || statusCode/100 == 5 {
		outcome = OutcomeTransient
	}

	err := fmt.Errorf("unexpected status code %d", statusCode)
	if body != nil {
		if excerpt, e := readBodyExcerpt(body); e == nil && excerpt != "" {
			err = fmt.Errorf("unexpected status code %d: %s", statusCode, excerpt)
		}
	}
	return outcome, err
}

func readBodyExcerpt(body io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil {
		return "", err
	}
	s, _ := Truncate(string(b), 256)
	return s, nil
}
