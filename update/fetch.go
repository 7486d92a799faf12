// Copyright 2024 The Genesis OTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/machinebox/progress"
	"k8s.io/klog/v2"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("request timed out")
	ErrInvalidResponse  = errors.New("invalid response")
)

// StatusError reports an unexpected HTTP status from the update server.
type StatusError struct {
	Code int
}

func (e StatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d", e.Code)
}

// Fetcher retrieves the resource at a path relative to the update server
// base URL. The transport (TLS, DNS, proxies) is the caller's concern.
type Fetcher func(ctx context.Context, path string) ([]byte, error)

// NewHTTPFetcher returns a Fetcher reading over HTTP(S) from the given
// base URL. If hc is nil a clone of http.DefaultClient with the given
// timeout is used. With logProgress set, download progress is logged once
// per second.
func NewHTTPFetcher(base *url.URL, hc *http.Client, timeout time.Duration, logProgress bool) Fetcher {
	return func(ctx context.Context, p string) ([]byte, error) {
		u, err := base.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %v: %w", p, err, ErrInvalidResponse)
		}
		return readHTTP(ctx, u, hc, timeout, logProgress)
	}
}

func readHTTP(ctx context.Context, u *url.URL, hc *http.Client, timeout time.Duration, logProgress bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrConnectionFailed)
	}
	if hc == nil {
		// Clone DefaultClient and set a timeout.
		dc := *http.DefaultClient
		hc = &dc
		hc.Timeout = timeout
	}
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("GET %q: %w", u.String(), ErrTimeout)
		}
		return nil, fmt.Errorf("GET %q: %v: %w", u.String(), err, ErrConnectionFailed)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			klog.Errorf("resp.Body.Close(): %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %q: %w", u.String(), StatusError{Code: resp.StatusCode})
	}

	pr := progress.NewReader(resp.Body)
	if logProgress && resp.ContentLength > 0 {
		go func() {
			progressChan := progress.NewTicker(ctx, pr, resp.ContentLength, 1*time.Second)
			for p := range progressChan {
				klog.Infof("Downloading %q: %d%%, %v remaining...", u.String(), int(p.Percent()), p.Remaining().Round(time.Second))
			}
		}()
	}
	b, err := io.ReadAll(pr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("GET %q: %w", u.String(), ErrTimeout)
		}
		return nil, fmt.Errorf("GET %q: body: %v: %w", u.String(), err, ErrInvalidResponse)
	}
	if logProgress {
		klog.Infof("Downloading %q: finished", u.String())
	}

	return b, nil
}
