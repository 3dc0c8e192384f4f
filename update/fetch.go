// Copyright 2024 The Armored Witness SUIT authors. All Rights Reserved.
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
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"
)

var (
	// ErrUnsupportedScheme is returned for payload URIs which cannot be fetched.
	ErrUnsupportedScheme = errors.New("unsupported URI scheme")
	// ErrTooLarge is returned when a payload exceeds its declared size.
	ErrTooLarge = errors.New("payload larger than declared size")
)

// Fetcher retrieves the payload a manifest points to. Implementations must
// not return, or buffer, more than size bytes.
type Fetcher interface {
	Fetch(ctx context.Context, uri string, size uint32) ([]byte, error)
}

// HTTPFetcher fetches payloads over HTTP(S), or from the local filesystem
// for file URIs.
type HTTPFetcher struct {
	// Timeout bounds a single fetch.
	Timeout time.Duration
	// LogProgress enables periodic download progress logging.
	LogProgress bool
}

// Fetch implements Fetcher.
func (f HTTPFetcher) Fetch(ctx context.Context, uri string, size uint32) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid payload URI %q: %v", uri, err)
	}

	switch u.Scheme {
	case "http", "https":
		return readHTTP(ctx, u, size, f.Timeout, f.LogProgress)
	case "file":
		klog.V(1).Infof("Reading payload from %q", u.Path)
		return readFile(u.Path, size)
	}

	return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
}

func readFile(path string, size uint32) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			klog.Errorf("Close(%q): %v", path, err)
		}
	}()

	return readLimited(f, size)
}

// readLimited reads r to EOF, failing once more than size bytes arrive.
func readLimited(r io.Reader, size uint32) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(size)+1))
	if err != nil {
		return nil, err
	}
	if len(b) > int(size) {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, size)
	}

	return b, nil
}

func readHTTP(ctx context.Context, u *url.URL, size uint32, timeout time.Duration, logProgress bool) ([]byte, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	// Clone DefaultClient and set a timeout.
	dc := *http.DefaultClient
	hc := &dc
	hc.Timeout = timeout
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http.Client.Do(): %v", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			klog.Errorf("resp.Body.Close(): %v", err)
		}
	}()
	switch resp.StatusCode {
	case http.StatusNotFound:
		klog.Infof("Not found: %q", u.String())
		return nil, os.ErrNotExist
	case http.StatusOK:
		break
	default:
		return nil, fmt.Errorf("unexpected http status %q", resp.Status)
	}
	if resp.ContentLength > int64(size) {
		return nil, fmt.Errorf("%w: %q is %d bytes, want at most %d", ErrTooLarge, u.String(), resp.ContentLength, size)
	}

	// the bar is never started, it only counts the bytes read
	bar := pb.New64(resp.ContentLength)
	pr := bar.NewProxyReader(resp.Body)
	if logProgress && resp.ContentLength > 0 {
		done := make(chan struct{})
		defer close(done)
		go func() {
			t := time.NewTicker(1 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-done:
					return
				case <-t.C:
					klog.Infof("Downloading %q: %d%%, %d/%d bytes...", u.String(), bar.Current()*100/resp.ContentLength, bar.Current(), resp.ContentLength)
				}
			}
		}()
	}
	b, err := readLimited(pr, size)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", u.String(), err)
	}
	if logProgress {
		klog.Infof("Downloading %q: finished", u.String())
	}

	return b, nil
}
