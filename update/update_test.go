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
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-witness-suit/internal/testonly"
	"github.com/transparency-dev/armored-witness-suit/rollback"
	"github.com/transparency-dev/armored-witness-suit/rpmb"
	"github.com/transparency-dev/armored-witness-suit/storage"
	storagetest "github.com/transparency-dev/armored-witness-suit/storage/testonly"
	"github.com/transparency-dev/armored-witness-suit/suit"
	"github.com/transparency-dev/armored-witness-suit/verify"
)

const targetLBA = 4

var payload = bytes.Repeat([]byte("firmware image "), 100)

type env struct {
	updater  *Updater
	dev      *storagetest.MemDev
	rollback *rollback.Store
	written  int
}

func newEnv(t *testing.T) *env {
	t.Helper()

	emu, err := rpmb.NewEmulator("", 4)
	if err != nil {
		t.Fatalf("NewEmulator: %v", err)
	}
	rb, err := rollback.Open(emu, []byte("secret"), []byte("serial"))
	if err != nil {
		t.Fatalf("rollback.Open: %v", err)
	}

	e := &env{
		dev:      storagetest.NewMemDev(t, 16),
		rollback: rb,
	}
	e.dev.OnBlockWritten = func(uint) { e.written++ }
	e.updater = &Updater{
		Fetcher:  HTTPFetcher{},
		Rollback: rb,
		Device:   e.dev,
		Targets: storage.Targets{
			testonly.StorageID: {LBA: targetLBA, Blocks: 8},
		},
		Conditions: func(suit.Manifest) error { return nil },
	}
	return e
}

func (e *env) installed(t *testing.T) []byte {
	t.Helper()
	b, err := storage.Read(e.dev, targetLBA, len(payload))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return b
}

func (e *env) expected(t *testing.T) uint64 {
	t.Helper()
	seq, err := e.rollback.Expected()
	if err != nil {
		t.Fatalf("Expected: %v", err)
	}
	return seq
}

func TestApply(t *testing.T) {
	e := newEnv(t)

	r, err := e.updater.Apply(context.Background(), testonly.PayloadManifest(t, 3, payload, testonly.URI), payload)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := Result{SequenceNumber: 3, StorageID: testonly.StorageID, Size: uint32(len(payload))}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	if !bytes.Equal(e.installed(t), payload) {
		t.Fatal("Payload not installed")
	}
	if got := e.expected(t); got != 3 {
		t.Fatalf("Got committed sequence number %d, want 3", got)
	}
}

func TestApplyFetch(t *testing.T) {
	path := "/firmware/" + strings.Repeat("long-path-segment/", 8) + "slot-a.bin"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case path:
			_, _ = w.Write(payload)
		case "/grown":
			_, _ = w.Write(append(bytes.Clone(payload), "trailer"...))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := newEnv(t)
	e.updater.Fetcher = HTTPFetcher{LogProgress: true}

	if _, err := e.updater.Apply(context.Background(), testonly.PayloadManifest(t, 1, payload, srv.URL+path), nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(e.installed(t), payload) {
		t.Fatal("Payload not installed")
	}

	_, err := e.updater.Apply(context.Background(), testonly.PayloadManifest(t, 2, payload, srv.URL+"/missing"), nil)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Got %v, want %v", err, os.ErrNotExist)
	}
	if got := e.expected(t); got != 1 {
		t.Fatalf("Got committed sequence number %d, want 1", got)
	}

	_, err = e.updater.Apply(context.Background(), testonly.PayloadManifest(t, 3, payload, srv.URL+"/grown"), nil)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Got %v, want %v", err, ErrTooLarge)
	}
	if got := e.expected(t); got != 1 {
		t.Fatalf("Got committed sequence number %d, want 1", got)
	}
}

func TestApplyRejects(t *testing.T) {
	errVendor := errors.New("wrong vendor")
	enc := func(v any) []byte { return testonly.Encode(t, v) }
	other := bytes.Repeat([]byte("other firmware "), 100)

	for _, test := range []struct {
		name       string
		manifest   []byte
		payload    []byte
		conditions ConditionFunc
		targets    storage.Targets
		want       error
	}{
		{
			name:     "invalid manifest",
			manifest: []byte{0x81, 0x01},
			payload:  payload,
			want:     suit.ErrInvalidManifest,
		}, {
			name:       "conditions",
			manifest:   testonly.PayloadManifest(t, 9, payload, testonly.URI),
			payload:    payload,
			conditions: func(suit.Manifest) error { return errVendor },
			want:       errVendor,
		}, {
			name:     "rollback",
			manifest: testonly.PayloadManifest(t, 4, payload, testonly.URI),
			payload:  payload,
			want:     rollback.ErrRollback,
		}, {
			name:     "no payload info",
			manifest: enc([]any{1, 9, testonly.DefaultConditions()}),
			payload:  payload,
			want:     ErrNoPayload,
		}, {
			name:     "digest mismatch",
			manifest: testonly.PayloadManifest(t, 9, payload, testonly.URI),
			payload:  other,
			want:     verify.ErrMismatch,
		}, {
			name:     "unknown storage identifier",
			manifest: testonly.PayloadManifest(t, 9, payload, testonly.URI),
			payload:  payload,
			targets:  storage.Targets{"slot-b": {LBA: 0, Blocks: 8}},
			want:     storage.ErrUnknownTarget,
		}, {
			name:     "unsupported scheme",
			manifest: testonly.PayloadManifest(t, 9, payload, testonly.URI),
			want:     ErrUnsupportedScheme,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := newEnv(t)
			if err := e.rollback.Commit(5); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			if test.conditions != nil {
				e.updater.Conditions = test.conditions
			}
			if test.targets != nil {
				e.updater.Targets = test.targets
			}

			_, err := e.updater.Apply(context.Background(), test.manifest, test.payload)
			if !errors.Is(err, test.want) {
				t.Fatalf("Got %v, want %v", err, test.want)
			}
			if e.written != 0 {
				t.Fatalf("%d blocks written for a rejected update", e.written)
			}
			if got := e.expected(t); got != 5 {
				t.Fatalf("Got committed sequence number %d, want 5", got)
			}
		})
	}
}

func TestApplyInstalledDigest(t *testing.T) {
	enc := func(v any) []byte { return testonly.Encode(t, v) }
	raw, err := verify.Sum(suit.SHA256, payload)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	manifest := func(installed []byte) []byte {
		return enc([]any{1, 2, []any{}, []any{
			[]any{2},
			map[int64][]byte{1: raw, 2: installed},
			uint64(len(payload)),
			[]byte(testonly.StorageID),
			[]any{0, testonly.URI},
		}})
	}

	e := newEnv(t)
	if _, err := e.updater.Apply(context.Background(), manifest(raw), payload); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	e = newEnv(t)
	if _, err := e.updater.Apply(context.Background(), manifest(testonly.InstalledDigest), payload); !errors.Is(err, verify.ErrMismatch) {
		t.Fatalf("Got %v, want %v", err, verify.ErrMismatch)
	}
	if got := e.expected(t); got != 0 {
		t.Fatalf("Got committed sequence number %d, want 0", got)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("payload"))
		case "/chunked":
			// Flushing before the body is complete drops Content-Length.
			_, _ = w.Write([]byte("pay"))
			w.(http.Flusher).Flush()
			_, _ = w.Write([]byte("load"))
		case "/error":
			http.Error(w, "broken", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(file, []byte("local payload"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	for _, test := range []struct {
		name    string
		uri     string
		size    uint32
		want    string
		wantErr error
	}{
		{name: "ok", uri: srv.URL + "/ok", size: 7, want: "payload"},
		{name: "ok, room to spare", uri: srv.URL + "/ok", size: 1024, want: "payload"},
		{name: "too large", uri: srv.URL + "/ok", size: 6, wantErr: ErrTooLarge},
		{name: "chunked", uri: srv.URL + "/chunked", size: 7, want: "payload"},
		{name: "chunked, too large", uri: srv.URL + "/chunked", size: 6, wantErr: ErrTooLarge},
		{name: "file", uri: "file://" + file, size: 13, want: "local payload"},
		{name: "file, too large", uri: "file://" + file, size: 12, wantErr: ErrTooLarge},
		{name: "not found", uri: srv.URL + "/missing", size: 7, wantErr: os.ErrNotExist},
		{name: "server error", uri: srv.URL + "/error", size: 7, wantErr: errAny},
		{name: "coap", uri: testonly.URI, size: 7, wantErr: ErrUnsupportedScheme},
		{name: "invalid", uri: "http://[::1", size: 7, wantErr: errAny},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := HTTPFetcher{}.Fetch(context.Background(), test.uri, test.size)
			switch {
			case test.wantErr == errAny && err == nil:
				t.Fatal("Fetch succeeded, want error")
			case test.wantErr != nil && test.wantErr != errAny && !errors.Is(err, test.wantErr):
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			case test.wantErr == nil && err != nil:
				t.Fatalf("Fetch: %v", err)
			}
			if string(got) != test.want {
				t.Fatalf("Got %q, want %q", got, test.want)
			}
		})
	}
}

var errAny = errors.New("any error")
