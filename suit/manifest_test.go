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

package suit

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/transparency-dev/armored-witness-suit/internal/testonly"
)

func TestValidate(t *testing.T) {
	e := func(v any) []byte { return testonly.Encode(t, v) }
	conds := testonly.DefaultConditions()
	pi := testonly.DefaultPayloadInfo()

	for _, test := range []struct {
		name            string
		buf             []byte
		wantErr         bool
		wantPayloadInfo bool
	}{
		{
			name:            "complete",
			buf:             testonly.DefaultManifest(t),
			wantPayloadInfo: true,
		}, {
			name: "version and sequence number only",
			buf:  e([]any{1, 7}),
		}, {
			name: "no payload info",
			buf:  e([]any{1, 7, conds}),
		}, {
			name:            "trailing fields",
			buf:             e([]any{1, 7, conds, pi, "extension", 42}),
			wantPayloadInfo: true,
		}, {
			name:            "trailing bytes",
			buf:             append(testonly.DefaultManifest(t), 0xff, 0x00),
			wantPayloadInfo: true,
		}, {
			name:            "malformed field after payload info",
			buf:             testonly.Array(5, e(1), e(7), e(conds), e(pi), []byte{0x5a, 0xff, 0xff, 0xff, 0xff}),
			wantPayloadInfo: true,
		}, {
			name:    "empty buffer",
			buf:     []byte{},
			wantErr: true,
		}, {
			name:    "nil buffer",
			wantErr: true,
		}, {
			name:    "not a container",
			buf:     e(1),
			wantErr: true,
		}, {
			name:    "map",
			buf:     e(map[int]int{0: 1, 1: 7}),
			wantErr: true,
		}, {
			name:    "empty array",
			buf:     e([]any{}),
			wantErr: true,
		}, {
			name:    "one field",
			buf:     e([]any{1}),
			wantErr: true,
		}, {
			name:    "declared fields exceed buffer",
			buf:     testonly.Array(4, e(1)),
			wantErr: true,
		}, {
			name:    "indefinite length",
			buf:     []byte{0x9f, 0x01, 0x07, 0xff},
			wantErr: true,
		}, {
			name:    "payload info too short",
			buf:     e([]any{1, 7, conds, pi[:4]}),
			wantErr: true,
		}, {
			name:    "payload info too long",
			buf:     e([]any{1, 7, conds, append(pi, 0)}),
			wantErr: true,
		}, {
			name:    "payload info not an array",
			buf:     e([]any{1, 7, conds, []byte{1, 2, 3, 4, 5}}),
			wantErr: true,
		}, {
			name:    "payload info null",
			buf:     e([]any{1, 7, conds, nil}),
			wantErr: true,
		}, {
			name:    "unskippable conditions",
			buf:     testonly.Array(4, e(1), e(7), []byte{0x5b, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}),
			wantErr: true,
		}, {
			name:    "tagged field before payload info",
			buf:     testonly.Array(4, e(1), []byte{0xc1, 0x07}, e(conds), e(pi)),
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			m, err := Validate(test.buf)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				if !errors.Is(err, ErrInvalidManifest) {
					t.Fatalf("Got %v, want %v", err, ErrInvalidManifest)
				}
				return
			}
			got, err := m.HasPayloadInfo()
			if err != nil {
				t.Fatalf("HasPayloadInfo: %v", err)
			}
			if got != test.wantPayloadInfo {
				t.Fatalf("Got payload info %t, want %t", got, test.wantPayloadInfo)
			}
		})
	}
}

func TestVersionAndSequenceNumber(t *testing.T) {
	m, err := Validate(testonly.DefaultManifest(t))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v, err := m.Version(); err != nil || v != 1 {
		t.Fatalf("Version: got %d, %v, want 1", v, err)
	}
	if s, err := m.SequenceNumber(); err != nil || s != 7 {
		t.Fatalf("SequenceNumber: got %d, %v, want 7", s, err)
	}

	m, err = Validate(testonly.Encode(t, []any{"one", -7}))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := m.Version(); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("Version: got %v, want %v", err, ErrInvalidManifest)
	}
	if _, err := m.SequenceNumber(); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("SequenceNumber: got %v, want %v", err, ErrInvalidManifest)
	}
}

func TestHasConditions(t *testing.T) {
	for _, test := range []struct {
		name string
		in   []any
		want bool
	}{
		{name: "absent", in: []any{1, 7}},
		{name: "empty", in: []any{1, 7, []any{}}, want: true},
		{name: "with payload info", in: []any{1, 7, testonly.DefaultConditions(), testonly.DefaultPayloadInfo()}, want: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			m, err := Validate(testonly.Encode(t, test.in))
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			got, err := m.HasConditions()
			if err != nil {
				t.Fatalf("HasConditions: %v", err)
			}
			if got != test.want {
				t.Fatalf("Got %t, want %t", got, test.want)
			}
		})
	}
}

// exercise calls every accessor on m and checks that only the documented
// errors are returned.
func exercise(t *testing.T, m Manifest) {
	t.Helper()

	buf := make([]byte, 8)
	check := func(name string, err error) {
		t.Helper()
		if err != nil && !errors.Is(err, ErrInvalidManifest) && !errors.Is(err, ErrCondition) {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}

	_, err := m.Version()
	check("Version", err)
	_, err = m.SequenceNumber()
	check("SequenceNumber", err)
	_, err = m.HasPayloadInfo()
	check("HasPayloadInfo", err)
	n, err := m.NumConditions()
	check("NumConditions", err)
	for i := 0; i <= n && i < 4; i++ {
		_, _, err = m.ConditionType(i)
		check("ConditionType", err)
		_, err = m.ConditionParameter(i, buf)
		check("ConditionParameter", err)
	}
	_, _, err = m.DigestAlgorithm()
	check("DigestAlgorithm", err)
	_, _, err = m.Digest(DigestRawPayload, buf)
	check("Digest", err)
	_, err = m.PayloadSize()
	check("PayloadSize", err)
	_, err = m.StorageID(buf)
	check("StorageID", err)
	_, err = m.URI(buf)
	check("URI", err)
}

func TestTruncatedManifests(t *testing.T) {
	full := testonly.DefaultManifest(t)
	for l := 0; l < len(full); l++ {
		// Copy to catch any read past the truncated slice with -race or
		// the bounds checker.
		buf := append([]byte(nil), full[:l]...)
		m, err := Validate(buf)
		if err != nil {
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("Validate(%d bytes): got %v, want %v", l, err, ErrInvalidManifest)
			}
			continue
		}
		exercise(t, m)
	}
}

func TestRandomMutations(t *testing.T) {
	full := testonly.DefaultManifest(t)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		buf := append([]byte(nil), full...)
		for j := 0; j < 1+r.Intn(4); j++ {
			buf[r.Intn(len(buf))] = byte(r.Intn(256))
		}
		m, err := Validate(buf)
		if err != nil {
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("Validate(%x): got %v, want %v", buf, err, ErrInvalidManifest)
			}
			continue
		}
		exercise(t, m)
	}
}

func FuzzValidate(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x82, 0x01, 0x07})
	f.Add([]byte{0x9f, 0xff})
	f.Add(testonly.DefaultManifest(f))
	f.Fuzz(func(t *testing.T, buf []byte) {
		m, err := Validate(buf)
		if err != nil {
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("Got %v, want %v", err, ErrInvalidManifest)
			}
			return
		}
		exercise(t, m)
	})
}
