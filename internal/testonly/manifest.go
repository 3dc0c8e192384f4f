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

// Package testonly provides manifest fixtures for tests.
package testonly

import (
	"crypto/sha256"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("testonly: CBOR encoder initialization failed: " + err.Error())
	}
}

var (
	// RawDigest is the raw payload digest carried by DefaultPayloadInfo.
	RawDigest = []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
		0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f, 0x20,
	}
	// InstalledDigest is the installed digest carried by DefaultPayloadInfo.
	InstalledDigest = []byte{
		0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7, 0xa8, 0xa9, 0xaa, 0xab, 0xac, 0xad, 0xae, 0xaf, 0xb0,
		0xb1, 0xb2, 0xb3, 0xb4, 0xb5, 0xb6, 0xb7, 0xb8, 0xb9, 0xba, 0xbb, 0xbc, 0xbd, 0xbe, 0xbf, 0xc0,
	}
)

const (
	// StorageID is the storage identifier carried by DefaultPayloadInfo.
	StorageID = "slot-a"
	// URI is the fetch location carried by DefaultPayloadInfo.
	URI = "coap://[2001:db8::1]/fw/slot-a.bin"
	// PayloadSize is the payload size carried by DefaultPayloadInfo.
	PayloadSize = 1024
)

// Condition returns a condition entry.
func Condition(typ int64, param []byte) []any {
	return []any{typ, param}
}

// DefaultConditions returns the conditions [(1, "AA"), (2, "BB")].
func DefaultConditions() []any {
	return []any{
		Condition(1, []byte("AA")),
		Condition(2, []byte("BB")),
	}
}

// DefaultPayloadInfo returns a well-formed payload info section using
// sha256 with raw payload and installed digests.
func DefaultPayloadInfo() []any {
	return []any{
		[]any{2},
		map[int64][]byte{
			1: RawDigest,
			2: InstalledDigest,
		},
		uint64(PayloadSize),
		[]byte(StorageID),
		[]any{0, URI},
	}
}

// DefaultManifest returns the encoding of a manifest carrying all fields.
func DefaultManifest(t testing.TB) []byte {
	t.Helper()
	return Encode(t, []any{1, 7, DefaultConditions(), DefaultPayloadInfo()})
}

// PayloadManifest returns the encoding of a manifest with sequence number seq
// describing payload with a sha256 raw payload digest, to be stored at
// StorageID and fetched from uri.
func PayloadManifest(t testing.TB, seq uint64, payload []byte, uri string) []byte {
	t.Helper()
	sum := sha256.Sum256(payload)
	pi := []any{
		[]any{2},
		map[int64][]byte{1: sum[:]},
		uint64(len(payload)),
		[]byte(StorageID),
		[]any{0, uri},
	}
	return Encode(t, []any{1, seq, DefaultConditions(), pi})
}

// Encode returns the deterministic CBOR encoding of v.
func Encode(t testing.TB, v any) []byte {
	t.Helper()
	b, err := encMode.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to encode %v: %v", v, err)
	}
	return b
}

// Header returns the header of a definite length container of major type
// major (4 for arrays, 5 for maps) holding n elements, n must be < 24.
func Header(major byte, n int) []byte {
	return []byte{major<<5 | byte(n)}
}

// Array returns an array header declaring n elements followed by the already
// encoded items, which allows building malformed or truncated containers.
func Array(n int, items ...[]byte) []byte {
	b := Header(4, n)
	for _, i := range items {
		b = append(b, i...)
	}
	return b
}

// Map returns a map header declaring n pairs followed by the already encoded
// keys and values, which allows building maps with duplicate keys.
func Map(n int, items ...[]byte) cbor.RawMessage {
	b := Header(5, n)
	for _, i := range items {
		b = append(b, i...)
	}
	return b
}
