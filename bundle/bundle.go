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

// Package bundle unpacks the envelopes manifests are distributed in.
//
// An offline bundle is a big-endian 32-bit manifest length followed by the
// manifest and the payload. A signed manifest is a note, as used by
// transparency logs, whose text is the base64 encoded manifest.
package bundle

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/sumdb/note"
)

const lengthSize = 4

// ErrBundle is returned for bundles which cannot be unpacked.
var ErrBundle = errors.New("invalid bundle")

// Extract splits an offline bundle into its manifest and payload, both
// returned slices alias buf.
func Extract(buf []byte) (manifest []byte, payload []byte, err error) {
	if len(buf) < lengthSize {
		return nil, nil, fmt.Errorf("%w: length %d", ErrBundle, len(buf))
	}

	length := binary.BigEndian.Uint32(buf[0:lengthSize])
	rest := buf[lengthSize:]

	if length == 0 || uint64(length) > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("%w: manifest length %d exceeds %d bytes", ErrBundle, length, len(rest))
	}

	manifest = rest[:length]
	payload = rest[length:]

	return
}

// Verifiers parses note verifier keys.
func Verifiers(keys ...string) (note.Verifiers, error) {
	var vs []note.Verifier

	for _, k := range keys {
		v, err := note.NewVerifier(strings.TrimSpace(k))

		if err != nil {
			return nil, fmt.Errorf("invalid verifier key: %v", err)
		}

		vs = append(vs, v)
	}

	if len(vs) == 0 {
		return nil, errors.New("no verifier keys")
	}

	return note.VerifierList(vs...), nil
}

// Open verifies a signed manifest and returns the manifest it carries.
func Open(signed []byte, verifiers note.Verifiers) ([]byte, error) {
	n, err := note.Open(signed, verifiers)

	if err != nil {
		return nil, fmt.Errorf("failed to open manifest note: %v", err)
	}

	manifest, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(n.Text, "\n"))

	if err != nil {
		return nil, fmt.Errorf("%w: note text is not base64: %v", ErrBundle, err)
	}

	return manifest, nil
}
