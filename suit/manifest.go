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
	"fmt"

	"github.com/transparency-dev/armored-witness-suit/internal/cursor"
)

// Top-level manifest fields.
const (
	fieldVersion = iota
	fieldSequenceNumber
	fieldConditions
	fieldPayloadInfo

	// minFields is the number of fields a manifest must carry to be
	// well-formed, conditions and payload info may be absent.
	minFields = fieldSequenceNumber + 1
)

// Payload info fields.
const (
	payloadDigestAlgorithm = iota
	payloadDigests
	payloadSize
	payloadStorageID
	payloadURI

	payloadInfoFields
)

// Manifest is a validated view over a caller owned buffer holding a SUIT
// manifest. The buffer is neither copied nor modified and must not be
// modified while a Manifest method is in flight.
type Manifest struct {
	buf []byte
}

// Validate checks that buf holds a well-formed manifest and returns a view
// over it.
//
// The manifest must be an array with at least the version and sequence number
// fields. A manifest too short to carry payload info is accepted, if payload
// info is present it must have exactly the expected number of fields.
func Validate(buf []byte) (Manifest, error) {
	top, n, err := enter(cursor.New(buf), cursor.Array, "manifest")

	if err != nil {
		return Manifest{}, err
	}

	if n < minFields {
		return Manifest{}, invalidf("manifest has %d fields, want at least %d", n, minFields)
	}

	if n <= fieldPayloadInfo {
		return Manifest{buf: buf}, nil
	}

	if err = advance(&top, fieldPayloadInfo); err != nil {
		return Manifest{}, fmt.Errorf("payload info: %w", err)
	}

	_, fields, err := enter(top, cursor.Array, "payload info")

	if err != nil {
		return Manifest{}, err
	}

	if fields != payloadInfoFields {
		return Manifest{}, invalidf("payload info has %d fields, want %d", fields, payloadInfoFields)
	}

	return Manifest{buf: buf}, nil
}

// Version returns the manifest format version.
func (m Manifest) Version() (uint64, error) {
	return m.uint(fieldVersion, "version")
}

// SequenceNumber returns the manifest sequence number used for anti-rollback
// decisions.
func (m Manifest) SequenceNumber() (uint64, error) {
	return m.uint(fieldSequenceNumber, "sequence number")
}

// HasConditions reports whether the manifest carries a conditions list,
// possibly empty.
func (m Manifest) HasConditions() (bool, error) {
	n, err := m.fields()
	return n > fieldConditions, err
}

// HasPayloadInfo reports whether the manifest carries a payload info section.
func (m Manifest) HasPayloadInfo() (bool, error) {
	n, err := m.fields()
	return n > fieldPayloadInfo, err
}

// fields returns the number of top-level fields.
func (m Manifest) fields() (int, error) {
	_, n, err := enter(cursor.New(m.buf), cursor.Array, "manifest")
	return n, err
}

func (m Manifest) uint(i int, name string) (uint64, error) {
	c, err := m.field(i)

	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	v, err := c.Uint()

	if err != nil {
		return 0, invalidf("%s: %v", name, err)
	}

	return v, nil
}
