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
	"math"

	"github.com/transparency-dev/armored-witness-suit/internal/cursor"
)

// uriFields is the length of the URI candidate entry: [priority, uri].
const uriFields = 2

// DigestAlgorithm identifies the hash function used for payload digests.
type DigestAlgorithm int64

// SUIT digest algorithms.
const (
	SHA224   DigestAlgorithm = 1
	SHA256   DigestAlgorithm = 2
	SHA384   DigestAlgorithm = 3
	SHA512   DigestAlgorithm = 4
	SHA3_224 DigestAlgorithm = 5
	SHA3_256 DigestAlgorithm = 6
	SHA3_384 DigestAlgorithm = 7
	SHA3_512 DigestAlgorithm = 8
)

func (a DigestAlgorithm) String() string {
	switch a {
	case SHA224:
		return "sha224"
	case SHA256:
		return "sha256"
	case SHA384:
		return "sha384"
	case SHA512:
		return "sha512"
	case SHA3_224:
		return "sha3-224"
	case SHA3_256:
		return "sha3-256"
	case SHA3_384:
		return "sha3-384"
	case SHA3_512:
		return "sha3-512"
	}
	return fmt.Sprintf("algorithm(%d)", int64(a))
}

func (a DigestAlgorithm) valid() bool {
	return a >= SHA224 && a <= SHA3_512
}

// DigestType identifies what a payload digest has been computed over.
type DigestType int64

// SUIT digest types.
const (
	DigestRawPayload DigestType = 1
	DigestInstalled  DigestType = 2
	DigestCiphertext DigestType = 3
	DigestPreImage   DigestType = 4
)

func (t DigestType) String() string {
	switch t {
	case DigestRawPayload:
		return "raw-payload"
	case DigestInstalled:
		return "installed"
	case DigestCiphertext:
		return "ciphertext"
	case DigestPreImage:
		return "pre-image"
	}
	return fmt.Sprintf("digest-type(%d)", int64(t))
}

// DigestAlgorithm returns the algorithm used for the payload digests, ok is
// false when the manifest declares no algorithm.
func (m Manifest) DigestAlgorithm() (alg DigestAlgorithm, ok bool, err error) {
	c, err := m.payloadField(payloadDigestAlgorithm)

	if err != nil {
		return
	}

	if c.IsNull() {
		return 0, false, nil
	}

	id, n, err := enter(c, cursor.Array, "digest algorithm")

	if err != nil {
		return
	}

	if n != 1 {
		return 0, false, invalidf("digest algorithm has %d fields, want 1", n)
	}

	v, err := id.Int()

	if err != nil {
		return 0, false, invalidf("digest algorithm: %v", err)
	}

	if alg = DigestAlgorithm(v); !alg.valid() {
		return 0, false, invalidf("unknown digest algorithm %d", v)
	}

	return alg, true, nil
}

// Digest looks up the digest of type t, copies it into dst and returns its
// length. Entries are searched in encoded order and the first match wins.
//
// ok is false, with a nil error, when the digest map holds no entry of type t.
func (m Manifest) Digest(t DigestType, dst []byte) (n int, ok bool, err error) {
	c, err := m.payloadField(payloadDigests)

	if err != nil {
		return
	}

	entries, pairs, err := enter(c, cursor.Map, "digests")

	if err != nil {
		return
	}

	for i := 0; i < pairs; i++ {
		key, err := entries.Int()

		if err != nil {
			return 0, false, invalidf("digest %d type: %v", i, err)
		}

		if err = entries.Next(); err != nil {
			return 0, false, invalidf("digest %d type: %v", i, err)
		}

		if DigestType(key) == t {
			n, err = copyOut(entries, cursor.Bytes, dst, fmt.Sprintf("%v digest", t))

			if err != nil {
				return 0, false, err
			}

			return n, true, nil
		}

		if err = entries.Next(); err != nil {
			return 0, false, invalidf("digest %d value: %v", i, err)
		}
	}

	return 0, false, nil
}

// PayloadSize returns the size of the payload in bytes.
func (m Manifest) PayloadSize() (uint32, error) {
	c, err := m.payloadField(payloadSize)

	if err != nil {
		return 0, err
	}

	v, err := c.Uint()

	if err != nil {
		return 0, invalidf("payload size: %v", err)
	}

	if v > math.MaxUint32 {
		return 0, invalidf("payload size %d out of range", v)
	}

	return uint32(v), nil
}

// StorageID copies the storage identifier into dst and returns its length.
func (m Manifest) StorageID(dst []byte) (int, error) {
	c, err := m.payloadField(payloadStorageID)

	if err != nil {
		return 0, err
	}

	return copyOut(c, cursor.Bytes, dst, "storage identifier")
}

// URI copies the payload fetch location into dst and returns its length.
//
// A single URI candidate is supported, its priority is not interpreted.
func (m Manifest) URI(dst []byte) (int, error) {
	c, err := m.payloadField(payloadURI)

	if err != nil {
		return 0, err
	}

	u, n, err := enter(c, cursor.Array, "uri")

	if err != nil {
		return 0, err
	}

	if n != uriFields {
		return 0, invalidf("uri has %d fields, want %d", n, uriFields)
	}

	if err = advance(&u, 1); err != nil {
		return 0, fmt.Errorf("uri: %w", err)
	}

	return copyOut(u, cursor.Text, dst, "uri")
}
