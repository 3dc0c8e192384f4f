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

// Package verify checks firmware payloads against the digests and size
// recorded in a manifest.
package verify

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/transparency-dev/armored-witness-suit/suit"
)

// maxDigestSize is the largest digest produced by a supported algorithm.
const maxDigestSize = sha512.Size

var (
	// ErrNoDigest is returned when the manifest carries no digest algorithm
	// or no raw payload digest.
	ErrNoDigest = errors.New("manifest has no payload digest")
	// ErrMismatch is returned when the payload does not match the manifest.
	ErrMismatch = errors.New("payload mismatch")
)

// Hasher returns a new hash for a manifest digest algorithm.
func Hasher(alg suit.DigestAlgorithm) (hash.Hash, error) {
	switch alg {
	case suit.SHA224:
		return sha256.New224(), nil
	case suit.SHA256:
		return sha256.New(), nil
	case suit.SHA384:
		return sha512.New384(), nil
	case suit.SHA512:
		return sha512.New(), nil
	case suit.SHA3_224:
		return sha3.New224(), nil
	case suit.SHA3_256:
		return sha3.New256(), nil
	case suit.SHA3_384:
		return sha3.New384(), nil
	case suit.SHA3_512:
		return sha3.New512(), nil
	}

	return nil, fmt.Errorf("unsupported digest algorithm %v", alg)
}

// Sum returns the digest of payload under alg.
func Sum(alg suit.DigestAlgorithm, payload []byte) ([]byte, error) {
	h, err := Hasher(alg)

	if err != nil {
		return nil, err
	}

	h.Write(payload)

	return h.Sum(nil), nil
}

// Payload verifies that payload has the size and raw payload digest
// recorded in the manifest payload information.
func Payload(m suit.Manifest, payload []byte) error {
	size, err := m.PayloadSize()

	if err != nil {
		return err
	}

	if uint64(len(payload)) != uint64(size) {
		return fmt.Errorf("%w: size %d, manifest declares %d", ErrMismatch, len(payload), size)
	}

	alg, ok, err := m.DigestAlgorithm()

	switch {
	case err != nil:
		return err
	case !ok:
		return fmt.Errorf("%w: digest algorithm is none", ErrNoDigest)
	}

	want := make([]byte, maxDigestSize)
	n, ok, err := m.Digest(suit.DigestRawPayload, want)

	switch {
	case err != nil:
		return err
	case !ok:
		return fmt.Errorf("%w: no %v digest", ErrNoDigest, suit.DigestRawPayload)
	}

	got, err := Sum(alg, payload)

	if err != nil {
		return err
	}

	if n != len(got) || subtle.ConstantTimeCompare(got, want[:n]) != 1 {
		return fmt.Errorf("%w: %v digest %x, manifest declares %x", ErrMismatch, alg, got, want[:n])
	}

	return nil
}
