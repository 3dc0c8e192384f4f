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

package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/transparency-dev/armored-witness-suit/suit"
)

var digestTypes = []suit.DigestType{
	suit.DigestRawPayload,
	suit.DigestInstalled,
	suit.DigestCiphertext,
	suit.DigestPreImage,
}

// describe returns the manifest fields in textual format.
func describe(m suit.Manifest) (string, error) {
	var s bytes.Buffer

	version, err := m.Version()
	if err != nil {
		return "", err
	}
	seq, err := m.SequenceNumber()
	if err != nil {
		return "", err
	}

	s.WriteString("------------------------------------------------------------- Manifest ----\n")
	s.WriteString(fmt.Sprintf("Version ................: %d\n", version))
	s.WriteString(fmt.Sprintf("Sequence number ........: %d\n", seq))

	n := 0
	if ok, err := m.HasConditions(); err != nil {
		return "", err
	} else if ok {
		if n, err = m.NumConditions(); err != nil {
			return "", err
		}
	}
	for i := 0; i < n; i++ {
		typ, l, err := m.ConditionType(i)
		if err != nil {
			return "", err
		}
		p := make([]byte, l)
		if _, err := m.ConditionParameter(i, p); err != nil {
			return "", err
		}
		s.WriteString(fmt.Sprintf("Condition %-14s: %s\n", typ, parameter(typ, p)))
	}

	ok, err := m.HasPayloadInfo()
	if err != nil {
		return "", err
	}
	if !ok {
		s.WriteString("Payload ................: none")
		return s.String(), nil
	}

	alg, ok, err := m.DigestAlgorithm()
	if err != nil {
		return "", err
	}
	if ok {
		s.WriteString(fmt.Sprintf("Digest algorithm .......: %v\n", alg))
	} else {
		s.WriteString("Digest algorithm .......: none\n")
	}

	buf := make([]byte, 64)
	for _, t := range digestTypes {
		d, err := read(func(dst []byte) (int, error) {
			n, found, err := m.Digest(t, dst)
			if err == nil && !found {
				return 0, errMissing
			}
			return n, err
		}, buf)
		switch {
		case errors.Is(err, errMissing):
			continue
		case err != nil:
			return "", err
		}
		s.WriteString(fmt.Sprintf("Digest %-17s: %s\n", t, formatDigest(alg, ok, d)))
	}

	size, err := m.PayloadSize()
	if err != nil {
		return "", err
	}
	s.WriteString(fmt.Sprintf("Size ...................: %d\n", size))

	id, err := read(m.StorageID, buf)
	if err != nil {
		return "", err
	}
	s.WriteString(fmt.Sprintf("Storage identifier .....: %q\n", id))

	uri, err := read(m.URI, make([]byte, 256))
	if err != nil {
		return "", err
	}
	s.WriteString(fmt.Sprintf("URI ....................: %s", uri))

	return s.String(), nil
}

var errMissing = errors.New("missing")

// read copies a variable length field into buf, growing it when too small.
func read(f func([]byte) (int, error), buf []byte) ([]byte, error) {
	n, err := f(buf)

	var ce *suit.CapacityError
	if errors.As(err, &ce) {
		buf = make([]byte, ce.Need)
		n, err = f(buf)
	}

	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}

// parameter formats a condition parameter, identifiers which are UUIDs are
// shown as such.
func parameter(typ suit.ConditionType, p []byte) string {
	switch typ {
	case suit.ConditionVendorID, suit.ConditionClassID, suit.ConditionDeviceID:
		if id, err := uuid.FromBytes(p); err == nil {
			return id.String()
		}
	}

	return hex.EncodeToString(p)
}

func formatDigest(alg suit.DigestAlgorithm, ok bool, d []byte) string {
	if !ok {
		return hex.EncodeToString(d)
	}

	return digest.NewDigestFromEncoded(digest.Algorithm(alg.String()), hex.EncodeToString(d)).String()
}
