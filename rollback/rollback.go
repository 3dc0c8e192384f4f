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

// Package rollback keeps the sequence number of the last installed manifest
// in an RPMB partition, so that older manifests can be refused.
package rollback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-suit/rpmb"
)

const (
	// RPMB sector for CVE-2020-13799 mitigation
	dummySector = 0
	// RPMB sector for manifest rollback protection
	sequenceSector = 1
	// sequence number length
	sequenceLength = 8

	diversifierMAC = "ArmoredWitnessSUITMAC"
	iter           = 4096
)

// ErrRollback is returned when a sequence number is older than the stored
// one.
var ErrRollback = errors.New("sequence number rollback")

// Store verifies and records manifest sequence numbers.
type Store struct {
	partition *rpmb.RPMB
}

// DeriveKey returns the RPMB MAC key for a device secret and serial number.
func DeriveKey(secret []byte, serial []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(diversifierMAC))

	return pbkdf2.Key(mac.Sum(nil), serial, iter, sha256.Size, sha256.New)
}

// Open sets up the RPMB partition reached through card, programming the
// authentication key if this has never been done.
func Open(card rpmb.Card, secret []byte, serial []byte) (s *Store, err error) {
	if len(secret) == 0 {
		return nil, errors.New("missing device secret")
	}

	p, err := rpmb.Init(card, DeriveKey(secret, serial), dummySector, false)

	if err != nil {
		return nil, fmt.Errorf("could not initialize RPMB (%v)", err)
	}

	_, err = p.Counter(false)

	switch {
	case rpmb.IsNotProgrammed(err):
		klog.Info("RPMB authentication key not yet programmed, programming")

		if err = p.ProgramKey(); err != nil {
			return nil, fmt.Errorf("could not program RPMB key (%v)", err)
		}
	case err != nil:
		return nil, fmt.Errorf("could not read RPMB counter (%v)", err)
	}

	// invalidate uncommitted writes (CVE-2020-13799)
	if err = p.Write(dummySector, nil); err != nil {
		return nil, fmt.Errorf("could not write RPMB dummy sector (%v)", err)
	}

	return &Store{partition: p}, nil
}

// Expected returns the sequence number stored in the RPMB partition, zero
// if none was ever committed.
func (s *Store) Expected() (seq uint64, err error) {
	buf := make([]byte, sequenceLength)

	if err = s.partition.Read(sequenceSector, buf); err != nil {
		return
	}

	return binary.BigEndian.Uint64(buf), nil
}

// Check verifies a sequence number against the stored one, an older
// sequence number returns ErrRollback.
func (s *Store) Check(seq uint64) error {
	expected, err := s.Expected()

	if err != nil {
		return err
	}

	if seq < expected {
		return fmt.Errorf("%w: %d < %d", ErrRollback, seq, expected)
	}

	return nil
}

// Commit records a sequence number in the RPMB partition.
//
// If the passed sequence number is older than the stored one ErrRollback is
// returned, if it is equal nothing is written.
func (s *Store) Commit(seq uint64) (err error) {
	expected, err := s.Expected()

	if err != nil {
		return
	}

	switch {
	case expected > seq:
		return fmt.Errorf("%w: %d < %d", ErrRollback, seq, expected)
	case expected == seq:
		return
	}

	klog.V(1).Infof("committing sequence number %d (was %d)", seq, expected)

	buf := make([]byte, sequenceLength)
	binary.BigEndian.PutUint64(buf, seq)

	return s.partition.Write(sequenceSector, buf)
}
