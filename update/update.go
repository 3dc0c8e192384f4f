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

// Package update applies manifest described firmware updates to a device.
package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-suit/storage"
	"github.com/transparency-dev/armored-witness-suit/suit"
	"github.com/transparency-dev/armored-witness-suit/verify"
)

// initialCapacity is the first buffer size tried for variable length
// manifest fields.
const initialCapacity = 64

var (
	// ErrNoPayload is returned for manifests without payload information.
	ErrNoPayload = errors.New("manifest has no payload information")

	errNotFound = errors.New("not found")
)

// RollbackStore records the sequence number of the last applied manifest.
type RollbackStore interface {
	Check(seq uint64) error
	Commit(seq uint64) error
}

// ConditionFunc evaluates the conditions of a manifest, returning an error
// if the update does not apply to this device.
type ConditionFunc func(m suit.Manifest) error

// Updater applies updates.
type Updater struct {
	// Fetcher retrieves payloads not supplied with the manifest.
	Fetcher Fetcher
	// Rollback refuses manifests older than the last applied one.
	Rollback RollbackStore
	// Device receives payloads.
	Device storage.BlockDevice
	// Targets maps manifest storage identifiers to device regions.
	Targets storage.Targets
	// Conditions, when set, is consulted before anything is fetched or
	// written.
	Conditions ConditionFunc
	// Progress, when set, is called as payload blocks are written.
	Progress storage.Progress
}

// Result describes an applied update.
type Result struct {
	SequenceNumber uint64
	StorageID      string
	Size           uint32
}

// Apply validates manifest, verifies payload against it and writes the
// payload to the storage target the manifest names. When payload is nil it
// is fetched from the manifest URI.
//
// The sequence number is committed only once the payload has been written
// and read back.
func (u *Updater) Apply(ctx context.Context, manifest []byte, payload []byte) (r Result, err error) {
	m, err := suit.Validate(manifest)
	if err != nil {
		return
	}

	if r.SequenceNumber, err = m.SequenceNumber(); err != nil {
		return
	}

	if u.Conditions != nil {
		if err = u.Conditions(m); err != nil {
			return r, fmt.Errorf("conditions not met: %w", err)
		}
	} else {
		klog.Warning("No condition evaluator set, manifest conditions are not checked")
	}

	if u.Rollback != nil {
		if err = u.Rollback.Check(r.SequenceNumber); err != nil {
			return
		}
	} else {
		klog.Warning("No rollback store set, sequence number is not checked")
	}

	ok, err := m.HasPayloadInfo()
	switch {
	case err != nil:
		return
	case !ok:
		return r, ErrNoPayload
	}

	id, err := readField(m.StorageID)
	if err != nil {
		return
	}
	r.StorageID = string(id)

	if payload == nil {
		if payload, err = u.fetch(ctx, m); err != nil {
			return
		}
	}

	if err = verify.Payload(m, payload); err != nil {
		return
	}
	r.Size = uint32(len(payload))

	if err = u.Targets.Write(u.Device, id, payload, u.Progress); err != nil {
		return r, fmt.Errorf("flashing %q: %w", id, err)
	}

	if err = u.checkInstalled(m, id, payload); err != nil {
		return
	}

	if u.Rollback != nil {
		if err = u.Rollback.Commit(r.SequenceNumber); err != nil {
			return
		}
	}

	klog.Infof("Applied manifest %d to %q (%d bytes)", r.SequenceNumber, r.StorageID, r.Size)

	return
}

func (u *Updater) fetch(ctx context.Context, m suit.Manifest) ([]byte, error) {
	if u.Fetcher == nil {
		return nil, errors.New("no payload supplied and no fetcher set")
	}

	uri, err := readField(m.URI)
	if err != nil {
		return nil, err
	}

	size, err := m.PayloadSize()
	if err != nil {
		return nil, err
	}

	klog.Infof("Fetching %d byte payload from %q", size, uri)

	return u.Fetcher.Fetch(ctx, string(uri), size)
}

// checkInstalled reads back the written payload and, when the manifest
// carries an installed digest, compares against it.
func (u *Updater) checkInstalled(m suit.Manifest, id []byte, payload []byte) error {
	target, err := u.Targets.Lookup(id)
	if err != nil {
		return err
	}

	installed, err := storage.Read(u.Device, target.LBA, len(payload))
	if err != nil {
		return fmt.Errorf("reading back payload: %v", err)
	}

	if !bytes.Equal(installed, payload) {
		return fmt.Errorf("%w: read back payload differs", verify.ErrMismatch)
	}

	alg, ok, err := m.DigestAlgorithm()
	if err != nil || !ok {
		return err
	}

	want, err := readField(func(dst []byte) (int, error) {
		n, found, err := m.Digest(suit.DigestInstalled, dst)
		if err == nil && !found {
			return 0, errNotFound
		}
		return n, err
	})
	switch {
	case errors.Is(err, errNotFound):
		klog.V(1).Info("No installed digest, skipping check")
		return nil
	case err != nil:
		return err
	}

	got, err := verify.Sum(alg, installed)
	if err != nil {
		return err
	}

	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: installed %v digest %x, manifest declares %x", verify.ErrMismatch, alg, got, want)
	}

	return nil
}

// readField copies a variable length manifest field, retrying once with a
// buffer of the size reported by a CapacityError.
func readField(read func(dst []byte) (int, error)) ([]byte, error) {
	buf := make([]byte, initialCapacity)
	n, err := read(buf)

	var ce *suit.CapacityError
	if errors.As(err, &ce) {
		buf = make([]byte, ce.Need)
		n, err = read(buf)
	}

	if err != nil {
		return nil, err
	}

	return buf[:n], nil
}
