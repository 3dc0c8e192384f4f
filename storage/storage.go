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

// Package storage writes firmware payloads to block devices.
//
// Note that these are very low-level primitives, and care must be taken when
// using them not to overwrite existing data.
package storage

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// batchSize is the largest number of blocks handed to a device in a single
// write.
const batchSize = 2048

// ErrUnknownTarget is returned for storage identifiers with no target.
var ErrUnknownTarget = errors.New("unknown storage identifier")

// BlockDevice is the interface to block storage.
type BlockDevice interface {
	// BlockSize returns the block size of the underlying storage system.
	BlockSize() uint
	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks
	// starting at the given block address.
	ReadBlocks(lba uint, b []byte) error
	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks
	// starting at the given block address, returning the number of blocks
	// written.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// Progress is called after each batch of blocks is written.
type Progress func(written uint, total uint)

// Flash writes a buffer to storage starting at lba.
//
// Since this function is writing whole blocks, it will pad the passed in buf
// with zeros to ensure full blocks are written.
func Flash(dev BlockDevice, buf []byte, lba uint, progress Progress) (err error) {
	blockSize := int(dev.BlockSize())

	if blockSize == 0 {
		return errors.New("invalid block size 0")
	}

	if rem := len(buf) % blockSize; rem > 0 {
		buf = append(buf[:len(buf):len(buf)], make([]byte, blockSize-rem)...)
	}

	blocks := uint(len(buf) / blockSize)
	batch := uint(batchSize)

	// write in batch to limit transfer sizes
	for i := uint(0); i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		start := int(i) * blockSize
		end := start + blockSize*int(batch)

		n, err := dev.WriteBlocks(lba+i, buf[start:end])

		if err != nil {
			return err
		}

		if n != batch {
			return fmt.Errorf("short write at block %d (%d/%d blocks)", lba+i, n, batch)
		}

		klog.V(2).Infof("flashed %d/%d blocks", i+batch, blocks)

		if progress != nil {
			progress(i+batch, blocks)
		}
	}

	return
}

// Read reads size bytes from storage starting at lba.
func Read(dev BlockDevice, lba uint, size int) ([]byte, error) {
	blockSize := int(dev.BlockSize())

	if blockSize == 0 {
		return nil, errors.New("invalid block size 0")
	}

	blocks := (size + blockSize - 1) / blockSize
	buf := make([]byte, blocks*blockSize)

	if err := dev.ReadBlocks(lba, buf); err != nil {
		return nil, err
	}

	return buf[:size], nil
}

// Target is a region of a block device which a payload can be written to.
type Target struct {
	// LBA is the first block of the region.
	LBA uint `yaml:"lba"`
	// Blocks is the size of the region in blocks.
	Blocks uint `yaml:"blocks"`
}

// Targets maps storage identifiers to regions.
type Targets map[string]Target

// Lookup returns the target for a storage identifier.
func (t Targets) Lookup(id []byte) (Target, error) {
	target, ok := t[string(id)]

	if !ok {
		return Target{}, fmt.Errorf("%w %q", ErrUnknownTarget, id)
	}

	return target, nil
}

// Write flashes payload to the target region of a storage identifier.
func (t Targets) Write(dev BlockDevice, id []byte, payload []byte, progress Progress) error {
	target, err := t.Lookup(id)

	if err != nil {
		return err
	}

	bs := uint64(dev.BlockSize())

	if bs == 0 {
		return errors.New("invalid block size 0")
	}

	if need := (uint64(len(payload)) + bs - 1) / bs; need > uint64(target.Blocks) {
		return fmt.Errorf("payload of %d blocks exceeds target %q of %d blocks", need, id, target.Blocks)
	}

	klog.Infof("flashing %q (%d bytes) @ 0x%x", id, len(payload), target.LBA)

	return Flash(dev, payload, target.LBA, progress)
}
