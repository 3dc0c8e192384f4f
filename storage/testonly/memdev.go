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

// Package testonly provides support for storage tests.
package testonly

import (
	"fmt"
	"testing"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// MemDev is a simple in-memory block device.
type MemDev struct {
	Storage [][MemBlockSize]byte

	// OnBlockWritten is called just after a mem block has been written.
	OnBlockWritten func(lba uint)
}

// BlockSize returns the block size of the underlying storage system.
func (md MemDev) BlockSize() uint {
	return MemBlockSize
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
func (md MemDev) ReadBlocks(lba uint, b []byte) error {
	if err := md.check(lba, b); err != nil {
		return err
	}
	for i := uint(0); i < uint(len(b))/MemBlockSize; i++ {
		copy(b[i*MemBlockSize:], md.Storage[lba+i][:])
	}
	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address.
//
// Returns the number of blocks written, or an error.
func (md MemDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	if err := md.check(lba, b); err != nil {
		return 0, err
	}
	bl := uint(len(b)) / MemBlockSize
	for i := uint(0); i < bl; i++ {
		copy(md.Storage[lba+i][:], b[i*MemBlockSize:])
		if md.OnBlockWritten != nil {
			md.OnBlockWritten(lba + i)
		}
	}
	return bl, nil
}

func (md MemDev) check(lba uint, b []byte) error {
	if len(b)%MemBlockSize != 0 {
		return fmt.Errorf("len(b) (%d) is not a multiple of the block size", len(b))
	}
	if l := uint(len(md.Storage)); lba+uint(len(b))/MemBlockSize > l {
		return fmt.Errorf("lba (%d) + %d blocks > device blocks (%d)", lba, len(b)/MemBlockSize, l)
	}
	return nil
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t testing.TB, numBlocks uint) *MemDev {
	t.Helper()
	return &MemDev{Storage: make([][MemBlockSize]byte, numBlocks)}
}
