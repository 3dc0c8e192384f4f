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

package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// FileDevice is a block device backed by a regular file, such as a disk
// image.
type FileDevice struct {
	f         *os.File
	blockSize uint
	blocks    uint
}

// OpenFile opens, creating it if needed, a file backed device of the given
// geometry.
func OpenFile(path string, blockSize uint, blocks uint) (*FileDevice, error) {
	if blockSize == 0 || blocks == 0 {
		return nil, errors.New("invalid device geometry")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)

	if err != nil {
		return nil, err
	}

	return &FileDevice{
		f:         f,
		blockSize: blockSize,
		blocks:    blocks,
	}, nil
}

// Close syncs and closes the underlying file.
func (d *FileDevice) Close() error {
	if err := d.f.Sync(); err != nil {
		_ = d.f.Close()
		return err
	}

	return d.f.Close()
}

// BlockSize returns the block size of the device.
func (d *FileDevice) BlockSize() uint {
	return d.blockSize
}

func (d *FileDevice) check(lba uint, b []byte) error {
	if len(b)%int(d.blockSize) != 0 {
		return fmt.Errorf("transfer of %d bytes is not a multiple of the block size %d", len(b), d.blockSize)
	}

	if n := uint(len(b)) / d.blockSize; lba >= d.blocks || n > d.blocks-lba {
		return fmt.Errorf("transfer of %d blocks at %d exceeds device blocks (%d)", n, lba, d.blocks)
	}

	return nil
}

// ReadBlocks reads len(b) bytes into b from contiguous blocks starting at
// the given block address, blocks never written read as zeros.
func (d *FileDevice) ReadBlocks(lba uint, b []byte) error {
	if err := d.check(lba, b); err != nil {
		return err
	}

	n, err := d.f.ReadAt(b, int64(lba)*int64(d.blockSize))

	if errors.Is(err, io.EOF) {
		clear(b[n:])
		return nil
	}

	return err
}

// WriteBlocks writes len(b) bytes from b to contiguous blocks starting at the
// given block address.
func (d *FileDevice) WriteBlocks(lba uint, b []byte) (uint, error) {
	if err := d.check(lba, b); err != nil {
		return 0, err
	}

	n, err := d.f.WriteAt(b, int64(lba)*int64(d.blockSize))

	return uint(n) / d.blockSize, err
}
