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
	"context"
	"fmt"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-suit/internal/config"
	"github.com/transparency-dev/armored-witness-suit/rollback"
	"github.com/transparency-dev/armored-witness-suit/rpmb"
	"github.com/transparency-dev/armored-witness-suit/storage"
	"github.com/transparency-dev/armored-witness-suit/update"
)

// apply writes the update described by manifest to the device configured in
// c, fetching the payload when it is nil.
func apply(ctx context.Context, c *config.Config, manifest []byte, payload []byte) (err error) {
	dev, err := storage.OpenFile(c.Storage.Image, c.Storage.BlockSize, c.Storage.Blocks)
	if err != nil {
		return fmt.Errorf("could not open storage (%v)", err)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var bar *pb.ProgressBar

	u := &update.Updater{
		Fetcher: update.HTTPFetcher{
			Timeout:     c.Fetch.Timeout,
			LogProgress: true,
		},
		Device:  dev,
		Targets: c.Storage.Targets,
		Progress: func(written uint, total uint) {
			if bar == nil {
				bar = pb.StartNew(int(total))
			}
			bar.SetCurrent(int64(written))
		},
	}

	if c.Rollback.State != "" {
		store, err := openRollback(c.Rollback)
		if err != nil {
			return err
		}
		u.Rollback = store
	} else {
		klog.Warning("No rollback state configured")
	}

	r, err := u.Apply(ctx, manifest, payload)

	if bar != nil {
		bar.Finish()
	}

	if err != nil {
		return err
	}

	fmt.Printf("Installed sequence number %d to %q (%d bytes)\n", r.SequenceNumber, r.StorageID, r.Size)

	return nil
}

func openRollback(c config.Rollback) (*rollback.Store, error) {
	secret, err := c.SecretBytes()
	if err != nil {
		return nil, err
	}

	emu, err := rpmb.NewEmulator(c.State, c.Sectors)
	if err != nil {
		return nil, fmt.Errorf("could not open RPMB state (%v)", err)
	}

	return rollback.Open(emu, secret, []byte(c.Serial))
}
