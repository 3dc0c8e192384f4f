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

// Package config loads device profiles for suitctl.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-suit/storage"
)

const (
	defaultBlockSize   = 512
	defaultRPMBSectors = 4
	defaultTimeout     = 5 * time.Minute
)

// Config describes the device an update is applied to.
type Config struct {
	Rollback Rollback `yaml:"rollback"`
	Storage  Storage  `yaml:"storage"`
	Fetch    Fetch    `yaml:"fetch"`
	// Verifiers are the note verifier keys accepted for signed manifests.
	Verifiers []string `yaml:"verifiers"`
}

// Rollback configures the emulated RPMB partition holding sequence numbers.
type Rollback struct {
	State   string `yaml:"state"`
	Sectors uint16 `yaml:"sectors"`
	// Secret is the hex encoded device secret the RPMB key is derived from.
	Secret string `yaml:"secret"`
	Serial string `yaml:"serial"`
}

// Storage configures the block device payloads are written to.
type Storage struct {
	Image     string          `yaml:"image"`
	BlockSize uint            `yaml:"block_size"`
	Blocks    uint            `yaml:"blocks"`
	Targets   storage.Targets `yaml:"targets"`
}

// Fetch configures payload downloads.
type Fetch struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and validates a device profile.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(b)
}

// Parse decodes and validates a device profile, filling in defaults.
func Parse(b []byte) (*Config, error) {
	c := &Config{}

	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}

	if c.Storage.BlockSize == 0 {
		c.Storage.BlockSize = defaultBlockSize
	}

	if c.Rollback.Sectors == 0 {
		c.Rollback.Sectors = defaultRPMBSectors
	}

	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = defaultTimeout
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	if c.Storage.Image == "" {
		return errors.New("invalid config: storage.image is required")
	}

	if c.Storage.Blocks == 0 {
		return errors.New("invalid config: storage.blocks is required")
	}

	for id, t := range c.Storage.Targets {
		if t.Blocks == 0 || t.LBA >= c.Storage.Blocks || t.Blocks > c.Storage.Blocks-t.LBA {
			return fmt.Errorf("invalid config: target %q does not fit the device", id)
		}
	}

	if c.Rollback.State != "" {
		if _, err := c.Rollback.SecretBytes(); err != nil {
			return err
		}
	}

	return nil
}

// SecretBytes returns the decoded device secret.
func (r Rollback) SecretBytes() ([]byte, error) {
	b, err := hex.DecodeString(r.Secret)

	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("invalid config: rollback.secret must be non-empty hex")
	}

	return b, nil
}
