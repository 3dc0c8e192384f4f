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
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-suit/internal/config"
	"github.com/transparency-dev/armored-witness-suit/internal/testonly"
	"github.com/transparency-dev/armored-witness-suit/storage"
	"github.com/transparency-dev/armored-witness-suit/suit"
)

func TestDescribe(t *testing.T) {
	vendor := uuid.MustParse("fa6b4a53-d5ad-5fdf-be9d-e663e4d41ffe")
	vb, err := vendor.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	enc := testonly.Encode(t, []any{1, 7, []any{testonly.Condition(1, vb), testonly.Condition(2, []byte("BB"))}, testonly.DefaultPayloadInfo()})

	m, err := suit.Validate(enc)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	got, err := describe(m)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}

	for _, want := range []string{
		"Version ................: 1\n",
		"Sequence number ........: 7\n",
		"Condition vendor-id     : fa6b4a53-d5ad-5fdf-be9d-e663e4d41ffe\n",
		"Condition class-id      : 4242\n",
		"Digest algorithm .......: sha256\n",
		"Digest raw-payload      : sha256:" + hex.EncodeToString(testonly.RawDigest) + "\n",
		"Digest installed        : sha256:" + hex.EncodeToString(testonly.InstalledDigest) + "\n",
		"Size ...................: 1024\n",
		"Storage identifier .....: \"slot-a\"\n",
		"URI ....................: " + testonly.URI,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Output does not contain %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "pre-image") {
		t.Errorf("Output shows a missing digest:\n%s", got)
	}

	m, err = suit.Validate(testonly.Encode(t, []any{2, 3}))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got, err = describe(m); err != nil {
		t.Fatalf("describe: %v", err)
	}
	if !strings.HasSuffix(got, "Payload ................: none") {
		t.Errorf("Got %q, want no payload", got)
	}
}

func TestLoadSignedBundle(t *testing.T) {
	dir := t.TempDir()
	skey, vkey, err := note.GenerateKey(rand.Reader, "suit.example.com")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	payload := []byte("payload")
	manifest := testonly.PayloadManifest(t, 1, payload, testonly.URI)
	signed, err := note.Sign(&note.Note{Text: base64.StdEncoding.EncodeToString(manifest) + "\n"}, signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	b := binary.BigEndian.AppendUint32(nil, uint32(len(signed)))
	b = append(append(b, signed...), payload...)

	f := &flags{
		bundle: filepath.Join(dir, "update.bin"),
		keys:   filepath.Join(dir, "keys"),
	}
	write(t, f.bundle, b)
	write(t, f.keys, []byte("# release key\n"+vkey+"\n"))

	gotManifest, gotPayload, err := load(f, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(gotManifest, manifest) || !bytes.Equal(gotPayload, payload) {
		t.Fatal("Bundle contents differ")
	}

	_, otherKey, err := note.GenerateKey(rand.Reader, "other.example.com")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	write(t, f.keys, []byte(otherKey))
	if _, _, err := load(f, nil); err == nil {
		t.Fatal("load with the wrong key succeeded")
	}
}

func TestLoadFlags(t *testing.T) {
	emptyKeys := filepath.Join(t.TempDir(), "keys")
	write(t, emptyKeys, []byte("# no keys yet\n"))

	for _, test := range []struct {
		name string
		f    *flags
	}{
		{name: "nothing", f: &flags{}},
		{name: "bundle and manifest", f: &flags{bundle: "a", manifest: "b"}},
		{name: "missing manifest", f: &flags{manifest: filepath.Join(t.TempDir(), "missing")}},
		{name: "empty keys file", f: &flags{manifest: emptyKeys, keys: emptyKeys}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, _, err := load(test.f, nil); err == nil {
				t.Fatal("load succeeded")
			}
		})
	}
}

func TestRunUpdate(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0xa5}, 3000)

	f := &flags{
		manifest: filepath.Join(dir, "manifest.cbor"),
		payload:  filepath.Join(dir, "payload.bin"),
		config:   filepath.Join(dir, "device.yaml"),
		update:   true,
	}
	write(t, f.manifest, testonly.PayloadManifest(t, 4, payload, testonly.URI))
	write(t, f.payload, payload)
	write(t, f.config, []byte(fmt.Sprintf(`
rollback:
  state: %s
  secret: "0011223344556677"
  serial: test
storage:
  image: %s
  blocks: 64
  targets:
    %s: {lba: 8, blocks: 16}
`, filepath.Join(dir, "rpmb.state"), filepath.Join(dir, "disk.img"), testonly.StorageID)))

	if err := run(context.Background(), f); err != nil {
		t.Fatalf("run: %v", err)
	}

	c, err := config.Load(f.config)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dev, err := storage.OpenFile(c.Storage.Image, c.Storage.BlockSize, c.Storage.Blocks)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer dev.Close()
	got, err := storage.Read(dev, 8, len(payload))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("Payload not installed")
	}

	// the same manifest can be applied again, an older one cannot
	if err := run(context.Background(), f); err != nil {
		t.Fatalf("run again: %v", err)
	}
	write(t, f.manifest, testonly.PayloadManifest(t, 3, payload, testonly.URI))
	if err := run(context.Background(), f); err == nil {
		t.Fatal("Rolled back update was applied")
	}
}

func TestRunUpdateProfileVerifiers(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0x5a}, 2000)
	manifest := testonly.PayloadManifest(t, 1, payload, testonly.URI)

	skey, vkey, err := note.GenerateKey(rand.Reader, "suit.example.com")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	signed, err := note.Sign(&note.Note{Text: base64.StdEncoding.EncodeToString(manifest) + "\n"}, signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	f := &flags{
		manifest: filepath.Join(dir, "manifest.cbor"),
		payload:  filepath.Join(dir, "payload.bin"),
		config:   filepath.Join(dir, "device.yaml"),
		update:   true,
	}
	image := filepath.Join(dir, "disk.img")
	write(t, f.payload, payload)
	write(t, f.config, []byte(fmt.Sprintf(`
verifiers:
  - %s
rollback:
  state: %s
  secret: "0011223344556677"
  serial: test
storage:
  image: %s
  blocks: 64
  targets:
    %s: {lba: 8, blocks: 16}
`, vkey, filepath.Join(dir, "rpmb.state"), image, testonly.StorageID)))

	installed := func() bool {
		t.Helper()
		dev, err := storage.OpenFile(image, 512, 64)
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		defer dev.Close()
		got, err := storage.Read(dev, 8, len(payload))
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		return bytes.Equal(got, payload)
	}

	write(t, f.manifest, manifest)
	if err := run(context.Background(), f); err == nil {
		t.Fatal("Unsigned manifest was applied with profile verifiers set")
	}
	if _, err := os.Stat(image); err == nil && installed() {
		t.Fatal("Unsigned manifest payload was installed")
	}

	// the same key in the keys file and the profile is still accepted
	f.keys = filepath.Join(dir, "keys")
	write(t, f.keys, []byte(vkey+"\n"))
	write(t, f.manifest, signed)
	if err := run(context.Background(), f); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !installed() {
		t.Fatal("Payload not installed")
	}
}

func write(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.WriteFile(path, b, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}
