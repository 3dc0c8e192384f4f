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

// suitctl inspects SUIT manifests and applies the updates they describe to
// a disk image, keeping anti-rollback state in an emulated RPMB partition.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-suit/bundle"
	"github.com/transparency-dev/armored-witness-suit/internal/config"
	"github.com/transparency-dev/armored-witness-suit/suit"
	"github.com/transparency-dev/armored-witness-suit/verify"
)

type flags struct {
	manifest string
	payload  string
	bundle   string
	keys     string
	config   string

	show   bool
	diag   bool
	update bool
}

func main() {
	f := &flags{}

	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	pflag.StringVarP(&f.manifest, "manifest", "m", "", "manifest file")
	pflag.StringVarP(&f.payload, "payload", "p", "", "payload file, fetched from the manifest URI if unset")
	pflag.StringVarP(&f.bundle, "bundle", "b", "", "bundle file holding a length prefixed manifest followed by the payload")
	pflag.StringVarP(&f.keys, "keys", "k", "", "note verifier keys file, manifests are signed notes when set")
	pflag.StringVarP(&f.config, "config", "c", "", "device profile")
	pflag.BoolVarP(&f.show, "show", "s", false, "show manifest fields")
	pflag.BoolVarP(&f.diag, "diag", "d", false, "dump manifest in CBOR diagnostic notation")
	pflag.BoolVarP(&f.update, "update", "u", false, "apply the update to the device")
	pflag.Parse()

	defer klog.Flush()

	if pflag.NFlag() == 0 {
		pflag.PrintDefaults()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, f); err != nil {
		klog.Exitf("fatal error, %v", err)
	}
}

func run(ctx context.Context, f *flags) error {
	var c *config.Config

	if f.config != "" {
		var err error
		if c, err = config.Load(f.config); err != nil {
			return err
		}
	}

	var trusted []string
	if c != nil {
		trusted = c.Verifiers
	}

	manifest, payload, err := load(f, trusted)
	if err != nil {
		return err
	}

	m, err := suit.Validate(manifest)
	if err != nil {
		return err
	}

	if f.diag {
		d, err := cbor.Diagnose(manifest)
		if err != nil {
			return fmt.Errorf("diagnose: %v", err)
		}
		fmt.Println(d)
	}

	if f.show || !(f.diag || f.update) {
		s, err := describe(m)
		if err != nil {
			return err
		}
		fmt.Println(s)

		if payload != nil {
			if err := verify.Payload(m, payload); err != nil {
				return err
			}
			fmt.Println("Payload verified")
		}
	}

	if !f.update {
		return nil
	}

	if c == nil {
		return fmt.Errorf("updating requires a device profile (-c)")
	}

	return apply(ctx, c, manifest, payload)
}

// load reads the manifest and optional payload from the files named by
// the flags. Manifests must be signed notes when any verifier key is known,
// either from the keys file or from trusted.
func load(f *flags, trusted []string) (manifest []byte, payload []byte, err error) {
	switch {
	case f.bundle != "" && f.manifest != "":
		return nil, nil, fmt.Errorf("-b and -m are mutually exclusive")
	case f.bundle != "":
		b, err := os.ReadFile(f.bundle)
		if err != nil {
			return nil, nil, err
		}
		if manifest, payload, err = bundle.Extract(b); err != nil {
			return nil, nil, err
		}
	case f.manifest != "":
		if manifest, err = os.ReadFile(f.manifest); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("no manifest (-m) or bundle (-b) given")
	}

	if f.payload != "" {
		if payload != nil {
			return nil, nil, fmt.Errorf("-p cannot be used with a bundle")
		}
		if payload, err = os.ReadFile(f.payload); err != nil {
			return nil, nil, err
		}
	}

	var keys []string
	for _, k := range trusted {
		keys = append(keys, strings.TrimSpace(k))
	}

	if f.keys != "" {
		b, err := os.ReadFile(f.keys)
		if err != nil {
			return nil, nil, err
		}
		lines := nonEmptyLines(string(b))
		if len(lines) == 0 {
			return nil, nil, fmt.Errorf("no verifier keys in %q", f.keys)
		}
		keys = append(keys, lines...)
	}

	// a key listed twice makes the note verifier lookup ambiguous
	slices.Sort(keys)
	keys = slices.Compact(keys)

	if len(keys) == 0 {
		klog.V(1).Info("No verifier keys, manifest signature not checked")
		return
	}

	v, err := bundle.Verifiers(keys...)
	if err != nil {
		return nil, nil, err
	}

	if manifest, err = bundle.Open(manifest, v); err != nil {
		return nil, nil, err
	}

	klog.Info("Manifest signature verified")

	return
}

func nonEmptyLines(s string) (lines []string) {
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" && !strings.HasPrefix(l, "#") {
			lines = append(lines, l)
		}
	}
	return
}
