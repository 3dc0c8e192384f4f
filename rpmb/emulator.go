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

package rpmb

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// emulatorState is the persisted device side of an emulated partition.
type emulatorState struct {
	Key        []byte            `cbor:"1,keyasint"`
	Counter    uint32            `cbor:"2,keyasint"`
	Blocks     map[uint16][]byte `cbor:"3,keyasint"`
	Programmed bool              `cbor:"4,keyasint"`
}

// Emulator implements the device side of the RPMB protocol, it can be used
// as a Card on hosts without access to an eMMC RPMB partition.
//
// When backed by a file every state change is persisted before the
// corresponding response is made available.
type Emulator struct {
	sync.Mutex

	path   string
	size   uint16
	state  emulatorState
	result []byte
	res    []byte
}

// NewEmulator returns an emulated partition of size blocks of 256 bytes,
// persisted to path unless it is empty. An existing state file is loaded.
func NewEmulator(path string, size uint16) (e *Emulator, err error) {
	if size == 0 {
		return nil, errors.New("invalid partition size")
	}

	e = &Emulator{
		path: path,
		size: size,
		state: emulatorState{
			Blocks: make(map[uint16][]byte),
		},
	}

	if path == "" {
		return
	}

	buf, err := os.ReadFile(path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return e, nil
	case err != nil:
		return nil, err
	}

	if err = cbor.Unmarshal(buf, &e.state); err != nil {
		return nil, fmt.Errorf("invalid RPMB state file %s: %v", path, err)
	}

	if e.state.Blocks == nil {
		e.state.Blocks = make(map[uint16][]byte)
	}

	return
}

// Counter returns the current write counter of the partition.
func (e *Emulator) Counter() uint32 {
	e.Lock()
	defer e.Unlock()

	return e.state.Counter
}

// WriteRPMB implements Card.
func (e *Emulator) WriteRPMB(buf []byte, reliable bool) (err error) {
	e.Lock()
	defer e.Unlock()

	req, err := parseFrame(buf)

	if err != nil {
		return
	}

	res := &DataFrame{
		Resp: req.Req,
	}

	switch req.Req {
	case AuthenticationKeyProgramming:
		e.res = nil
		e.result, err = e.programKey(req, res, reliable)
	case AuthenticatedDataWrite:
		e.res = nil
		e.result, err = e.write(req, res, reliable)
	case WriteCounterRead:
		e.res = e.counterRead(req, res)
	case AuthenticatedDataRead:
		e.res = e.read(req, res)
	case ResultRead:
		if e.result == nil {
			return errors.New("no result pending")
		}
		e.res = e.result
		e.result = nil
	default:
		return fmt.Errorf("unsupported request type %#x", req.Req)
	}

	return
}

// ReadRPMB implements Card.
func (e *Emulator) ReadRPMB(buf []byte) error {
	e.Lock()
	defer e.Unlock()

	if len(buf) != FrameLength {
		return fmt.Errorf("invalid frame length %d", len(buf))
	}

	if e.res == nil {
		return errors.New("no response pending")
	}

	copy(buf, e.res)
	e.res = nil

	return nil
}

func (e *Emulator) programKey(req *DataFrame, res *DataFrame, reliable bool) ([]byte, error) {
	switch {
	case !reliable:
		return e.respond(res, GeneralFailure), nil
	case e.state.Programmed:
		return e.respond(res, WriteFailure), nil
	}

	next := e.state
	next.Key = append([]byte(nil), req.KeyMAC[:]...)
	next.Programmed = true

	if err := e.save(next); err != nil {
		return nil, err
	}

	e.state = next

	return e.respond(res, OperationOK), nil
}

func (e *Emulator) counterRead(req *DataFrame, res *DataFrame) []byte {
	res.Nonce = req.Nonce

	if !e.state.Programmed {
		return e.respond(res, AuthenticationKeyNotYetProgrammed)
	}

	binary.BigEndian.PutUint32(res.WriteCounter[:], e.state.Counter)

	return e.respond(res, OperationOK)
}

func (e *Emulator) write(req *DataFrame, res *DataFrame, reliable bool) ([]byte, error) {
	res.Address = req.Address
	binary.BigEndian.PutUint32(res.WriteCounter[:], e.state.Counter)

	if !e.state.Programmed {
		return e.respond(res, AuthenticationKeyNotYetProgrammed), nil
	}

	addr := binary.BigEndian.Uint16(req.Address[:])

	switch {
	case !reliable:
		return e.respond(res, GeneralFailure), nil
	case binary.BigEndian.Uint16(req.BlockCount[:]) != 1:
		return e.respond(res, GeneralFailure), nil
	case !e.authentic(req):
		return e.respond(res, AuthenticationFailure), nil
	case req.Counter() != e.state.Counter:
		return e.respond(res, CounterFailure), nil
	case addr >= e.size:
		return e.respond(res, AddressFailure), nil
	}

	next := e.state
	next.Blocks = maps.Clone(e.state.Blocks)
	next.Blocks[addr] = append([]byte(nil), req.Data[:]...)
	next.Counter++

	if err := e.save(next); err != nil {
		return nil, err
	}

	e.state = next

	binary.BigEndian.PutUint32(res.WriteCounter[:], e.state.Counter)

	return e.respond(res, OperationOK), nil
}

func (e *Emulator) read(req *DataFrame, res *DataFrame) []byte {
	res.Nonce = req.Nonce
	res.Address = req.Address
	res.BlockCount = req.BlockCount

	if !e.state.Programmed {
		return e.respond(res, AuthenticationKeyNotYetProgrammed)
	}

	addr := binary.BigEndian.Uint16(req.Address[:])

	if addr >= e.size {
		return e.respond(res, AddressFailure)
	}

	copy(res.Data[:], e.state.Blocks[addr])

	return e.respond(res, OperationOK)
}

func (e *Emulator) authentic(req *DataFrame) bool {
	return hmac.Equal(req.KeyMAC[:], sum(e.state.Key, req.Bytes()))
}

// respond sets the operation result and, once a key is programmed, the
// response MAC.
func (e *Emulator) respond(res *DataFrame, result uint16) []byte {
	binary.BigEndian.PutUint16(res.Result[:], result)

	if e.state.Programmed {
		copy(res.KeyMAC[:], sum(e.state.Key, res.Bytes()))
	}

	return res.Bytes()
}

// save atomically replaces the state file, if any, with s. The in-memory
// state must only be updated once save succeeds.
func (e *Emulator) save(s emulatorState) error {
	if e.path == "" {
		return nil
	}

	buf, err := cbor.Marshal(&s)

	if err != nil {
		return err
	}

	return writeFileAtomic(e.path, buf, 0600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// fsync dir so rename is durable across power loss
	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dfd.Close()

	return dfd.Sync()
}
