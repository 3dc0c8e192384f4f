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

// Package cursor implements a read-only, forward-only cursor over a CBOR
// encoded buffer.
//
// A Cursor never copies or retains the underlying buffer beyond its own
// lifetime and holds no state other than its position, it is therefore safe
// to create any number of cursors over the same immutable buffer from
// different goroutines.
//
// Only definite-length items without tags are supported, this matches the
// profile used by SUIT manifests and keeps every traversal bounded by the
// length of the input.
package cursor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// MaxDepth is the maximum nesting level of items the cursor accepts.
const MaxDepth = 16

var (
	// ErrEnd is returned when the cursor has no items left in its enclosing
	// container.
	ErrEnd = errors.New("end of container")
	// ErrType is returned when the current item has an unexpected major type.
	ErrType = errors.New("unexpected item type")
	// ErrMalformed is returned when the current item is not well-formed
	// within the supported profile.
	ErrMalformed = errors.New("malformed item")
	// ErrRange is returned when an integer does not fit the requested type.
	ErrRange = errors.New("integer out of range")
)

// ShortBufferError is returned by the copy operations when the destination
// buffer cannot hold the whole item, in which case nothing is written.
type ShortBufferError struct {
	Need int
	Have int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("buffer too small (%d < %d)", e.Have, e.Need)
}

// Kind represents the major type of a CBOR item.
type Kind uint8

// p21, Section 3.1 — Major Types, RFC 8949
const (
	Uint Kind = iota
	NegInt
	Bytes
	Text
	Array
	Map
	Tag
	Simple
)

func (k Kind) String() string {
	switch k {
	case Uint:
		return "unsigned integer"
	case NegInt:
		return "negative integer"
	case Bytes:
		return "byte string"
	case Text:
		return "text string"
	case Array:
		return "array"
	case Map:
		return "map"
	case Tag:
		return "tag"
	case Simple:
		return "simple value"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

const (
	null       = 0xf6
	indefinite = 31
)

// decMode validates and skips items, limits are applied on every skip so
// that crafted inputs cannot trigger deep recursion or large allocations.
var decMode cbor.DecMode

func init() {
	var err error

	decMode, err = cbor.DecOptions{
		MaxNestedLevels: MaxDepth,
		IndefLength:     cbor.IndefLengthForbidden,
		TagsMd:          cbor.TagsForbidden,
	}.DecMode()
	if err != nil {
		panic("cursor: CBOR decoder initialization failed: " + err.Error())
	}
}

// skipped discards an item once the decoder has established its extent.
type skipped struct{}

func (*skipped) UnmarshalCBOR([]byte) error { return nil }

// Cursor points at an item within a sequence of sibling items.
type Cursor struct {
	// buf starts at the current item.
	buf []byte
	// left is the number of items, including the current one, remaining
	// in the enclosing container.
	left int
}

// New returns a cursor positioned on the first item in buf, treating buf as
// a container holding a single item.
func New(buf []byte) Cursor {
	return Cursor{
		buf:  buf,
		left: 1,
	}
}

// AtEnd reports whether the cursor has moved past the last item of its
// enclosing container.
func (c Cursor) AtEnd() bool {
	return c.left <= 0
}

// Kind returns the major type of the current item.
func (c Cursor) Kind() (Kind, error) {
	if c.AtEnd() {
		return 0, ErrEnd
	}

	major, _, _, _, err := head(c.buf)

	return Kind(major), err
}

// IsNull reports whether the current item is the CBOR null value.
func (c Cursor) IsNull() bool {
	return !c.AtEnd() && len(c.buf) > 0 && c.buf[0] == null
}

// Next moves the cursor to the next sibling item.
func (c *Cursor) Next() error {
	if c.AtEnd() {
		return ErrEnd
	}

	rest, err := decMode.UnmarshalFirst(c.buf, &skipped{})

	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c.buf = rest
	c.left--

	return nil
}

// Enter returns a cursor positioned on the first child of the current array
// or map item, along with its declared number of elements (pairs for maps).
// Map keys and values are traversed as individual siblings.
func (c Cursor) Enter() (child Cursor, n int, err error) {
	if c.AtEnd() {
		return Cursor{}, 0, ErrEnd
	}

	major, _, arg, hl, err := head(c.buf)

	if err != nil {
		return Cursor{}, 0, err
	}

	if k := Kind(major); k != Array && k != Map {
		return Cursor{}, 0, fmt.Errorf("%w: %v is not a container", ErrType, k)
	}

	rest := c.buf[hl:]

	// every item takes at least one byte
	if arg > uint64(len(rest)) {
		return Cursor{}, 0, fmt.Errorf("%w: %d elements declared in %d bytes", ErrMalformed, arg, len(rest))
	}

	items := arg

	if Kind(major) == Map {
		items = 2 * arg

		if items > uint64(len(rest)) {
			return Cursor{}, 0, fmt.Errorf("%w: %d pairs declared in %d bytes", ErrMalformed, arg, len(rest))
		}
	}

	child = Cursor{
		buf:  rest,
		left: int(items),
	}

	return child, int(arg), nil
}

// Uint decodes the current item as an unsigned integer.
func (c Cursor) Uint() (v uint64, err error) {
	k, err := c.Kind()

	if err != nil {
		return
	}

	if k != Uint {
		return 0, fmt.Errorf("%w: %v is not an unsigned integer", ErrType, k)
	}

	if _, err = decMode.UnmarshalFirst(c.buf, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return
}

// Int decodes the current item as a signed integer.
func (c Cursor) Int() (v int64, err error) {
	k, err := c.Kind()

	if err != nil {
		return
	}

	if k != Uint && k != NegInt {
		return 0, fmt.Errorf("%w: %v is not an integer", ErrType, k)
	}

	if _, err = decMode.UnmarshalFirst(c.buf, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRange, err)
	}

	return
}

// Len returns the length in bytes of the current byte or text string.
func (c Cursor) Len() (int, error) {
	k, err := c.Kind()

	if err != nil {
		return 0, err
	}

	if k != Bytes && k != Text {
		return 0, fmt.Errorf("%w: %v is not a string", ErrType, k)
	}

	s, err := c.str(k)

	return len(s), err
}

// CopyBytes copies the current byte string into dst and returns the number
// of bytes written.
func (c Cursor) CopyBytes(dst []byte) (int, error) {
	return c.copy(Bytes, dst)
}

// CopyText copies the current text string into dst and returns the number of
// bytes written. Text strings must be valid UTF-8.
func (c Cursor) CopyText(dst []byte) (int, error) {
	return c.copy(Text, dst)
}

func (c Cursor) copy(want Kind, dst []byte) (int, error) {
	k, err := c.Kind()

	if err != nil {
		return 0, err
	}

	if k != want {
		return 0, fmt.Errorf("%w: %v is not a %v", ErrType, k, want)
	}

	s, err := c.str(k)

	if err != nil {
		return 0, err
	}

	if k == Text && !utf8.Valid(s) {
		return 0, fmt.Errorf("%w: text string is not valid UTF-8", ErrMalformed)
	}

	if len(s) > len(dst) {
		return 0, &ShortBufferError{Need: len(s), Have: len(dst)}
	}

	return copy(dst, s), nil
}

// str returns a view of the current string item payload.
func (c Cursor) str(k Kind) ([]byte, error) {
	_, _, arg, hl, err := head(c.buf)

	if err != nil {
		return nil, err
	}

	if arg > uint64(len(c.buf)-hl) {
		return nil, fmt.Errorf("%w: %v of %d bytes truncated to %d", ErrMalformed, k, arg, len(c.buf)-hl)
	}

	return c.buf[hl : hl+int(arg)], nil
}

// head decodes the initial byte and argument of the item at the start of
// buf, returning the major type, additional information, argument value and
// header length.
func head(buf []byte) (major byte, info byte, arg uint64, n int, err error) {
	if len(buf) == 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: unexpected end of data", ErrMalformed)
	}

	major = buf[0] >> 5
	info = buf[0] & 0x1f

	switch {
	case info < 24:
		return major, info, uint64(info), 1, nil
	case info == 24:
		n = 2
	case info == 25:
		n = 3
	case info == 26:
		n = 5
	case info == 27:
		n = 9
	case info == indefinite:
		return 0, 0, 0, 0, fmt.Errorf("%w: indefinite length", ErrMalformed)
	default:
		return 0, 0, 0, 0, fmt.Errorf("%w: reserved additional information %d", ErrMalformed, info)
	}

	if len(buf) < n {
		return 0, 0, 0, 0, fmt.Errorf("%w: truncated header", ErrMalformed)
	}

	switch n {
	case 2:
		arg = uint64(buf[1])
	case 3:
		arg = uint64(binary.BigEndian.Uint16(buf[1:n]))
	case 5:
		arg = uint64(binary.BigEndian.Uint32(buf[1:n]))
	case 9:
		arg = binary.BigEndian.Uint64(buf[1:n])
	}

	return
}
