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

package suit

import (
	"fmt"

	"github.com/transparency-dev/armored-witness-suit/internal/cursor"
)

// advance moves c forward by n sibling elements, leaving it positioned on an
// element. It fails if the enclosing container ends first.
func advance(c *cursor.Cursor, n int) error {
	if c.AtEnd() {
		return fmt.Errorf("%w (no elements)", errShort)
	}

	for i := 0; i < n; i++ {
		if err := c.Next(); err != nil {
			return invalidf("element %d: %v", i, err)
		}

		if c.AtEnd() {
			return fmt.Errorf("%w (%d of %d elements)", errShort, i+1, n)
		}
	}

	return nil
}

// expect checks that the item under c is of one of the given kinds.
func expect(c cursor.Cursor, field string, kinds ...cursor.Kind) error {
	k, err := c.Kind()

	if err != nil {
		return invalidf("%s: %v", field, err)
	}

	for _, want := range kinds {
		if k == want {
			return nil
		}
	}

	return invalidf("%s: unexpected %v", field, k)
}

// enter returns a cursor on the first child of the container of the given
// kind under c, along with its number of elements.
func enter(c cursor.Cursor, kind cursor.Kind, field string) (cursor.Cursor, int, error) {
	if err := expect(c, field, kind); err != nil {
		return cursor.Cursor{}, 0, err
	}

	child, n, err := c.Enter()

	if err != nil {
		return cursor.Cursor{}, 0, invalidf("%s: %v", field, err)
	}

	return child, n, nil
}

// field returns a fresh cursor positioned on the top-level field at index i.
func (m Manifest) field(i int) (cursor.Cursor, error) {
	top, _, err := enter(cursor.New(m.buf), cursor.Array, "manifest")

	if err != nil {
		return cursor.Cursor{}, err
	}

	if err = advance(&top, i); err != nil {
		return cursor.Cursor{}, fmt.Errorf("field %d: %w", i, err)
	}

	return top, nil
}

// payloadField returns a fresh cursor positioned on the payload info field at
// index i.
func (m Manifest) payloadField(i int) (cursor.Cursor, error) {
	c, err := m.field(fieldPayloadInfo)

	if err != nil {
		return cursor.Cursor{}, fmt.Errorf("payload info: %w", err)
	}

	pi, n, err := enter(c, cursor.Array, "payload info")

	if err != nil {
		return cursor.Cursor{}, err
	}

	if n != payloadInfoFields {
		return cursor.Cursor{}, invalidf("payload info has %d fields, want %d", n, payloadInfoFields)
	}

	if err = advance(&pi, i); err != nil {
		return cursor.Cursor{}, fmt.Errorf("payload info field %d: %w", i, err)
	}

	return pi, nil
}
