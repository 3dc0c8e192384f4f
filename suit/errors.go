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
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-suit/internal/cursor"
)

var (
	// ErrInvalidManifest is returned whenever the manifest does not have
	// the expected shape at a required position. A manifest for which any
	// accessor returns this error must be rejected as a whole.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrCondition is returned when the conditions list is well-formed but
	// holds no entry at the requested index.
	ErrCondition = errors.New("no such condition")

	// errShort reports that a container ended before the requested element,
	// callers which treat a short container as a distinct outcome test for
	// it with errors.Is.
	errShort = fmt.Errorf("%w: container too short", ErrInvalidManifest)
)

// CapacityError is returned when a caller supplied buffer is too small to
// hold a manifest field, nothing is written to the buffer in that case.
//
// CapacityError unwraps to ErrInvalidManifest.
type CapacityError struct {
	// Need is the encoded length of the field.
	Need int
	// Have is the capacity of the supplied buffer.
	Have int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("output buffer too small (need %d bytes, have %d)", e.Need, e.Have)
}

func (e *CapacityError) Unwrap() error {
	return ErrInvalidManifest
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidManifest, fmt.Sprintf(format, args...))
}

// copyOut performs a bounded copy of the string under c into dst.
func copyOut(c cursor.Cursor, kind cursor.Kind, dst []byte, field string) (n int, err error) {
	switch kind {
	case cursor.Text:
		n, err = c.CopyText(dst)
	default:
		n, err = c.CopyBytes(dst)
	}

	var sbe *cursor.ShortBufferError

	switch {
	case errors.As(err, &sbe):
		return 0, fmt.Errorf("%s: %w", field, &CapacityError{Need: sbe.Need, Have: sbe.Have})
	case err != nil:
		return 0, invalidf("%s: %v", field, err)
	}

	return
}
