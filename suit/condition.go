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

// conditionFields is the length of each entry of the conditions list.
const conditionFields = 2

// ConditionType identifies the policy check a condition requests.
type ConditionType int64

// SUIT condition types.
const (
	ConditionVendorID         ConditionType = 1
	ConditionClassID          ConditionType = 2
	ConditionImageMatch       ConditionType = 3
	ConditionUseBefore        ConditionType = 4
	ConditionComponentOffset  ConditionType = 5
	ConditionDeviceID         ConditionType = 24
	ConditionImageNotMatch    ConditionType = 25
	ConditionMinimumBattery   ConditionType = 26
	ConditionUpdateAuthorised ConditionType = 27
	ConditionVersion          ConditionType = 28
)

func (t ConditionType) String() string {
	switch t {
	case ConditionVendorID:
		return "vendor-id"
	case ConditionClassID:
		return "class-id"
	case ConditionImageMatch:
		return "image-match"
	case ConditionUseBefore:
		return "use-before"
	case ConditionComponentOffset:
		return "component-offset"
	case ConditionDeviceID:
		return "device-id"
	case ConditionImageNotMatch:
		return "image-not-match"
	case ConditionMinimumBattery:
		return "minimum-battery"
	case ConditionUpdateAuthorised:
		return "update-authorised"
	case ConditionVersion:
		return "version"
	}
	return fmt.Sprintf("condition(%d)", int64(t))
}

// conditions returns a cursor on the first entry of the conditions list and
// the number of entries.
func (m Manifest) conditions() (cursor.Cursor, int, error) {
	c, err := m.field(fieldConditions)

	if err != nil {
		return cursor.Cursor{}, 0, fmt.Errorf("conditions: %w", err)
	}

	return enter(c, cursor.Array, "conditions")
}

// NumConditions returns the number of entries in the conditions list.
func (m Manifest) NumConditions() (int, error) {
	_, n, err := m.conditions()
	return n, err
}

// condition returns cursors on the type and parameter of the i-th condition.
func (m Manifest) condition(i int) (typ cursor.Cursor, param cursor.Cursor, err error) {
	list, n, err := m.conditions()

	if err != nil {
		return
	}

	if n == 0 {
		return typ, param, fmt.Errorf("%w: condition %d requested from an empty list", ErrCondition, i)
	}

	if i < 0 {
		return typ, param, fmt.Errorf("%w: negative index %d", ErrCondition, i)
	}

	if err = advance(&list, i); err != nil {
		if errors.Is(err, errShort) {
			return typ, param, fmt.Errorf("%w: condition %d requested from a list of %d", ErrCondition, i, n)
		}

		return typ, param, fmt.Errorf("conditions: %w", err)
	}

	name := fmt.Sprintf("condition %d", i)
	tuple, fields, err := enter(list, cursor.Array, name)

	if err != nil {
		return
	}

	if fields != conditionFields {
		return typ, param, invalidf("%s has %d fields, want %d", name, fields, conditionFields)
	}

	typ = tuple

	if err = expect(typ, name+" type", cursor.Uint, cursor.NegInt); err != nil {
		return
	}

	if err = tuple.Next(); err != nil {
		return typ, param, invalidf("%s type: %v", name, err)
	}

	param = tuple

	if err = expect(param, name+" parameter", cursor.Bytes); err != nil {
		return
	}

	return
}

// ConditionType returns the type of the i-th condition along with the length
// of its parameter.
//
// ErrCondition is returned when the conditions list has no entry at index i.
func (m Manifest) ConditionType(i int) (ConditionType, int, error) {
	typ, param, err := m.condition(i)

	if err != nil {
		return 0, 0, err
	}

	t, err := typ.Int()

	if err != nil {
		return 0, 0, invalidf("condition %d type: %v", i, err)
	}

	l, err := param.Len()

	if err != nil {
		return 0, 0, invalidf("condition %d parameter: %v", i, err)
	}

	return ConditionType(t), l, nil
}

// ConditionParameter copies the parameter of the i-th condition into dst and
// returns the number of bytes written.
//
// ErrCondition is returned when the conditions list has no entry at index i.
func (m Manifest) ConditionParameter(i int, dst []byte) (int, error) {
	_, param, err := m.condition(i)

	if err != nil {
		return 0, err
	}

	return copyOut(param, cursor.Bytes, dst, fmt.Sprintf("condition %d parameter", i))
}
