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

// Package suit validates SUIT firmware update manifests and provides bounds
// checked accessors for their fields.
//
// A manifest is a positional CBOR array:
//
//	[
//	  version:         uint,
//	  sequence-number: uint,
//	  conditions:      [* [type: int, parameter: bstr]],
//	  ? payload-info:  [
//	      digest-algorithm: null / [int],
//	      digests:          {* int => bstr},
//	      size:             uint,
//	      storage-id:       bstr,
//	      uri:              [priority, tstr],
//	  ],
//	  * further fields
//	]
//
// Manifests are untrusted input. Validate performs the checks required before
// any field is accessed, every accessor then re-derives the position of its
// field from the start of the buffer and re-checks the shape of each
// container it crosses. No parser state is kept between calls: a Manifest may
// be shared between goroutines as long as the underlying buffer is not
// modified.
//
// Fields which need to be copied out of the manifest are written into caller
// supplied buffers, a buffer which is too small results in a *CapacityError
// and is left untouched.
package suit
