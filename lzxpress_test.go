/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2024 The hibrimage Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package hibrimage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpu-ninja/hibrimage"
)

// TestDecompressTruncatedTuple is an ill-formed stream: one literal
// indicator byte's worth of 1-bits demands a tuple that the stream never
// supplies.
func TestDecompressTruncatedTuple(t *testing.T) {
	src := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x41}
	dst := make([]byte, 4)

	err := hibrimage.Decompress(src, dst)
	require.Error(t, err)

	var decodeErr *hibrimage.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, hibrimage.TruncatedInput, decodeErr.Reason)
}

// TestDecompressAllLiterals is the all-literal case: a zero indicator word
// followed by four literal bytes, with the remaining (unused) indicator
// bits never consumed because src is exhausted first.
func TestDecompressAllLiterals(t *testing.T) {
	src := []byte{0x00, 0x00, 0x00, 0x00, 'A', 'B', 'C', 'D'}
	dst := make([]byte, 4)

	err := hibrimage.Decompress(src, dst)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", string(dst))
}

// TestDecompressSelfReferentialRun is a literal followed by a single
// (offset=1, len=3) tuple: the decoder must copy the literal byte forward
// three more times, one byte at a time, since the back-reference overlaps
// the bytes it is itself producing.
func TestDecompressSelfReferentialRun(t *testing.T) {
	src := []byte{
		0x00, 0x00, 0x00, 0x40, // indicator: bit31=literal, bit30=tuple.
		0x55,       // literal.
		0x00, 0x00, // tuple: matchLen field 0, offset-1 field 0 (offset=1).
	}
	dst := make([]byte, 4)

	err := hibrimage.Decompress(src, dst)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55, 0x55, 0x55, 0x55}, dst)
}

// TestDecompressOutputOverflow confirms a match that would write past
// dst's length is rejected rather than silently truncated.
func TestDecompressOutputOverflow(t *testing.T) {
	src := []byte{
		0x00, 0x00, 0x00, 0x40,
		0x55,
		0x04, 0x00, // matchLen field 4 (+3 = 7 bytes copied), offset=1.
	}
	dst := make([]byte, 4)

	err := hibrimage.Decompress(src, dst)
	require.Error(t, err)

	var decodeErr *hibrimage.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, hibrimage.OutputOverflow, decodeErr.Reason)
}

// TestDecompressBackrefOutOfBounds confirms a tuple whose offset reaches
// before the start of dst is rejected.
func TestDecompressBackrefOutOfBounds(t *testing.T) {
	src := []byte{
		0x00, 0x00, 0x00, 0x40,
		0x55,
		0x08, 0x00, // offset-1 field = 1 (offset=2), but only 1 byte emitted so far.
	}
	dst := make([]byte, 4)

	err := hibrimage.Decompress(src, dst)
	require.Error(t, err)

	var decodeErr *hibrimage.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, hibrimage.BackrefOutOfBounds, decodeErr.Reason)
}
