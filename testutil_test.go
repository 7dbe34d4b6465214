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
	"encoding/binary"

	"github.com/gpu-ninja/hibrimage"
)

// memSource is an in-memory ByteSource test fixture. Synthesizing small
// byte buffers in-memory (rather than depending on a real captured
// hiberfil.sys) is the approach SPEC_FULL.md settles on, matching the
// teacher's own TestImageRandomReadsAndWrites, which synthesizes its qcow2
// image rather than relying on a fixture.
type memSource struct {
	data []byte
}

func (m *memSource) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *memSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}

	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memSource) Close() error {
	return nil
}

func growTo(buf []byte, n int) []byte {
	if len(buf) < n {
		buf = append(buf, make([]byte, n-len(buf))...)
	}
	return buf
}

// Metadata record "size" discriminators and page_size field offsets, per
// spec.md §3/§4.2 — the normative part of the on-disk contract, not an
// internal implementation detail.
const (
	testSizeWinXP32 = 88
	testSizeWinXP64 = 112
	testSizeWin7_32 = 48
	testSizeWin7_64 = 56
)

type variantOffsetsForTest struct {
	pageSizeOffset      int
	pageSizeWidth       int
	memBlocksPageOffset int
	sizeField           uint32
}

var testVariantOffsets = map[hibrimage.FileVariant]variantOffsetsForTest{
	hibrimage.WinXP32: {20, 4, 68, testSizeWinXP32},
	hibrimage.WinXP64: {24, 4, -1, testSizeWinXP64},
	hibrimage.Win7_32: {16, 4, -1, testSizeWin7_32},
	hibrimage.Win7_64: {16, 8, -1, testSizeWin7_64},
}

// writeMetadataHeader writes the first (4096-byte) page of a synthetic
// hibernation file, per spec.md §4.2.
func writeMetadataHeader(buf []byte, variant hibrimage.FileVariant, pageSize uint32, memBlocksPageNumber uint32) []byte {
	buf = growTo(buf, 4096)

	off := testVariantOffsets[variant]
	binary.LittleEndian.PutUint32(buf[12:16], off.sizeField)

	if off.pageSizeWidth == 8 {
		binary.LittleEndian.PutUint64(buf[off.pageSizeOffset:off.pageSizeOffset+8], uint64(pageSize))
	} else {
		binary.LittleEndian.PutUint32(buf[off.pageSizeOffset:off.pageSizeOffset+4], pageSize)
	}

	if off.memBlocksPageOffset >= 0 {
		binary.LittleEndian.PutUint32(
			buf[off.memBlocksPageOffset:off.memBlocksPageOffset+4], memBlocksPageNumber)
	}

	return buf
}

// writePageMapPage writes one page-map page at offset, per spec.md §4.3.
func writePageMapPage(buf []byte, offset int64, pageSize int64, variant hibrimage.FileVariant, nextPageNumber uint32, entryCount uint32) []byte {
	buf = growTo(buf, int(offset)+int(pageSize))

	page := buf[offset : offset+pageSize]

	nextOff, countOff := 0, 8
	if variant == hibrimage.WinXP32 {
		nextOff, countOff = 4, 12
	}

	binary.LittleEndian.PutUint32(page[nextOff:nextOff+4], nextPageNumber)
	binary.LittleEndian.PutUint32(page[countOff:countOff+4], entryCount)

	return buf
}

var groupHeaderSignature = []byte{0x81, 0x81, 'x', 'p', 'r', 'e', 's', 's'}

// writeGroup writes one compressed-page-group header plus payload at
// offset, padding the payload to an 8-byte boundary, per spec.md §4.3. It
// returns the updated buffer and the offset immediately following the
// padded payload.
func writeGroup(buf []byte, offset int64, numPages uint16, payload []byte) ([]byte, int64) {
	paddingLen := (8 - len(payload)%8) % 8
	total := 32 + len(payload) + paddingLen

	buf = growTo(buf, int(offset)+total)

	header := buf[offset : offset+32]
	copy(header[0:8], groupHeaderSignature)
	header[8] = byte(numPages - 1)

	rawSize := (uint32(len(payload)) - 1) << 2
	binary.LittleEndian.PutUint32(header[9:13], rawSize)

	copy(buf[offset+32:offset+32+int64(len(payload))], payload)

	return buf, offset + int64(total)
}

// encodeAllLiteral encodes data as a run of LZXPRESS literal bytes: every
// indicator bit is 0, so the decoder copies data through byte for byte.
// Grounded on original_source/libhibr/libhibr_compression.c's literal path
// (compression_indicator bit == 0).
func encodeAllLiteral(data []byte) []byte {
	out := make([]byte, 0, len(data)+4*(len(data)/32+1))

	for i := 0; i < len(data); i += 32 {
		out = append(out, 0, 0, 0, 0) // indicator word: all literals.

		end := i + 32
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end]...)
	}

	if len(data) == 0 {
		out = append(out, 0, 0, 0, 0)
	}

	return out
}

// encodeConstantRun encodes total bytes all equal to fill as one leading
// literal followed by a single self-referential back-reference tuple
// (offset 1), using LZXPRESS's three-level extended match length
// encoding to reach run lengths of up to 65535 bytes in a handful of
// bytes — the same "run-length fill" shape spec.md §4.4 calls out as a
// required behavior of the decoder. total must be >= 4.
func encodeConstantRun(fill byte, total int) []byte {
	if total < 4 {
		panic("encodeConstantRun: total must be >= 4")
	}

	raw := uint32(total - 1 - 3)

	out := make([]byte, 4, 16)
	// Indicator word: bit31 = 0 (literal), bit30 = 1 (tuple). The rest of
	// the bits are never consumed because src is exhausted first.
	binary.LittleEndian.PutUint32(out[0:4], 0x40000000)
	out = append(out, fill)

	// Tuple header: low 3 bits signal the length tier, bits[3:16] are
	// offset-1. offset = 1 here (pure run-length fill).
	tupleLow := raw
	if tupleLow > 6 {
		tupleLow = 7
	}
	tuple := uint16(tupleLow) | uint16(0)<<3 // offset-1 == 0
	tupleBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(tupleBuf, tuple)
	out = append(out, tupleBuf...)

	if raw <= 6 {
		return out
	}

	// First-level extension: a nibble shared with (in our case, no) other
	// tuple. We always consume a fresh byte since this is the only tuple
	// in the stream.
	nibble := raw - 7
	if nibble > 15 {
		nibble = 15
	}
	out = append(out, byte(nibble)) // low nibble is what the decoder adds; high nibble is unused here.
	sum := uint32(7) + nibble

	if sum != 0x07+0x0f {
		return out
	}

	// Second-level extension: one more byte, added directly.
	remaining := raw - sum
	if remaining > 255 {
		remaining = 255
	}
	out = append(out, byte(remaining))
	sum += remaining

	if sum != 0x07+0x0f+0xff {
		return out
	}

	// Third-level extension: the next 16 bits *replace* the accumulated
	// value outright, so we can encode raw directly here.
	thirdBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(thirdBuf, uint16(raw))
	out = append(out, thirdBuf...)

	return out
}
