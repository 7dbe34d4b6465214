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

package hibrimage

import "encoding/binary"

// Decompress decompresses LZXPRESS-compressed src into dst, which must
// already be sized to the known uncompressed length. It is the exported
// entry point to the core's LzxpressDecoder, usable standalone (outside an
// ImageReader) for testing, fuzzing, or benchmarking the codec in
// isolation.
func Decompress(src []byte, dst []byte) error {
	return lzxpressDecompress(src, dst)
}

// maxMatchSize is the overflow guard on the pre-+3 accumulated length,
// per spec.md §4.4 step 4.
const maxMatchSize = 0xfffb

// lzxpressDecompress decompresses src into dst, which must already be
// sized to the known uncompressed length. It implements the bit-indicator
// stream described in spec.md §4.4, grounded directly on
// original_source/libhibr/libhibr_compression.c
// (libhibr_compression_xpress_decompress): a sequence of 32-bit
// little-endian indicator words, each gating up to 32 literal-or-tuple
// decisions, with a three-level extended match length encoding that shares
// one nibble byte between two consecutive length-7 tuples.
//
// The function is stateless across calls: the "shared nibble" byte index
// is a local variable scoped to this invocation, per spec.md §9's redesign
// note, never a package-level or decoder-local field.
func lzxpressDecompress(src []byte, dst []byte) error {
	var (
		srcPos         int
		dstPos         int
		sharedByteIdx  = -1
		haveSharedByte bool
	)

	for srcPos < len(src) {
		if srcPos+4 > len(src) {
			return &DecodeError{Reason: TruncatedInput}
		}

		indicator := binary.LittleEndian.Uint32(src[srcPos : srcPos+4])
		srcPos += 4

		for bit := uint32(0x80000000); bit > 0; bit >>= 1 {
			if srcPos >= len(src) {
				break
			}

			if indicator&bit == 0 {
				// Literal byte.
				if dstPos >= len(dst) {
					return &DecodeError{Reason: OutputOverflow}
				}

				dst[dstPos] = src[srcPos]
				dstPos++
				srcPos++
				continue
			}

			// Compressed tuple.
			if srcPos+2 > len(src) {
				return &DecodeError{Reason: TruncatedInput}
			}

			tuple := binary.LittleEndian.Uint16(src[srcPos : srcPos+2])
			srcPos += 2

			matchLen := uint32(tuple & 0x7)
			matchOffset := int(tuple>>3) + 1

			if matchLen == 0x7 {
				if !haveSharedByte {
					if srcPos >= len(src) {
						return &DecodeError{Reason: TruncatedInput}
					}

					matchLen += uint32(src[srcPos] & 0x0f)
					sharedByteIdx = srcPos
					haveSharedByte = true
					srcPos++
				} else {
					matchLen += uint32(src[sharedByteIdx] >> 4)
					haveSharedByte = false
				}
			}

			if matchLen == 0x7+0xf {
				if srcPos >= len(src) {
					return &DecodeError{Reason: TruncatedInput}
				}

				matchLen += uint32(src[srcPos])
				srcPos++
			}

			if matchLen == 0x7+0xf+0xff {
				if srcPos+2 > len(src) {
					return &DecodeError{Reason: TruncatedInput}
				}

				matchLen = uint32(binary.LittleEndian.Uint16(src[srcPos : srcPos+2]))
				srcPos += 2
			}

			if matchLen > maxMatchSize {
				return &DecodeError{Reason: MatchTooLarge}
			}
			matchLen += 3

			if matchOffset < 1 || matchOffset > dstPos {
				return &DecodeError{Reason: BackrefOutOfBounds}
			}

			srcIdx := dstPos - matchOffset
			for i := uint32(0); i < matchLen; i++ {
				if dstPos >= len(dst) {
					return &DecodeError{Reason: OutputOverflow}
				}

				dst[dstPos] = dst[srcIdx]
				dstPos++
				srcIdx++
			}
		}
	}

	return nil
}
