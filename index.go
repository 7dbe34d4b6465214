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

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// fallbackPageMapStart is the literal offset the source falls back to for
// variants that don't carry a memory_blocks_page_number (i.e. everything
// but WinXP32). Its origin isn't documented in the source; spec.md §9
// flags it as suspect but preserves it.
const fallbackPageMapStart = 0x6000

// groupHeaderSignature is the literal 8-byte marker at the start of every
// compressed page group header.
var groupHeaderSignature = []byte{0x81, 0x81, 'x', 'p', 'r', 'e', 's', 's'}

const groupHeaderSize = 32

// pageMapOffsets gives the byte offsets of next_page_number and
// entry_count within one page-map page, per spec.md §4.3. WinXP32 uses one
// layout; every other variant (by design) uses the Win7_64 layout.
type pageMapOffsets struct {
	nextPageNumber int
	entryCount     int
}

func pageMapOffsetsFor(variant FileVariant) pageMapOffsets {
	if variant == WinXP32 {
		return pageMapOffsets{nextPageNumber: 4, entryCount: 12}
	}
	return pageMapOffsets{nextPageNumber: 0, entryCount: 8}
}

// pageMapEntrySize is the fixed size of one (unconsumed) page map entry
// record, used only to bounds-check entry_count against the page itself
// (spec.md §9 supplement 4 / original_source's
// libhibr_compressed_page_map.c).
const pageMapEntrySize = 16

// buildIndex walks the chain of page maps starting from
// meta.MemoryBlocksPageNumber (WinXP32) or the fallback offset (every other
// variant), scanning each region for compressed page group headers and
// assembling a ContainerIndex in file order.
func buildIndex(source ByteSource, meta ImageMetadata) (*ContainerIndex, error) {
	size, err := source.Size()
	if err != nil {
		return nil, &IoError{Offset: 0, Err: err}
	}

	ps := int64(meta.PageSize)

	var cursor int64
	if meta.MemoryBlocksPageNumber != 0 {
		cursor = int64(meta.MemoryBlocksPageNumber) * ps
	} else {
		cursor = fallbackPageMapStart
	}

	offsets := pageMapOffsetsFor(meta.Variant)

	maxPageMaps := size/ps + 1
	pageMapsVisited := int64(0)

	var groups []GroupDescriptor

	for cursor < size {
		if pageMapsVisited >= maxPageMaps {
			return nil, &CorruptIndexError{Reason: CycleLimit, Offset: cursor}
		}
		pageMapsVisited++

		page := make([]byte, ps)
		if _, err := readExact(source, page, cursor); err != nil {
			return nil, &IoError{Offset: cursor, Err: err}
		}

		nextPageNumber := binary.LittleEndian.Uint32(
			page[offsets.nextPageNumber : offsets.nextPageNumber+4])
		entryCount := binary.LittleEndian.Uint32(
			page[offsets.entryCount : offsets.entryCount+4])

		if int64(entryCount)*pageMapEntrySize > ps {
			return nil, &CorruptIndexError{Reason: InvalidEntryCount, Offset: cursor}
		}

		var regionEnd int64
		if nextPageNumber != 0 {
			regionEnd = int64(nextPageNumber) * ps
		} else {
			regionEnd = size
		}

		if regionEnd <= cursor+ps {
			return nil, &CorruptIndexError{Reason: NonMonotonicChain, Offset: cursor}
		}

		cursor += ps

		for cursor < regionEnd {
			header := make([]byte, groupHeaderSize)
			_, err := readExact(source, header, cursor)
			if err != nil {
				if errors.Is(err, io.EOF) {
					cursor = regionEnd
					break
				}
				return nil, err
			}

			if !bytes.Equal(header[:8], groupHeaderSignature) {
				cursor = regionEnd
				break
			}

			numPagesMinusOne := header[8]
			rawSize := binary.LittleEndian.Uint32(header[9:13])

			numPages := uint16(numPagesMinusOne) + 1
			payloadLen := (rawSize >> 2) + 1
			paddingLen := uint8((8 - (payloadLen % 8)) % 8)

			payloadOffset := cursor + groupHeaderSize
			if payloadOffset+int64(payloadLen)+int64(paddingLen) > size {
				return nil, &CorruptIndexError{Reason: GroupOutOfBounds, Offset: payloadOffset}
			}

			groups = append(groups, GroupDescriptor{
				PayloadOffset:   payloadOffset,
				PayloadLen:      payloadLen,
				PaddingLen:      paddingLen,
				NumPages:        numPages,
				UncompressedLen: uint64(numPages) * uint64(meta.PageSize),
			})

			cursor += groupHeaderSize + int64(payloadLen) + int64(paddingLen)
		}

		if nextPageNumber == 0 {
			break
		}
		cursor = int64(nextPageNumber) * ps
	}

	var logicalOffset uint64
	for i := range groups {
		groups[i].LogicalOffset = logicalOffset
		logicalOffset += groups[i].UncompressedLen
	}

	return &ContainerIndex{Groups: groups, MediaSize: logicalOffset}, nil
}
