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
	"encoding/binary"
	"time"
)

// FileVariant identifies the Windows version (and bitness) a hibernation
// file was produced by. It is determined solely by the byte length of the
// memory-image-information record, per its own declared size field.
type FileVariant int

const (
	VariantUnknown FileVariant = iota
	WinXP32
	WinXP64
	Win7_32
	Win7_64
)

func (v FileVariant) String() string {
	switch v {
	case WinXP32:
		return "Windows XP (32-bit)"
	case WinXP64:
		return "Windows XP (64-bit)"
	case Win7_32:
		return "Windows 7 (32-bit)"
	case Win7_64:
		return "Windows 7 (64-bit)"
	default:
		return "unknown"
	}
}

// Sizes (in bytes) of the per-variant memory-image-information structs, as
// declared in their own "size" field. These are the only discriminators the
// source uses to pick a variant.
const (
	sizeWinXP32 = 88
	sizeWinXP64 = 112
	sizeWin7_32 = 48
	sizeWin7_64 = 56
)

const headerProbeLength = 4096

// Common field offsets shared by every variant.
const (
	offSignature = 0
	offChecksum  = 8
	offSize      = 12
)

// noField marks a field that does not exist for a given variant.
const noField = -1

// variantLayout is the per-variant offset table the source's sibling
// structs (winxp_32bit_t, winxp_64bit_t, win7_32bit_t, win7_64bit_t) are
// re-expressed as, per spec.md §9's redesign note: fields are read by
// offset rather than by casting a whole struct onto the page.
type variantLayout struct {
	pageSizeOffset      int
	pageSizeWidth       int // 4 or 8 bytes
	memBlocksPageOffset int // noField unless WinXP32

	// Fields beyond spec.md's normative offsets (page_size,
	// memory_blocks_page_number): supplemental, for the info facade only,
	// grounded on original_source/libhibr/hibr_memory_image_information.h.
	// Win7 variants don't carry total/free page counts in that struct at
	// all (noField); the XP variants' layout matches the header exactly.
	systemTimeOffset      int
	featureFlagsOffset    int
	hibernationFlagsOffset int
	freePagesOffset       int
	totalPagesOffset      int
	totalPagesWidth       int
}

var variantLayouts = map[FileVariant]variantLayout{
	WinXP32: {
		pageSizeOffset:         20,
		pageSizeWidth:          4,
		memBlocksPageOffset:    68,
		systemTimeOffset:       32,
		featureFlagsOffset:     48,
		hibernationFlagsOffset: 52,
		freePagesOffset:        72,
		totalPagesOffset:       84,
		totalPagesWidth:        4,
	},
	WinXP64: {
		pageSizeOffset:         24,
		pageSizeWidth:          4,
		memBlocksPageOffset:    noField,
		systemTimeOffset:       32,
		featureFlagsOffset:     48,
		hibernationFlagsOffset: 52,
		freePagesOffset:        80,
		totalPagesOffset:       96,
		totalPagesWidth:        8,
	},
	// Win7 variants: spec.md's page_size offset (16) sits 4/8 bytes
	// earlier than the page_number field's position in the original
	// struct, implying that field isn't present (or isn't read) for these
	// variants — consistent with memory_blocks_page_number always being 0
	// for non-XP32 files. The remaining fields are taken as contiguous
	// after page_size, in the same relative order the original struct
	// uses (system_time, interrupt_time, feature_flags,
	// hibernation_flags); total/free page counts aren't present in the
	// Win7 struct at all.
	Win7_32: {
		pageSizeOffset:         16,
		pageSizeWidth:          4,
		memBlocksPageOffset:    noField,
		systemTimeOffset:       20,
		featureFlagsOffset:     36,
		hibernationFlagsOffset: 40,
		freePagesOffset:        noField,
		totalPagesOffset:       noField,
	},
	Win7_64: {
		pageSizeOffset:         16,
		pageSizeWidth:          8,
		memBlocksPageOffset:    noField,
		systemTimeOffset:       24,
		featureFlagsOffset:     40,
		hibernationFlagsOffset: 44,
		freePagesOffset:        noField,
		totalPagesOffset:       noField,
	},
}

// ImageMetadata is produced once by HeaderProber during Open and never
// mutated afterwards.
type ImageMetadata struct {
	Variant FileVariant

	PageSize               uint32
	MemoryBlocksPageNumber uint32
	TotalPages             uint64
	FreePages              uint32
	SystemTimeFiletime     uint64
	FeatureFlags           uint32
	HibernationFlags       uint8
	Checksum               uint32
}

// SystemTime converts the stored Windows FILETIME (100ns ticks since
// 1601-01-01 UTC) into a time.Time. libhibr reads this field but the
// distilled spec only requires retaining it verbatim; hibrinfo additionally
// prints the decoded form.
func (m ImageMetadata) SystemTime() time.Time {
	return filetimeToTime(m.SystemTimeFiletime)
}

const filetimeEpochDiff = 116444736000000000 // 100ns ticks between 1601 and 1970.

func filetimeToTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}

	ticksSinceUnixEpoch := int64(ft) - filetimeEpochDiff
	return time.Unix(0, ticksSinceUnixEpoch*100).UTC()
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// probeHeader reads the first page of source and extracts ImageMetadata,
// selecting a FileVariant purely from the "size" field, per spec.md §4.2.
func probeHeader(source ByteSource) (ImageMetadata, error) {
	page := make([]byte, headerProbeLength)
	if _, err := readExact(source, page, 0); err != nil {
		return ImageMetadata{}, err
	}

	size := binary.LittleEndian.Uint32(page[offSize : offSize+4])
	if size == 0 {
		return ImageMetadata{}, &UnsupportedFormatError{Reason: EmptyMetadataPage}
	}

	var variant FileVariant
	switch size {
	case sizeWinXP32:
		variant = WinXP32
	case sizeWinXP64:
		variant = WinXP64
	case sizeWin7_32:
		variant = Win7_32
	case sizeWin7_64:
		variant = Win7_64
	default:
		return ImageMetadata{}, &UnsupportedFormatError{Reason: UnknownMetadataSize, Size: size}
	}

	layout := variantLayouts[variant]

	meta := ImageMetadata{
		Variant:  variant,
		Checksum: binary.LittleEndian.Uint32(page[offChecksum : offChecksum+4]),
	}

	if layout.pageSizeWidth == 8 {
		wide := binary.LittleEndian.Uint64(page[layout.pageSizeOffset : layout.pageSizeOffset+8])
		meta.PageSize = uint32(wide)
	} else {
		meta.PageSize = binary.LittleEndian.Uint32(page[layout.pageSizeOffset : layout.pageSizeOffset+4])
	}

	if !isPowerOfTwo(meta.PageSize) || meta.PageSize < 512 || meta.PageSize > 65536 {
		return ImageMetadata{}, &UnsupportedFormatError{Reason: InvalidPageSize}
	}

	if layout.memBlocksPageOffset != noField {
		meta.MemoryBlocksPageNumber = binary.LittleEndian.Uint32(
			page[layout.memBlocksPageOffset : layout.memBlocksPageOffset+4])
	}

	meta.SystemTimeFiletime = binary.LittleEndian.Uint64(
		page[layout.systemTimeOffset : layout.systemTimeOffset+8])
	meta.FeatureFlags = binary.LittleEndian.Uint32(
		page[layout.featureFlagsOffset : layout.featureFlagsOffset+4])
	meta.HibernationFlags = page[layout.hibernationFlagsOffset]

	if layout.freePagesOffset != noField {
		meta.FreePages = binary.LittleEndian.Uint32(page[layout.freePagesOffset : layout.freePagesOffset+4])
	}

	if layout.totalPagesOffset != noField {
		if layout.totalPagesWidth == 8 {
			meta.TotalPages = binary.LittleEndian.Uint64(page[layout.totalPagesOffset : layout.totalPagesOffset+8])
		} else {
			meta.TotalPages = uint64(binary.LittleEndian.Uint32(page[layout.totalPagesOffset : layout.totalPagesOffset+4]))
		}
	}

	return meta, nil
}
