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
	"fmt"
	"sort"

	"github.com/goburrow/cache"
)

// GroupDescriptor describes one compressed page group discovered while
// walking the page map chain. LogicalOffset is assigned once, at index
// build time, and never changes afterwards.
type GroupDescriptor struct {
	PayloadOffset    int64
	PayloadLen       uint32
	PaddingLen       uint8
	NumPages         uint16
	UncompressedLen  uint64
	LogicalOffset    uint64
}

// ContainerIndex is the ordered list of GroupDescriptors produced by
// buildIndex. It never changes after construction.
type ContainerIndex struct {
	Groups    []GroupDescriptor
	MediaSize uint64
}

// groupForOffset binary-searches the index for the group whose logical
// range contains offset. It assumes Groups is sorted by LogicalOffset,
// which buildIndex guarantees.
func (idx *ContainerIndex) groupForOffset(offset uint64) (int, bool) {
	n := len(idx.Groups)
	i := sort.Search(n, func(i int) bool {
		return idx.Groups[i].LogicalOffset+idx.Groups[i].UncompressedLen > offset
	})

	if i >= n || idx.Groups[i].LogicalOffset > offset {
		return 0, false
	}

	return i, true
}

// maximumCachedGroups bounds the GroupCache's resident decoded buffers.
// The source fixes LIBHIBR_MAXIMUM_CACHE_ENTRIES_COMPRESSED_PAGE_DATA at 8;
// this design keeps that constant.
const maximumCachedGroups = 8

// groupCache is a bounded LRU cache of decoded group buffers, keyed by
// group index. It is built directly on the teacher's
// cache.NewLoadingCache(loaderFn, cache.WithMaximumSize(n)) pattern
// (qcow2.go's tableCache/tableLoader) — the loader here is a bound method
// value closing over the owning ImageReader, finally giving that dangling
// teacher scaffolding a real implementation.
type groupCache struct {
	c cache.LoadingCache
}

func newGroupCache(loader cache.LoaderFunc, size int) *groupCache {
	if size <= 0 {
		size = maximumCachedGroups
	}

	return &groupCache{
		c: cache.NewLoadingCache(loader, cache.WithMaximumSize(size)),
	}
}

// get returns the decoded bytes for the group at index i, decompressing
// and inserting into the cache on a miss. A failure during decompression
// is not cached — a later get for the same index will retry the fill,
// matching the contract in spec.md §4.5.
func (gc *groupCache) get(index int) ([]byte, error) {
	v, err := gc.c.Get(index)
	if err != nil {
		return nil, err
	}

	buf, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("hibrimage: unexpected cache value type %T", v)
	}

	return buf, nil
}

func (gc *groupCache) invalidateAll() {
	gc.c.InvalidateAll()
}
