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

// Package hibrimage provides read-only, random-access reconstruction of the
// physical memory image embedded in a Windows hibernation file
// (hiberfil.sys), as though it were one contiguous byte stream.
package hibrimage

import (
	"io"
	"sync"

	"github.com/goburrow/cache"
)

// readerState tracks the ImageReader lifecycle: Unopened -> Open -> Closed.
type readerState int

const (
	stateUnopened readerState = iota
	stateOpen
	stateClosed
)

// TraceFunc is an optional observer called once when a reader opens (with a
// summary of the built index) and after each group decompression; the page
// map chain walk emits no events. It lets a caller wire in verbose
// tracing without the core importing a logger itself, per spec.md §9's
// "separable trace hook" redesign note. A nil TraceFunc is a no-op.
type TraceFunc func(event string, args ...any)

// OpenOptions configures an ImageReader at open time.
type OpenOptions struct {
	// CacheSize overrides the default number of decoded groups kept
	// resident. Zero means maximumCachedGroups.
	CacheSize int
	// Trace, if non-nil, receives decode-path trace events.
	Trace TraceFunc
}

// ImageReader is the public façade over a hibernation file's reconstructed
// memory image: it owns the ByteSource for its lifetime, the ContainerIndex
// built once at open, and the GroupCache that decoded group bytes live in.
//
// One reader instance's operations are not reentrant (spec.md §5). The
// mutex serializes every method, and Read and ReadAt hold it for their
// whole duration; Abort takes the same mutex, so an Abort issued from a
// second goroutine while a read is in flight waits for that read to return
// and does not interrupt it.
type ImageReader struct {
	mu       sync.Mutex
	source   ByteSource
	meta     ImageMetadata
	index    *ContainerIndex
	cache    *groupCache
	position uint64
	aborted  bool
	state    readerState
	trace    TraceFunc
}

// Open opens path as a file-backed ByteSource and builds an ImageReader
// over it, mirroring the teacher's Open(path, readOnly) constructor.
func Open(path string) (*ImageReader, error) {
	source, err := OpenFile(path)
	if err != nil {
		return nil, err
	}

	r := &ImageReader{}
	if err := r.OpenSourceWithOptions(source, OpenOptions{}); err != nil {
		_ = source.Close()
		return nil, err
	}

	return r, nil
}

// OpenSource builds a fresh ImageReader over an arbitrary ByteSource.
func OpenSource(source ByteSource) (*ImageReader, error) {
	r := &ImageReader{}
	if err := r.OpenSourceWithOptions(source, OpenOptions{}); err != nil {
		return nil, err
	}

	return r, nil
}

// OpenSourceWithOptions is the method form of OpenSource: it runs
// HeaderProber, builds the ContainerIndex, and readies r for reads. Calling
// it on an already-open reader fails with ErrAlreadyOpen.
func (r *ImageReader) OpenSourceWithOptions(source ByteSource, opts OpenOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateOpen {
		return ErrAlreadyOpen
	}

	meta, err := probeHeader(source)
	if err != nil {
		return err
	}

	index, err := buildIndex(source, meta)
	if err != nil {
		return err
	}

	r.source = source
	r.meta = meta
	r.index = index
	r.position = 0
	r.aborted = false
	r.state = stateOpen
	r.trace = opts.Trace

	r.cache = newGroupCache(r.loadGroup, opts.CacheSize)

	if r.trace != nil {
		r.trace("open", "variant", meta.Variant.String(), "pageSize", meta.PageSize,
			"groups", len(index.Groups), "mediaSize", index.MediaSize)
	}

	return nil
}

// loadGroup is the groupCache's loader: it reads the compressed payload for
// group i from the ByteSource and decompresses it via lzxpressDecompress
// into a freshly allocated buffer. It is passed to cache.NewLoadingCache as
// a bound method value, exactly the way the teacher passes i.tableLoader.
func (r *ImageReader) loadGroup(key cache.Key) (cache.Value, error) {
	i := key.(int)
	g := r.index.Groups[i]

	compressed := make([]byte, g.PayloadLen)
	if _, err := readExact(r.source, compressed, g.PayloadOffset); err != nil {
		return nil, &IoError{Offset: g.PayloadOffset, Err: err}
	}

	uncompressed := make([]byte, g.UncompressedLen)
	if err := lzxpressDecompress(compressed, uncompressed); err != nil {
		return nil, err
	}

	if r.trace != nil {
		r.trace("decode", "group", i, "payloadLen", g.PayloadLen, "uncompressedLen", g.UncompressedLen)
	}

	return uncompressed, nil
}

// Metadata returns the ImageMetadata captured during Open.
func (r *ImageReader) Metadata() ImageMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.meta
}

// Size returns the total length of the reconstructed memory image.
func (r *ImageReader) Size() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateOpen {
		return 0, ErrNotOpen
	}

	return int64(r.index.MediaSize), nil
}

// Position returns the current logical read cursor.
func (r *ImageReader) Position() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateOpen {
		return 0, ErrNotOpen
	}

	return int64(r.position), nil
}

// Seek implements io.Seeker. Seeking beyond Size is permitted; a subsequent
// Read then returns 0 bytes, mirroring os.File's own seek-past-EOF
// behavior that the teacher's ByteSource already relies on.
func (r *ImageReader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateOpen {
		return 0, ErrNotOpen
	}

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(r.position)
	case io.SeekEnd:
		base = int64(r.index.MediaSize)
	default:
		return 0, ErrInvalidArgument
	}

	resolved := base + offset
	if resolved < 0 {
		return 0, ErrInvalidArgument
	}

	r.position = uint64(resolved)
	return resolved, nil
}

// Read fills buf with up to len(buf) bytes starting at the current
// position, advancing the cursor by the number of bytes returned. Once the
// cursor has reached Size it returns 0 bytes together with io.EOF, per
// spec.md §4.6 and io.Reader's own EOF convention (matching qcow2.go's own
// ReadAt); a read that stops exactly at Size returns its bytes with a nil
// error.
func (r *ImageReader) Read(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.readLocked(buf)
}

func (r *ImageReader) readLocked(buf []byte) (int, error) {
	if r.state != stateOpen {
		return 0, ErrNotOpen
	}

	mediaSize := r.index.MediaSize
	if r.position >= mediaSize {
		return 0, io.EOF
	}

	written := 0
	for written < len(buf) && r.position < mediaSize {
		if r.aborted {
			return written, ErrAborted
		}

		gi, ok := r.index.groupForOffset(r.position)
		if !ok {
			// No group covers this offset even though position < mediaSize:
			// the index is internally inconsistent. Treat as EOF rather
			// than panic; buildIndex's invariants should prevent this.
			break
		}

		g := r.index.Groups[gi]

		data, err := r.cache.get(gi)
		if err != nil {
			return written, err
		}

		intra := r.position - g.LogicalOffset
		remainingInGroup := g.UncompressedLen - intra
		remainingInBuf := uint64(len(buf) - written)
		remainingInMedia := mediaSize - r.position

		n := minUint64(minUint64(remainingInGroup, remainingInBuf), remainingInMedia)

		copy(buf[written:written+int(n)], data[intra:intra+n])

		written += int(n)
		r.position += n
	}

	return written, nil
}

// ReadAt performs an atomic Seek(Set, offset) followed by a Read, per
// spec.md §4.6.
func (r *ImageReader) ReadAt(buf []byte, offset int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateOpen {
		return 0, ErrNotOpen
	}

	if offset < 0 {
		return 0, ErrInvalidArgument
	}

	r.position = uint64(offset)
	return r.readLocked(buf)
}

// Abort sets the one-shot abort flag, which Read and ReadAt poll at every
// group boundary. Safe to call from any goroutine; because it takes the
// reader's mutex, a call made during an in-flight read blocks until that
// read returns, and later reads then stop with ErrAborted at their first
// group boundary. The flag stays set until the reader is opened again.
func (r *ImageReader) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.aborted = true
}

// Close releases the underlying ByteSource and drops the index and cache.
func (r *ImageReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateOpen {
		return ErrNotOpen
	}

	r.state = stateClosed

	if r.cache != nil {
		r.cache.invalidateAll()
		r.cache = nil
	}
	r.index = nil

	return r.source.Close()
}
