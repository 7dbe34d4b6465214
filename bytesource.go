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
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// ByteSource is the abstract, random-access, read-only byte source the core
// consumes. Callers may supply their own implementation (an encrypted
// volume, a network-backed image, a test fixture); the core never assumes
// anything about the medium beyond exact-length ReadAt semantics and a
// known, fixed Size.
type ByteSource interface {
	// Size returns the total number of addressable bytes.
	Size() (int64, error)

	// ReadAt fills p with the bytes at offset off. It returns the number of
	// bytes read; a short read (n < len(p)) with a nil error is only valid
	// when off+len(p) exceeds Size (a short read at EOF), matching
	// io.ReaderAt's documented exception for that one case.
	ReadAt(p []byte, off int64) (int, error)

	// Close releases any resources held by the source.
	Close() error
}

// fileByteSource is the default ByteSource, backed directly by an *os.File,
// mirroring the teacher's direct *os.File use throughout qcow2.go.
type fileByteSource struct {
	f *os.File
}

// OpenFile opens path as a ByteSource backed by a plain *os.File.
func OpenFile(path string) (ByteSource, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0o444)
	if err != nil {
		return nil, err
	}

	return &fileByteSource{f: f}, nil
}

func (s *fileByteSource) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (s *fileByteSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}

	return n, err
}

func (s *fileByteSource) Close() error {
	return s.f.Close()
}

// mmapByteSource is an alternative ByteSource that maps the whole file into
// the process address space once at open time. Hibernation files are
// routinely multi-gigabyte; a memory map avoids a syscall per group
// decompression the way the PE/boot-image readers in the retrieval pack
// (saferwall-pe, CircleCashTeam-magiskboot_go) map their inputs rather than
// issuing positional reads one at a time.
type mmapByteSource struct {
	f   *os.File
	mm  mmap.MMap
	len int64
}

// OpenMmapFile opens path as a memory-mapped ByteSource.
func OpenMmapFile(path string) (ByteSource, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0o444)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("hibrimage: failed to map file: %w", err)
	}

	return &mmapByteSource{f: f, mm: mm, len: info.Size()}, nil
}

func (s *mmapByteSource) Size() (int64, error) {
	return s.len, nil
}

func (s *mmapByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > s.len {
		return 0, fmt.Errorf("hibrimage: offset %d out of bounds", off)
	}

	n := copy(p, s.mm[off:])
	return n, nil
}

func (s *mmapByteSource) Close() error {
	if err := s.mm.Unmap(); err != nil {
		_ = s.f.Close()
		return err
	}

	return s.f.Close()
}

// readExact reads exactly len(p) bytes from src at off, unless off+len(p)
// exceeds the source's size, in which case it reads what it can and returns
// the short count with io.EOF.
func readExact(src ByteSource, p []byte, off int64) (int, error) {
	n, err := src.ReadAt(p, off)
	if err != nil {
		return n, &IoError{Offset: off, Err: err}
	}

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}
