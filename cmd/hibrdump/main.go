// Copyright 2024 The hibrimage Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// hibrdump is a small benchmark/fuzz harness for the LZXPRESS decoder,
// generating pseudo-random all-literal streams (no match tuples) the same way
// dpeckett-qcow2/cmd/qcow2-benchmark generates pseudo-random write
// payloads with randshiro, rather than driving an actual hibernation file.
package main

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/silverisntgold/randshiro"

	"github.com/gpu-ninja/hibrimage"
)

const (
	iterations  = 2000
	literalsLen = 4096
)

// buildAllLiteralStream encodes literalsLen random bytes as a stream of
// all-zero indicator words (every bit a literal), the simplest valid
// LZXPRESS stream: it round-trips through Decompress without ever taking
// the tuple/back-reference path, useful as a throughput baseline.
func buildAllLiteralStream(rng *randshiro.Gen) (src []byte, want []byte) {
	want = make([]byte, literalsLen)
	for i := 0; i+8 <= literalsLen; i += 8 {
		binary.LittleEndian.PutUint64(want[i:], rng.Uint64())
	}

	src = make([]byte, 0, literalsLen+4*(literalsLen/32+1))
	for i := 0; i < literalsLen; i += 32 {
		src = append(src, 0, 0, 0, 0) // indicator word: all literals.
		end := i + 32
		if end > literalsLen {
			end = literalsLen
		}
		src = append(src, want[i:end]...)
	}

	return src, want
}

func main() {
	rng := randshiro.New128pp()

	dst := make([]byte, literalsLen)

	start := time.Now()
	for i := 0; i < iterations; i++ {
		src, want := buildAllLiteralStream(rng)

		if err := hibrimage.Decompress(src, dst); err != nil {
			log.Fatalf("decompress failed: %v", err)
		}

		for j := range want {
			if dst[j] != want[j] {
				log.Fatalf("round-trip mismatch at byte %d", j)
			}
		}
	}
	elapsed := time.Since(start)

	throughput := float64(iterations*literalsLen) / elapsed.Seconds() / (1024 * 1024)
	log.Printf("decoded %d streams of %d bytes in %s (%.2f MB/s)",
		iterations, literalsLen, elapsed, throughput)
}
