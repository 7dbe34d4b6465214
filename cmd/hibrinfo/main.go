// Copyright 2024 The hibrimage Authors.
// Use of this source code is governed by an Apache-2.0 license that can be
// found in the LICENSE file.

// hibrinfo is the information-dumping CLI collaborator described in
// spec.md §6: it opens a hibernation file, prints its ImageMetadata, and
// exits. It never writes the reconstructed memory image; that belongs to
// another (unwritten) external collaborator.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gpu-ninja/hibrimage"
)

const version = "0.1.0"

var verbose bool

func printInfo(path string) error {
	var source hibrimage.ByteSource
	var err error

	if verbose {
		log.Printf("opening %s", path)
	}

	source, err = hibrimage.OpenFile(path)
	if err != nil {
		return fmt.Errorf("unable to open source file: %w", err)
	}

	reader, err := hibrimage.OpenSource(source)
	if err != nil {
		_ = source.Close()
		return fmt.Errorf("unable to open source file: %w", err)
	}
	defer reader.Close()

	meta := reader.Metadata()

	size, err := reader.Size()
	if err != nil {
		return fmt.Errorf("unable to print file information: %w", err)
	}

	fmt.Println("Windows Hibernation File information:")
	fmt.Printf("\tFile variant\t\t\t: %s\n", meta.Variant)
	fmt.Printf("\tPage size\t\t\t: %s\n", humanize.Bytes(uint64(meta.PageSize)))
	fmt.Printf("\tMemory blocks page number\t: %d\n", meta.MemoryBlocksPageNumber)
	fmt.Printf("\tNumber of pages\t\t\t: %d\n", meta.TotalPages)
	fmt.Printf("\tNumber of free pages\t\t: %d\n", meta.FreePages)
	if st := meta.SystemTime(); !st.IsZero() {
		fmt.Printf("\tSystem time\t\t\t: %s\n", st)
	} else {
		fmt.Printf("\tSystem time\t\t\t: (not set)\n")
	}
	fmt.Printf("\tFeature flags\t\t\t: 0x%08x\n", meta.FeatureFlags)
	fmt.Printf("\tHibernation flags\t\t: 0x%02x\n", meta.HibernationFlags)
	fmt.Printf("\tChecksum (unverified)\t\t: 0x%08x\n", meta.Checksum)
	fmt.Printf("\tReconstructed media size\t: %s\n", humanize.Bytes(uint64(size)))

	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "hibrinfo [flags] <source_file>",
		Short:   "Print information about a Windows hibernation file",
		Version: version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printInfo(args[0])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
	rootCmd.Flags().BoolP("version", "V", false, "print version")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
