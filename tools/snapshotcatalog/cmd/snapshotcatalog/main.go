package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	snapshotcatalog "crep/timeline/tools/snapshotcatalog"
)

func main() {
	dir := flag.String("dir", ".", "snapshot directory to catalogue")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := snapshotcatalog.List(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := snapshotcatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		meta := entry.Metadata
		fmt.Printf("%s (%d entries, %d bytes)\n", entry.BucketKey, meta.EntryCount, meta.FileSize)
		fmt.Printf("  window: %s .. %s\n",
			time.UnixMilli(meta.BucketStartMs).UTC().Format(time.RFC3339),
			time.UnixMilli(meta.BucketEndMs).UTC().Format(time.RFC3339))
		fmt.Printf("  file: %s\n", meta.FilePath)
	}
}
