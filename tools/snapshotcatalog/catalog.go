// Package snapshotcatalog lists the compressed timeline buckets under a
// snapshot directory, for operators inspecting what history is on disk.
package snapshotcatalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/snapshot"
)

// Entry pairs a bucket key with its index metadata.
type Entry struct {
	BucketKey string            `json:"bucket_key"`
	Metadata  snapshot.Metadata `json:"metadata"`
}

// List opens the snapshot store rooted at dir and returns its bucket index
// sorted by bucket key (entity type, then day, then hour).
func List(dir string) ([]Entry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("snapshot directory must be provided")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("snapshot path must be a directory")
	}

	store, err := snapshot.New(dir, logging.L())
	if err != nil {
		return nil, err
	}
	index := store.Index()
	entries := make([]Entry, 0, len(index))
	for key, meta := range index {
		entries = append(entries, Entry{BucketKey: key, Metadata: meta})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].BucketKey < entries[j].BucketKey })
	return entries, nil
}

// MarshalEntries produces a stable JSON representation for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	//1.- Marshal with indentation to keep CLI output legible for operators.
	return json.MarshalIndent(entries, "", "  ")
}
