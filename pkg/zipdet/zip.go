// Package zipdet builds deterministic ZIP archives: identical inputs yield
// identical bytes. Used for every artifact we sign or hash (audit packets,
// close packs, onboarding packs). External ZIPs may use DEFLATE; ours use
// STORE with a fixed modification time so byte equality holds.
package zipdet

import (
	"archive/zip"
	"bytes"
	"fmt"
	"sort"
	"time"
)

// fixedModTime is the modification time stamped on every entry.
var fixedModTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Entry is a single file inside the archive.
type Entry struct {
	Path string
	Body []byte
}

// Build assembles entries into a deterministic ZIP. Entries are sorted by
// path lexicographically; duplicate paths are rejected.
func Build(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	seen := make(map[string]struct{}, len(sorted))
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, e := range sorted {
		if e.Path == "" {
			return nil, fmt.Errorf("zipdet: entry with empty path")
		}
		if _, dup := seen[e.Path]; dup {
			return nil, fmt.Errorf("zipdet: duplicate entry path %q", e.Path)
		}
		seen[e.Path] = struct{}{}

		hdr := &zip.FileHeader{
			Name:   e.Path,
			Method: zip.Store,
		}
		hdr.SetMode(0o644)
		hdr.Modified = fixedModTime

		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zipdet: create %q: %w", e.Path, err)
		}
		if _, err := fw.Write(e.Body); err != nil {
			return nil, fmt.Errorf("zipdet: write %q: %w", e.Path, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zipdet: close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// List reads back the entry paths of an archive, in stored order.
func List(archive []byte) ([]string, error) {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("zipdet: open archive: %w", err)
	}
	paths := make([]string, 0, len(r.File))
	for _, f := range r.File {
		paths = append(paths, f.Name)
	}
	return paths, nil
}

// Read extracts one entry from an archive.
func Read(archive []byte, path string) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("zipdet: open archive: %w", err)
	}
	for _, f := range r.File {
		if f.Name != path {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("zipdet: open entry %q: %w", path, err)
		}
		defer func() { _ = rc.Close() }()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(rc); err != nil {
			return nil, fmt.Errorf("zipdet: read entry %q: %w", path, err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("zipdet: entry %q not found", path)
}
