package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Extract unpacks the downloaded zip into stagingRoot and returns the
// number of files written.
//
// Dropbox folder zips wrap everything in a single top-level directory
// ("Folder/video.mp4"); that leading segment is stripped. Directory
// entries and hidden (dot-prefixed) names are skipped. Any entry whose
// resolved destination falls outside stagingRoot is rejected and logged;
// a rejected entry is not fatal, an unreadable archive is.
func Extract(archivePath, stagingRoot string) (int, error) {
	reader, err := zip.OpenReader(archivePath)
	// Traversal names are handled by the containment check below, entry
	// by entry, so the reader-level path screening is not needed.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	absRoot, err := filepath.Abs(stagingRoot)
	if err != nil {
		return 0, fmt.Errorf("resolve staging root: %w", err)
	}

	extracted := 0
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}

		rel := stripTopFolder(entry.Name)
		if rel == "" || hasHiddenComponent(rel) {
			continue
		}

		dest := filepath.Join(absRoot, filepath.FromSlash(rel))
		if !pathWithin(absRoot, dest) {
			slog.Warn("rejecting archive entry outside staging root", "entry", entry.Name)
			continue
		}

		if err := writeEntry(entry, dest); err != nil {
			return extracted, fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		slog.Debug("extracted", "file", rel)
		extracted++
	}
	return extracted, nil
}

func writeEntry(entry *zip.File, dest string) error {
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// stripTopFolder drops the single wrapper directory from a zip entry
// name. Zip names always use forward slashes.
func stripTopFolder(name string) string {
	name = path.Clean(name)
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// hasHiddenComponent reports dot-prefixed names like ".DS_Store".
// ".." is not hidden; traversal is the containment check's business.
func hasHiddenComponent(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") && part != ".." {
			return true
		}
	}
	return false
}

func pathWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
