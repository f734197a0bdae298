package playlist

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

// CanonicalName is the playlist filename the content folder is expected
// to carry.
const CanonicalName = "playlist.m3u"

var (
	// ErrNotFound means the staging tree carries no playlist at all.
	ErrNotFound = errors.New("no playlist found")
	// ErrNoEntries means validation dropped every media reference. A
	// playlist with nothing playable is not a valid sync result.
	ErrNoEntries = errors.New("no playable entries survived validation")
)

// Result summarizes a validation pass.
type Result struct {
	// RelPath is the playlist location relative to the staging root.
	RelPath string
	Kept    int
	Dropped int
}

// Find locates the playlist within root: the canonical name first, then
// the first *.m3u in the top level.
func Find(root string) (string, error) {
	canonical := filepath.Join(root, CanonicalName)
	if _, err := os.Stat(canonical); err == nil {
		return canonical, nil
	}

	matches, err := filepath.Glob(filepath.Join(root, "*.m3u"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", ErrNotFound
	}
	sort.Strings(matches)
	return matches[0], nil
}

// Validate rewrites the staged playlist so every surviving entry is a
// root-relative reference to a file that exists inside root.
//
// Directive and blank lines are preserved verbatim. A media reference is
// resolved against root whether it was stored absolute or relative;
// references escaping root or pointing at missing files are dropped with
// a warning. The rewrite is published under the playlist's original name
// via temp-file-then-rename, so a crash mid-write never leaves a
// half-written playlist visible.
func Validate(root string) (*Result, error) {
	playlistPath, err := Find(root)
	if err != nil {
		return nil, err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}

	data, err := os.ReadFile(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}

	res := &Result{}
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}

		rel, ok := resolveEntry(absRoot, trimmed)
		if !ok {
			res.Dropped++
			continue
		}
		out = append(out, rel)
		res.Kept++
	}

	if res.Kept == 0 {
		return nil, fmt.Errorf("%s: %w", filepath.Base(playlistPath), ErrNoEntries)
	}

	if err := writeAtomic(playlistPath, strings.Join(out, "\n")+"\n"); err != nil {
		return nil, fmt.Errorf("rewrite playlist: %w", err)
	}

	res.RelPath, err = filepath.Rel(absRoot, playlistPath)
	if err != nil {
		return nil, fmt.Errorf("playlist location: %w", err)
	}

	slog.Info("playlist validated",
		"playlist", res.RelPath,
		"kept", res.Kept,
		"dropped", res.Dropped,
	)
	return res, nil
}

// resolveEntry maps one media reference to a root-relative path, or
// reports it unusable. Absolute references are reduced to their
// filename; the absolute prefix belonged to whatever machine exported
// the playlist.
func resolveEntry(absRoot, ref string) (string, bool) {
	candidate := ref
	if filepath.IsAbs(candidate) || strings.Contains(candidate, "://") {
		candidate = filepath.Base(filepath.FromSlash(candidate))
	}

	dest := filepath.Join(absRoot, filepath.FromSlash(candidate))
	if !pathWithin(absRoot, dest) {
		slog.Warn("dropping playlist entry outside staging root", "entry", ref)
		return "", false
	}

	if _, err := os.Stat(dest); err != nil {
		// Exported playlists sometimes reference files that moved into a
		// subfolder; search by filename before giving up.
		if found := searchByName(absRoot, filepath.Base(dest)); found != "" {
			dest = found
		} else {
			slog.Warn("dropping playlist entry, media file missing", "entry", ref)
			return "", false
		}
	}

	rel, err := filepath.Rel(absRoot, dest)
	if err != nil {
		slog.Warn("dropping unresolvable playlist entry", "entry", ref, "err", err)
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func searchByName(root, name string) string {
	var found string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || found != "" || d.IsDir() {
			return nil
		}
		if d.Name() == name {
			found = path
		}
		return nil
	})
	return found
}

func writeAtomic(path, content string) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending playlist: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.WriteString(content); err != nil {
		return fmt.Errorf("write pending playlist: %w", err)
	}
	return pending.CloseAtomicallyReplace()
}

func pathWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
