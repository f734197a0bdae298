package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/azikatti/Berlin-dooh-device/internal/retry"
)

// ManifestEntry describes one media file in a manifest source.
type ManifestEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// MD5 is optional; when present the downloaded file is verified.
	MD5 string `json:"md5,omitempty"`
}

// FetchManifest downloads the manifest at url and then every listed file
// into destDir, using up to workers concurrent downloads. Entries whose
// name would resolve outside destDir are logged and skipped; a worker
// failure is attributed to its entry and fails the whole fetch.
func (f *Fetcher) FetchManifest(ctx context.Context, url, destDir string, workers int) (int, error) {
	if workers <= 0 {
		workers = 3
	}

	entries, err := f.fetchManifestIndex(ctx, url)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, &IntegrityError{Reason: "manifest lists no files"}
	}

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return 0, fmt.Errorf("resolve staging root: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	fetched := 0
	for _, entry := range entries {
		entry := entry
		dest := filepath.Join(absDest, filepath.FromSlash(entry.Name))
		if entry.Name == "" || !pathWithin(absDest, dest) {
			slog.Warn("skipping manifest entry outside staging root", "name", entry.Name)
			continue
		}
		fetched++

		g.Go(func() error {
			if err := f.fetchManifestFile(ctx, entry, dest); err != nil {
				return fmt.Errorf("manifest entry %q: %w", entry.Name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	if fetched == 0 {
		return 0, &IntegrityError{Reason: "no usable entries in manifest"}
	}
	return fetched, nil
}

func (f *Fetcher) fetchManifestIndex(ctx context.Context, url string) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	err := f.policy.Do(ctx, "download manifest", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("User-Agent", f.userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("http get: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("http status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		entries = entries[:0]
		if err := json.Unmarshal(body, &entries); err != nil {
			return fmt.Errorf("parse manifest: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// fetchManifestFile downloads one entry into place, verifying its MD5
// when the manifest carries one. The per-entry retry makes each result
// individually attributable.
func (f *Fetcher) fetchManifestFile(ctx context.Context, entry ManifestEntry, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	// The temp file lives next to its destination so the final rename
	// never crosses a filesystem boundary.
	return f.policy.Do(ctx, "download "+entry.Name, func() error {
		path, size, err := f.downloadToTemp(ctx, entry.URL, filepath.Dir(dest), "media-file-*")
		if err != nil {
			return err
		}

		if entry.MD5 != "" {
			sum, err := fileMD5(path)
			if err != nil {
				os.Remove(path)
				return err
			}
			if !strings.EqualFold(sum, entry.MD5) {
				os.Remove(path)
				return fmt.Errorf("md5 mismatch: got %s want %s", sum, entry.MD5)
			}
		}

		if err := os.Rename(path, dest); err != nil {
			os.Remove(path)
			return fmt.Errorf("move into staging: %w", err)
		}
		slog.Debug("manifest file fetched", "name", entry.Name, "size", size)
		return nil
	})
}

func fileMD5(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := md5.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// pathWithin reports whether path is root or a descendant of root.
func pathWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
