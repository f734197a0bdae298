package fetch

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/azikatti/Berlin-dooh-device/internal/retry"
)

// DefaultUserAgent identifies the device to the archive host. Dropbox
// shared-folder links refuse requests without a browser-like agent.
const DefaultUserAgent = "Mozilla/5.0 (compatible; dooh-media-sync/2.0)"

// IntegrityError marks a download that is corrupt or over the size cap.
// It is terminal for its cause: the next attempt would fetch the same
// oversized or broken content.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "archive integrity: " + e.Reason
}

// Options configures a Fetcher.
type Options struct {
	Policy    retry.Policy
	SizeCap   int64
	UserAgent string
	TempDir   string
	Timeout   time.Duration
}

// Fetcher retrieves remote content into local temp files.
type Fetcher struct {
	client    *http.Client
	policy    retry.Policy
	sizeCap   int64
	userAgent string
	tempDir   string
}

// New builds a Fetcher. The client follows redirects and keeps cookies,
// which Dropbox folder links require.
func New(opts Options) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	jar, _ := cookiejar.New(nil)
	return &Fetcher{
		client: &http.Client{
			Jar:     jar,
			Timeout: opts.Timeout,
		},
		policy:    opts.Policy,
		sizeCap:   opts.SizeCap,
		userAgent: opts.UserAgent,
		tempDir:   opts.TempDir,
	}
}

// FetchArchive downloads url into a temp zip file and verifies its
// central directory. On success exactly one valid temp file exists and
// its path is returned; on failure partial data has been removed.
func (f *Fetcher) FetchArchive(ctx context.Context, url string) (string, error) {
	var archivePath string
	err := f.policy.Do(ctx, "download archive", func() error {
		path, size, err := f.downloadToTemp(ctx, url, f.tempDir, "media-*.zip")
		if err != nil {
			return err
		}
		if err := verifyZip(path); err != nil {
			os.Remove(path)
			return fmt.Errorf("downloaded archive is not usable: %w", err)
		}
		slog.Info("archive downloaded", "size", humanize.Bytes(uint64(size)))
		archivePath = path
		return nil
	})
	if err != nil {
		return "", err
	}
	return archivePath, nil
}

// downloadToTemp streams a GET response into a fresh temp file. Reaching
// the size cap aborts the attempt with a permanent IntegrityError.
func (f *Fetcher) downloadToTemp(ctx context.Context, url, dir, pattern string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fmt.Errorf("http status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", 0, retry.Permanent(fmt.Errorf("create temp file: %w", err))
	}

	written, err := io.Copy(tmp, f.capReader(resp.Body))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && f.sizeCap > 0 && written > f.sizeCap {
		err = retry.Permanent(&IntegrityError{
			Reason: fmt.Sprintf("download exceeds size cap of %s", humanize.Bytes(uint64(f.sizeCap))),
		})
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return tmp.Name(), written, nil
}

// capReader bounds the stream at one byte past the cap so an oversized
// body is detected without reading it to the end.
func (f *Fetcher) capReader(r io.Reader) io.Reader {
	if f.sizeCap <= 0 {
		return r
	}
	return io.LimitReader(r, f.sizeCap+1)
}

// verifyZip runs a listing pass over the archive's central directory.
func verifyZip(path string) error {
	r, err := zip.OpenReader(path)
	// Traversal names are rejected at extraction, not here.
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	files := 0
	for _, entry := range r.File {
		if !entry.FileInfo().IsDir() {
			files++
		}
	}
	if files == 0 {
		return &IntegrityError{Reason: "archive contains no files"}
	}
	return nil
}
