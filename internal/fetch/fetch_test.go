package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azikatti/Berlin-dooh-device/internal/retry"
)

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func testPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Delay: time.Millisecond}
}

func TestFetchArchive(t *testing.T) {
	payload := zipBytes(t, map[string]string{"Folder/video.mp4": "bytes"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f := New(Options{Policy: testPolicy(1), TempDir: t.TempDir()})
	path, err := f.FetchArchive(context.Background(), srv.URL)
	require.NoError(t, err)
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchArchiveRetriesCorruptDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("this is not a zip"))
	}))
	defer srv.Close()

	f := New(Options{Policy: testPolicy(2), TempDir: t.TempDir()})
	_, err := f.FetchArchive(context.Background(), srv.URL)
	require.Error(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetchArchiveRetriesServerErrors(t *testing.T) {
	payload := zipBytes(t, map[string]string{"Folder/video.mp4": "bytes"})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	f := New(Options{Policy: testPolicy(3), TempDir: t.TempDir()})
	path, err := f.FetchArchive(context.Background(), srv.URL)
	require.NoError(t, err)
	defer os.Remove(path)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetchArchiveSizeCapIsTerminal(t *testing.T) {
	payload := zipBytes(t, map[string]string{"Folder/video.mp4": "some content worth more than the cap"})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	defer srv.Close()

	f := New(Options{Policy: testPolicy(3), SizeCap: 16, TempDir: t.TempDir()})
	_, err := f.FetchArchive(context.Background(), srv.URL)
	require.Error(t, err)

	var integrity *IntegrityError
	assert.ErrorAs(t, err, &integrity)
	// Oversized content is not retried.
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchArchiveLeavesNoTempOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("garbage"))
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	f := New(Options{Policy: testPolicy(2), TempDir: tempDir})
	_, err := f.FetchArchive(context.Background(), srv.URL)
	require.Error(t, err)

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
