package sinks

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logcollector/internal/types"
)

func events(n int) []types.HECEvent {
	out := make([]types.HECEvent, n)
	for i := range out {
		out[i] = types.HECEvent{Time: 1000, Event: "line", Source: "src"}
	}
	return out
}

// S1: folder sink writes NDJSON and updates index.json with count.
func TestFolderSinkWritesNDJSONAndIndex(t *testing.T) {
	dir := t.TempDir()
	sink := NewFolderSink()
	source := &types.Source{FolderPath: dir}

	require.NoError(t, sink.Deliver(context.Background(), events(3), source))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var jsonFile string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") && e.Name() != "index.json" {
			jsonFile = e.Name()
		}
	}
	require.NotEmpty(t, jsonFile)

	data, err := os.ReadFile(filepath.Join(dir, jsonFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)

	idxData, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var idx indexFile
	require.NoError(t, json.Unmarshal(idxData, &idx))
	require.Len(t, idx.Files, 1)
	assert.Equal(t, 3, idx.Files[0].Count)
}

// S6 / P9: compressed output decompresses to the same NDJSON content.
func TestFolderSinkCompression(t *testing.T) {
	dir := t.TempDir()
	sink := NewFolderSink()
	source := &types.Source{FolderPath: dir, CompressionEnabled: true, CompressionLevel: 9}

	require.NoError(t, sink.Deliver(context.Background(), events(10), source))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var gzFile string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json.gz") {
			gzFile = e.Name()
		}
	}
	require.NotEmpty(t, gzFile)

	f, err := os.Open(filepath.Join(dir, gzFile))
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 10)

	idxData, err := os.ReadFile(filepath.Join(dir, "index.json"))
	require.NoError(t, err)
	var idx indexFile
	require.NoError(t, json.Unmarshal(idxData, &idx))
	assert.True(t, idx.Files[0].Compressed)
	assert.Equal(t, 9, idx.Files[0].CompressionLevel)
}

// P10: HEC success gates exactly on status 200.
func TestHECSinkSuccessOnlyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "text/plain; charset=utf-8", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHECSink()
	source := &types.Source{Name: "s1", HECURL: srv.URL, HECToken: "tok"}
	require.NoError(t, sink.Deliver(context.Background(), events(2), source))
}

func TestHECSinkFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := NewHECSink()
	source := &types.Source{Name: "s1", HECURL: srv.URL, HECToken: "tok"}
	require.Error(t, sink.Deliver(context.Background(), events(1), source))
}
