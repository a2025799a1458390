package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/justinsb/sepnet/pkg/blobs"
	"github.com/justinsb/sepnet/pkg/pretrained"
)

func TestServeCheckpoints(t *testing.T) {
	ctx := context.Background()
	upstream := &blobs.LocalBlobstore{Dir: t.TempDir()}
	src := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(src, []byte("weights"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := upstream.Upload(ctx, src, blobs.BlobInfo{Name: "wham/sudormrf", Revision: "v1"}); err != nil {
		t.Fatal(err)
	}

	cacheDir := t.TempDir()
	server := httptest.NewServer(&httpServer{
		blobCache: &blobCache{cache: &pretrained.Cache{Dir: cacheDir, Reader: upstream}},
	})
	defer server.Close()

	grid := []struct {
		method string
		path   string
		status int
		body   string
	}{
		{"GET", "/wham/sudormrf/v1/model.safetensors", http.StatusOK, "weights"},
		// Served from the local cache the second time.
		{"GET", "/wham/sudormrf/v1/model.safetensors", http.StatusOK, "weights"},
		{"GET", "/wham/sudormrf/main/model.safetensors", http.StatusNotFound, ""},
		{"GET", "/wham/../etc/v1/model.safetensors", http.StatusNotFound, ""},
		{"GET", "/model.bin", http.StatusNotFound, ""},
		{"POST", "/wham/sudormrf/v1/model.safetensors", http.StatusMethodNotAllowed, ""},
	}
	for _, g := range grid {
		req, err := http.NewRequest(g.method, server.URL+g.path, nil)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := server.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", g.method, g.path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != g.status {
			t.Errorf("%s %s: status %d, want %d", g.method, g.path, resp.StatusCode, g.status)
		}
		if g.body != "" && string(body) != g.body {
			t.Errorf("%s %s: body %q, want %q", g.method, g.path, body, g.body)
		}
	}

	if _, err := os.Stat(filepath.Join(cacheDir, "wham", "sudormrf", "v1", blobs.CheckpointFile)); err != nil {
		t.Errorf("expected checkpoint to be cached: %v", err)
	}
}

func TestVerifyCache(t *testing.T) {
	dir := t.TempDir()
	cache := &pretrained.Cache{Dir: dir}

	good := cache.Path(blobs.BlobInfo{Name: "good"})
	bad := cache.Path(blobs.BlobInfo{Name: "bad"})
	for _, p := range []string{good, bad} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
	}
	c := &pretrained.Checkpoint{Architecture: "TDConvNet"}
	f, err := os.Create(good)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.WriteTo(f); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	dropped, err := verifyCache(context.Background(), dir)
	if err != nil {
		t.Fatalf("verifyCache: %v", err)
	}
	if dropped != 1 {
		t.Errorf("dropped %d, want 1", dropped)
	}
	if _, err := os.Stat(good); err != nil {
		t.Errorf("valid checkpoint removed: %v", err)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Errorf("corrupt checkpoint kept: %v", err)
	}
}
