package blobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseBlobInfo(t *testing.T) {
	grid := []struct {
		id      string
		want    BlobInfo
		key     string
		wantErr bool
	}{
		{id: "sudormrf", want: BlobInfo{Name: "sudormrf"}, key: "sudormrf/main/model.safetensors"},
		{id: "wham/tdcnpp@v2", want: BlobInfo{Name: "wham/tdcnpp", Revision: "v2"}, key: "wham/tdcnpp/v2/model.safetensors"},
		{id: "", wantErr: true},
		{id: "../etc@main", wantErr: true},
		{id: "a//b", wantErr: true},
		{id: "model@", want: BlobInfo{Name: "model"}, key: "model/main/model.safetensors"},
		{id: "model@a/b", wantErr: true},
		{id: "with space", wantErr: true},
	}
	for _, g := range grid {
		got, err := ParseBlobInfo(g.id)
		if g.wantErr {
			if err == nil {
				t.Errorf("ParseBlobInfo(%q): expected error, got %+v", g.id, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBlobInfo(%q): %v", g.id, err)
			continue
		}
		if got != g.want {
			t.Errorf("ParseBlobInfo(%q) = %+v, want %+v", g.id, got, g.want)
		}
		if got.Key() != g.key {
			t.Errorf("%q: key %q, want %q", g.id, got.Key(), g.key)
		}

		parsed, err := ParseKey(got.Key())
		if err != nil {
			t.Errorf("ParseKey(%q): %v", got.Key(), err)
			continue
		}
		if parsed.Key() != got.Key() {
			t.Errorf("ParseKey(%q) = %+v", got.Key(), parsed)
		}
	}

	for _, key := range []string{"model.safetensors", "x/model.bin", "/main/model.safetensors"} {
		if _, err := ParseKey(key); err == nil {
			t.Errorf("ParseKey(%q): expected error", key)
		}
	}
}

func TestParseStoreURL(t *testing.T) {
	grid := []struct {
		url     string
		want    Blobstore
		wantErr bool
	}{
		{url: "gs://models", want: &GCSBlobstore{Bucket: "models", Anonymous: true}},
		{url: "gs://models/", want: &GCSBlobstore{Bucket: "models", Anonymous: true}},
		{url: "file:///var/cache/models", want: &LocalBlobstore{Dir: "/var/cache/models"}},
		{url: "gs://", wantErr: true},
		{url: "gs://models/prefix", wantErr: true},
		{url: "file://", wantErr: true},
		{url: "/var/cache/models", wantErr: true},
		{url: "s3://models", wantErr: true},
		{url: "", wantErr: true},
	}
	for _, g := range grid {
		got, err := ParseStoreURL(g.url, true)
		if g.wantErr {
			if err == nil {
				t.Errorf("ParseStoreURL(%q): expected error, got %#v", g.url, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStoreURL(%q): %v", g.url, err)
			continue
		}
		if !reflect.DeepEqual(got, g.want) {
			t.Errorf("ParseStoreURL(%q) = %#v, want %#v", g.url, got, g.want)
		}
	}
}

func TestLocalBlobstore(t *testing.T) {
	ctx := context.Background()
	store := &LocalBlobstore{Dir: t.TempDir()}
	info := BlobInfo{Name: "tdconvnet", Revision: "r1"}

	dest := filepath.Join(t.TempDir(), "out")
	if err := store.Download(ctx, info, dest); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist before upload, got %v", err)
	}

	src := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(src, []byte("first"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := store.Upload(ctx, src, info); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	// A second upload of the same key is a no-op.
	if err := os.WriteFile(src, []byte("second"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := store.Upload(ctx, src, info); err != nil {
		t.Fatalf("second Upload: %v", err)
	}

	if err := store.Download(ctx, info, dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first" {
		t.Errorf("got %q, want %q", got, "first")
	}

	if err := store.Download(ctx, BlobInfo{Name: "tdconvnet"}, dest); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist for other revision, got %v", err)
	}
}

func TestModelServerDownload(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wham/sudormrf/main/model.safetensors":
			w.Write([]byte("checkpoint"))
		case "/broken/main/model.safetensors":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	reader := &ModelServer{BlobserverURL: u, HTTPClient: server.Client()}
	dir := t.TempDir()

	dest := filepath.Join(dir, "ok")
	if err := reader.Download(ctx, BlobInfo{Name: "wham/sudormrf"}, dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "checkpoint" {
		t.Errorf("got %q", got)
	}

	missing := filepath.Join(dir, "missing")
	if err := reader.Download(ctx, BlobInfo{Name: "nope"}, missing); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Errorf("no file should be written for a missing checkpoint")
	}

	err = reader.Download(ctx, BlobInfo{Name: "broken"}, filepath.Join(dir, "broken"))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a non-NotExist error for a server failure, got %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the downloaded file in %s, found %d entries", dir, len(entries))
	}
}
