package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/justinsb/sepnet/pkg/blobs"
	"github.com/justinsb/sepnet/pkg/pretrained"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	listen := ":8080"
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		// We expect CACHE_DIR to be set when running on kubernetes, but default sensibly for local dev
		cacheDir = "~/.cache/model-store/checkpoints"
	}
	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.StringVar(&cacheDir, "cache-dir", cacheDir, "cache directory")
	anonymous := false
	flag.BoolVar(&anonymous, "anonymous", anonymous, "read the GCS bucket without credentials")
	verify := true
	flag.BoolVar(&verify, "verify", verify, "verify cached checkpoints on startup and drop corrupt ones")

	klog.InitFlags(nil)

	flag.Parse()

	cacheDir, err := pretrained.ExpandHome(cacheDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}

	cacheBucket := os.Getenv("CACHE_BUCKET")
	if cacheBucket == "" {
		return fmt.Errorf("must specify CACHE_BUCKET env var")
	}

	blobstore, err := blobs.ParseStoreURL(cacheBucket, anonymous)
	if err != nil {
		return fmt.Errorf("parsing CACHE_BUCKET: %w", err)
	}
	log.Info("using checkpoint store", "url", cacheBucket, "anonymous", anonymous)

	if verify {
		dropped, err := verifyCache(ctx, cacheDir)
		if err != nil {
			return err
		}
		log.Info("verified cache", "dir", cacheDir, "dropped", dropped)
	}

	blobCache := &blobCache{
		cache: &pretrained.Cache{
			Dir:    cacheDir,
			Reader: blobstore,
		},
	}

	s := &httpServer{
		blobCache: blobCache,
	}

	klog.Infof("serving on %q", listen)
	if err := http.ListenAndServe(listen, s); err != nil {
		return fmt.Errorf("serving on %q: %w", listen, err)
	}

	return nil
}

type httpServer struct {
	blobCache *blobCache
}

// ServeHTTP serves GET /<name>/<revision>/model.safetensors.
func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info, err := blobs.ParseKey(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != "GET" && r.Method != "HEAD" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.serveGETBlob(w, r, info)
}

func (s *httpServer) serveGETBlob(w http.ResponseWriter, r *http.Request, info blobs.BlobInfo) {
	ctx := r.Context()

	log := klog.FromContext(ctx)

	f, err := s.blobCache.GetBlob(ctx, info)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		log.Error(err, "error getting checkpoint", "model", info)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	p := f.Name()

	klog.Infof("serving checkpoint %q", p)
	http.ServeFile(w, r, p)
}

type blobCache struct {
	cache *pretrained.Cache

	// downloads coalesces concurrent requests for the same checkpoint.
	downloads singleflight.Group
}

func (c *blobCache) GetBlob(ctx context.Context, info blobs.BlobInfo) (*os.File, error) {
	localPath := c.cache.Path(info)
	f, err := os.Open(localPath)
	if err == nil {
		return f, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening checkpoint %v: %w", info, err)
	}

	_, err, _ = c.downloads.Do(info.Key(), func() (any, error) {
		// Detach from the request so one cancelled client does not fail the
		// others waiting on the same download.
		return c.cache.DownloadBlob(context.WithoutCancel(ctx), info)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "checkpoint %v not found", info)
		}
		return nil, err
	}

	f, err = os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("opening downloaded checkpoint %v: %w", info, err)
	}
	return f, nil
}

// verifyCache decodes every cached checkpoint and removes the ones that fail,
// so they are fetched again on the next request.
func verifyCache(ctx context.Context, dir string) (int, error) {
	log := klog.FromContext(ctx)

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == blobs.CheckpointFile {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning cache directory %q: %w", dir, err)
	}

	corrupt := make([]bool, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := pretrained.ReadFile(path); err != nil {
				if !errors.Is(err, pretrained.ErrInvalidCheckpoint) {
					return err
				}
				log.Error(err, "dropping corrupt checkpoint", "path", path)
				corrupt[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("verifying cache: %w", err)
	}

	dropped := 0
	for i, path := range paths {
		if !corrupt[i] {
			continue
		}
		if err := os.Remove(path); err != nil {
			return dropped, fmt.Errorf("removing corrupt checkpoint %q: %w", path, err)
		}
		dropped++
	}
	return dropped, nil
}
