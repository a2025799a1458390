package blobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// LocalBlobstore keeps checkpoints in a directory tree laid out by key.
type LocalBlobstore struct {
	Dir string
}

var _ Blobstore = (*LocalBlobstore)(nil)

func (s *LocalBlobstore) path(info BlobInfo) string {
	return filepath.Join(s.Dir, filepath.FromSlash(info.Key()))
}

func (s *LocalBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	src, err := os.Open(s.path(info))
	if err != nil {
		// os.ErrNotExist is preserved for callers.
		return fmt.Errorf("opening checkpoint %v: %w", info, err)
	}
	defer src.Close()

	n, err := writeToFile(ctx, src, destPath)
	if err != nil {
		return fmt.Errorf("copying checkpoint %v: %w", info, err)
	}
	klog.FromContext(ctx).V(2).Info("copied checkpoint", "model", info, "destination", destPath, "bytes", n)
	return nil
}

func (s *LocalBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)

	dest := s.path(info)
	if _, err := os.Stat(dest); err == nil {
		log.Info("checkpoint already exists", "path", dest)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking %q: %w", dest, err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", dest, err)
	}
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	n, err := writeToFile(ctx, src, dest)
	if err != nil {
		return fmt.Errorf("storing checkpoint %v: %w", info, err)
	}
	log.Info("stored checkpoint", "path", dest, "bytes", n)
	return nil
}
