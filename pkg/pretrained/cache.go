package pretrained

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/justinsb/sepnet/pkg/blobs"
	"github.com/justinsb/sepnet/pkg/masknn"
	"k8s.io/klog/v2"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 5 * time.Second
)

// Cache downloads checkpoints from a BlobReader into Dir, once per model
// revision. Files are laid out as Dir/name/revision/model.safetensors.
type Cache struct {
	Dir    string
	Reader blobs.BlobReader

	// MaxAttempts bounds download attempts; zero means 5.
	MaxAttempts int
	// Backoff is the wait between attempts; zero means 5s.
	Backoff time.Duration
}

// Path is where the checkpoint of info is kept.
func (c *Cache) Path(info blobs.BlobInfo) string {
	return filepath.Join(c.Dir, filepath.FromSlash(info.Key()))
}

// Download resolves "name[@revision]" to a local checkpoint path, fetching it
// if it is not cached yet.
func (c *Cache) Download(ctx context.Context, id string) (string, error) {
	info, err := blobs.ParseBlobInfo(id)
	if err != nil {
		return "", err
	}
	return c.DownloadBlob(ctx, info)
}

func (c *Cache) DownloadBlob(ctx context.Context, info blobs.BlobInfo) (string, error) {
	log := klog.FromContext(ctx)

	localPath := c.Path(info)
	if _, err := os.Stat(localPath); err == nil {
		log.V(2).Info("using cached checkpoint", "model", info, "path", localPath)
		return localPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking cache for %v: %w", info, err)
	}
	if c.Reader == nil {
		return "", fmt.Errorf("checkpoint %v is not cached and no source is configured: %w", info, os.ErrNotExist)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.Reader.Download(ctx, info, localPath)
		if err == nil {
			log.Info("cached checkpoint", "model", info, "path", localPath)
			return localPath, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("checkpoint %v: %w", info, err)
		}
		lastErr = err
		log.Error(err, "failed to download checkpoint", "model", info, "attempt", attempt, "maxAttempts", maxAttempts)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", fmt.Errorf("downloading checkpoint %v after %d attempts: %w", info, maxAttempts, lastErr)
}

// FromPretrained loads a network from a checkpoint file path, or from a
// "name[@revision]" identifier resolved through the cache.
func (c *Cache) FromPretrained(ctx context.Context, pathOrID string) (masknn.Network, error) {
	if _, err := os.Stat(pathOrID); err == nil {
		return Load(pathOrID)
	}
	path, err := c.Download(ctx, pathOrID)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(dir, "~/")), nil
}
