package blobs

import (
	"context"
	"fmt"
	"path"
	"strings"
)

type BlobReader interface {
	// If no such object exists, Download should return an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

type Blobstore interface {
	BlobReader
	// Upload uploads the file at sourcePath to the blobstore, using info.Key() as the object key.
	// If an object with the same key already exists, Upload should do nothing and return no error.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

const (
	// DefaultRevision is used when a model is requested without a revision.
	DefaultRevision = "main"

	// CheckpointFile is the object name of a model checkpoint within a revision.
	CheckpointFile = "model.safetensors"
)

// BlobInfo identifies one revision of a model checkpoint.
type BlobInfo struct {
	// Name is the model name; it may contain slashes, e.g. "wham/sudormrf".
	Name string
	// Revision is the model version; empty means DefaultRevision.
	Revision string
}

// ParseBlobInfo parses a model identifier of the form "name[@revision]".
func ParseBlobInfo(id string) (BlobInfo, error) {
	name, revision, _ := strings.Cut(id, "@")
	info := BlobInfo{Name: name, Revision: revision}
	if err := info.Validate(); err != nil {
		return BlobInfo{}, err
	}
	return info, nil
}

// ParseKey is the inverse of BlobInfo.Key.
func ParseKey(key string) (BlobInfo, error) {
	prefix, found := strings.CutSuffix(key, "/"+CheckpointFile)
	if !found {
		return BlobInfo{}, fmt.Errorf("key %q does not name a checkpoint", key)
	}
	i := strings.LastIndex(prefix, "/")
	if i < 0 {
		return BlobInfo{}, fmt.Errorf("key %q has no revision", key)
	}
	info := BlobInfo{Name: prefix[:i], Revision: prefix[i+1:]}
	if err := info.Validate(); err != nil {
		return BlobInfo{}, err
	}
	return info, nil
}

func (i BlobInfo) revision() string {
	if i.Revision == "" {
		return DefaultRevision
	}
	return i.Revision
}

// Key is the object key of the checkpoint: name/revision/model.safetensors.
func (i BlobInfo) Key() string {
	return path.Join(i.Name, i.revision(), CheckpointFile)
}

func (i BlobInfo) String() string {
	return i.Name + "@" + i.revision()
}

// Validate rejects names and revisions that would escape the key namespace.
func (i BlobInfo) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("model name must not be empty")
	}
	for _, segment := range strings.Split(i.Name, "/") {
		if err := validateSegment(segment); err != nil {
			return fmt.Errorf("invalid model name %q: %w", i.Name, err)
		}
	}
	if i.Revision != "" {
		if err := validateSegment(i.Revision); err != nil {
			return fmt.Errorf("invalid revision %q: %w", i.Revision, err)
		}
	}
	return nil
}

func validateSegment(s string) error {
	if s == "" || s == "." || s == ".." {
		return fmt.Errorf("empty or relative path segment")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("unexpected character %q", r)
		}
	}
	return nil
}

// ParseStoreURL returns the Blobstore named by s: gs://<bucket> for a GCS
// bucket, or file://<path> for a local directory. Anonymous only applies to GCS.
func ParseStoreURL(s string, anonymous bool) (Blobstore, error) {
	if bucket, ok := strings.CutPrefix(s, "gs://"); ok {
		bucket = strings.TrimSuffix(bucket, "/")
		if bucket == "" || strings.Contains(bucket, "/") {
			return nil, fmt.Errorf("invalid GCS bucket in %q", s)
		}
		return &GCSBlobstore{Bucket: bucket, Anonymous: anonymous}, nil
	}
	if dir, ok := strings.CutPrefix(s, "file://"); ok {
		if dir == "" {
			return nil, fmt.Errorf("missing directory in %q", s)
		}
		return &LocalBlobstore{Dir: dir}, nil
	}
	return nil, fmt.Errorf("blob store %q must be a GCS bucket URL (gs://<bucketName>) or a directory (file://<path>)", s)
}
