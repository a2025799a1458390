package pretrained

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/justinsb/sepnet/pkg/blobs"
	"github.com/justinsb/sepnet/pkg/masknn"
	"github.com/justinsb/sepnet/pkg/nn"
	"github.com/justinsb/sepnet/pkg/tensor"
)

func testNetwork(t *testing.T, seed int64) masknn.Network {
	t.Helper()
	net, err := masknn.NewTDCNpp(masknn.TDCNppConfig{
		InChan: 4, NSrc: 2, NBlocks: 2, NRepeats: 2, BNChan: 3, HidChan: 5, SkipChan: masknn.Skip(2),
	}, nn.NewInit(seed))
	if err != nil {
		t.Fatalf("NewTDCNpp: %v", err)
	}
	return net
}

func TestCheckpointRoundTrip(t *testing.T) {
	nets := []masknn.Network{testNetwork(t, 1)}
	sudo, err := masknn.NewSuDORMRF(masknn.SuDORMRFConfig{InChan: 4, NSrc: 2, BNChan: 3, NumBlocks: 1, UpsamplingDepth: 2}, nn.NewInit(1))
	if err != nil {
		t.Fatalf("NewSuDORMRF: %v", err)
	}
	nets = append(nets, sudo)

	x := nn.NewInit(2).Uniform(1, 1, 4, 5)
	for _, net := range nets {
		path := filepath.Join(t.TempDir(), "model.safetensors")
		if err := Save(net, path); err != nil {
			t.Fatalf("Save: %v", err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.Architecture() != net.Architecture() {
			t.Errorf("architecture %q, want %q", loaded.Architecture(), net.Architecture())
		}

		want, err := net.Forward(x)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		got, err := loaded.Forward(x)
		if err != nil {
			t.Fatalf("loaded forward: %v", err)
		}
		if !floatingPointEqual(got.Values(), want.Values()) {
			t.Errorf("%s: loaded network disagrees with the saved one", net.Architecture())
		}
	}
}

func TestCheckpointLayout(t *testing.T) {
	c := &Checkpoint{
		Architecture: "TDConvNet",
		Config:       []byte(`{"in_chan":2}`),
		Tensors: map[string]*tensor.Tensor{
			"b": tensor.MustFromValues([]float32{3}, 1),
			"a": tensor.MustFromValues([]float32{1, 2}, 2),
		},
	}
	var buf bytes.Buffer
	n, err := c.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo reported %d bytes, wrote %d", n, buf.Len())
	}
	b := buf.Bytes()
	headerSize := binary.LittleEndian.Uint64(b[:8])
	if headerSize%8 != 0 {
		t.Errorf("header size %d is not 8-byte aligned", headerSize)
	}
	if payload := b[8+headerSize:]; len(payload) != 12 {
		t.Fatalf("expected 12 payload bytes, got %d", len(payload))
	} else if v := math.Float32frombits(binary.LittleEndian.Uint32(payload[8:])); v != 3 {
		t.Errorf("tensors should be stored in name order, last value is %v", v)
	}
	header := string(b[8 : 8+headerSize])
	for _, want := range []string{`"__metadata__"`, `"architecture":"TDConvNet"`, `"dtype":"F32"`, `"data_offsets":[0,8]`} {
		if !strings.Contains(header, want) {
			t.Errorf("header %s does not contain %s", header, want)
		}
	}

	decoded, err := Read(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if decoded.Architecture != "TDConvNet" || string(decoded.Config) != `{"in_chan":2}` {
		t.Errorf("metadata lost: %+v", decoded)
	}
	if !floatingPointEqual(decoded.Tensors["a"].Values(), []float32{1, 2}) {
		t.Errorf("tensor a = %v", decoded.Tensors["a"])
	}
}

func TestReadRejectsCorruptCheckpoints(t *testing.T) {
	var good bytes.Buffer
	c, err := NewCheckpoint(testNetwork(t, 3))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.WriteTo(&good); err != nil {
		t.Fatal(err)
	}

	grid := map[string][]byte{
		"empty":             nil,
		"truncated":         good.Bytes()[:good.Len()-3],
		"huge":              binary.LittleEndian.AppendUint64(nil, 1<<40),
		"not json":          append(binary.LittleEndian.AppendUint64(nil, 8), []byte("notjson!")...),
		"bad dtype":         withHeader(`{"x":{"dtype":"F16","shape":[1],"data_offsets":[0,2]}}`, 2),
		"gap":               withHeader(`{"x":{"dtype":"F32","shape":[1],"data_offsets":[4,8]}}`, 8),
		"huge shape":        withHeader(`{"w":{"dtype":"F32","shape":[35184372088832],"data_offsets":[0,140737488355328]}}`, 8),
		"overflowing shape": withHeader(`{"w":{"dtype":"F32","shape":[1099511627776,1099511627776,16],"data_offsets":[0,0]}}`, 8),
		"short payload":     withHeader(`{"w":{"dtype":"F32","shape":[268435456],"data_offsets":[0,1073741824]}}`, 8),
	}
	for name, b := range grid {
		if _, err := Read(bytes.NewReader(b)); !errors.Is(err, ErrInvalidCheckpoint) {
			t.Errorf("%s: expected ErrInvalidCheckpoint, got %v", name, err)
		}
	}
}

func withHeader(header string, payload int) []byte {
	b := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	b = append(b, header...)
	return append(b, make([]byte, payload)...)
}

func TestLoadParamsMismatch(t *testing.T) {
	net := testNetwork(t, 4)
	c, err := NewCheckpoint(net)
	if err != nil {
		t.Fatal(err)
	}

	c.Tensors["extra"] = tensor.New(1)
	c.Tensors["scaling_param"] = tensor.New(7)
	delete(c.Tensors, "consistency.bias")
	err = LoadParams(net, c.Tensors)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{`unexpected parameter "extra"`, `parameter "scaling_param" has shape`, `missing parameter "consistency.bias"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

// fakeReader serves checkpoints from memory. The first `failures` calls fail
// with a transient error.
type fakeReader struct {
	checkpoints map[string][]byte
	failures    int
	calls       int
}

func (r *fakeReader) Download(ctx context.Context, info blobs.BlobInfo, destPath string) error {
	r.calls++
	if r.calls <= r.failures {
		return fmt.Errorf("transient failure %d", r.calls)
	}
	b, found := r.checkpoints[info.Key()]
	if !found {
		return fmt.Errorf("no %v: %w", info, os.ErrNotExist)
	}
	return os.WriteFile(destPath, b, 0644)
}

func TestCacheDownload(t *testing.T) {
	ctx := context.Background()
	reader := &fakeReader{checkpoints: map[string][]byte{
		"sudo/main/model.safetensors": []byte("main"),
		"sudo/v1/model.safetensors":   []byte("v1"),
	}}
	cache := &Cache{Dir: t.TempDir(), Reader: reader, Backoff: time.Millisecond}

	first, err := cache.Download(ctx, "sudo")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if want := filepath.Join(cache.Dir, "sudo", "main", "model.safetensors"); first != want {
		t.Errorf("path %q, want %q", first, want)
	}
	again, err := cache.Download(ctx, "sudo@main")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if again != first || reader.calls != 1 {
		t.Errorf("expected cached path without another download (calls=%d)", reader.calls)
	}

	v1, err := cache.Download(ctx, "sudo@v1")
	if err != nil {
		t.Fatalf("Download v1: %v", err)
	}
	if v1 == first {
		t.Errorf("revision v1 resolved to the default path")
	}
	if b, _ := os.ReadFile(v1); string(b) != "v1" {
		t.Errorf("v1 content %q", b)
	}

	if _, err := cache.Download(ctx, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	if reader.calls != 3 {
		t.Errorf("missing checkpoints should not be retried (calls=%d)", reader.calls)
	}

	if _, err := cache.Download(ctx, "../x"); err == nil {
		t.Errorf("expected invalid identifier error")
	}
}

func TestCacheRetries(t *testing.T) {
	ctx := context.Background()
	checkpoints := map[string][]byte{"m/main/model.safetensors": []byte("ok")}

	flaky := &fakeReader{checkpoints: checkpoints, failures: 2}
	cache := &Cache{Dir: t.TempDir(), Reader: flaky, MaxAttempts: 3, Backoff: time.Millisecond}
	if _, err := cache.Download(ctx, "m"); err != nil {
		t.Fatalf("expected success on the third attempt: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("calls=%d, want 3", flaky.calls)
	}

	broken := &fakeReader{checkpoints: checkpoints, failures: 10}
	cache = &Cache{Dir: t.TempDir(), Reader: broken, MaxAttempts: 2, Backoff: time.Millisecond}
	_, err := cache.Download(ctx, "m")
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("expected failure after 2 attempts, got %v", err)
	}
	if broken.calls != 2 {
		t.Errorf("calls=%d, want 2", broken.calls)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	cache = &Cache{Dir: t.TempDir(), Reader: &fakeReader{checkpoints: checkpoints, failures: 10}, MaxAttempts: 5, Backoff: time.Hour}
	if _, err := cache.Download(cancelled, "m"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFromPretrained(t *testing.T) {
	ctx := context.Background()
	net := testNetwork(t, 5)

	store := &blobs.LocalBlobstore{Dir: t.TempDir()}
	src := filepath.Join(t.TempDir(), "model.safetensors")
	if err := Save(net, src); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Upload(ctx, src, blobs.BlobInfo{Name: "tdcnpp", Revision: "r2"}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	cache := &Cache{Dir: t.TempDir(), Reader: store}
	for _, id := range []string{src, "tdcnpp@r2"} {
		loaded, err := cache.FromPretrained(ctx, id)
		if err != nil {
			t.Fatalf("FromPretrained(%q): %v", id, err)
		}
		if loaded.Architecture() != masknn.ArchTDCNpp {
			t.Errorf("%q: architecture %q", id, loaded.Architecture())
		}
	}
	if _, err := cache.FromPretrained(ctx, "tdcnpp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist for unpublished revision, got %v", err)
	}
}

func floatingPointEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-5 {
			return false
		}
	}
	return true
}
