// Package pretrained stores mask networks as checkpoint files and fetches
// published checkpoints into a local cache.
package pretrained

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/justinsb/sepnet/pkg/masknn"
	"github.com/justinsb/sepnet/pkg/nn"
	"github.com/justinsb/sepnet/pkg/tensor"
)

// Checkpoints use the safetensors layout: a little-endian uint64 header
// length, a JSON header describing every tensor, then the raw F32 payload.
const (
	dtypeF32 = "F32"

	metadataKey     = "__metadata__"
	architectureKey = "architecture"
	configKey       = "config"

	// maxHeaderSize bounds the header allocation for corrupt files.
	maxHeaderSize = 100 << 20

	// maxTensorElements bounds a single tensor; larger shapes are corrupt.
	maxTensorElements = 1 << 30

	// readChunk is the number of values decoded per read, so the payload
	// buffer only grows as far as the file actually extends.
	readChunk = 1 << 16
)

var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Checkpoint is a decoded checkpoint file.
type Checkpoint struct {
	Architecture string
	Config       json.RawMessage
	Tensors      map[string]*tensor.Tensor
}

// NewCheckpoint captures the architecture, config and parameters of net.
func NewCheckpoint(net masknn.Network) (*Checkpoint, error) {
	config, err := json.Marshal(net.ConfigSnapshot())
	if err != nil {
		return nil, fmt.Errorf("encoding %s config: %w", net.Architecture(), err)
	}
	params, err := nn.Params(net)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Architecture: net.Architecture(),
		Config:       config,
		Tensors:      params,
	}, nil
}

func (c *Checkpoint) names() []string {
	names := make([]string, 0, len(c.Tensors))
	for name := range c.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteTo encodes the checkpoint.
func (c *Checkpoint) WriteTo(w io.Writer) (int64, error) {
	header := map[string]any{
		metadataKey: map[string]string{
			architectureKey: c.Architecture,
			configKey:       string(c.Config),
		},
	}
	var offset int64
	names := c.names()
	for _, name := range names {
		t := c.Tensors[name]
		size := int64(t.Len()) * 4
		header[name] = tensorInfo{
			DType:       dtypeF32,
			Shape:       t.Shape(),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("encoding checkpoint header: %w", err)
	}
	// Pad with spaces so the payload starts 8-byte aligned.
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	bw := bufio.NewWriter(w)
	var written int64
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return written, err
	}
	written += 8
	n, err := bw.Write(headerBytes)
	written += int64(n)
	if err != nil {
		return written, err
	}

	var buf [4]byte
	for _, name := range names {
		for _, v := range c.Tensors[name].Values() {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			n, err := bw.Write(buf[:])
			written += int64(n)
			if err != nil {
				return written, err
			}
		}
	}
	return written, bw.Flush()
}

// Read decodes a checkpoint.
func Read(r io.Reader) (*Checkpoint, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("%w: reading header size: %v", ErrInvalidCheckpoint, err)
	}
	if headerSize > maxHeaderSize {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrInvalidCheckpoint, headerSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrInvalidCheckpoint, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding header: %v", ErrInvalidCheckpoint, err)
	}

	c := &Checkpoint{Tensors: make(map[string]*tensor.Tensor)}
	if m, found := raw[metadataKey]; found {
		var metadata map[string]string
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, fmt.Errorf("%w: decoding metadata: %v", ErrInvalidCheckpoint, err)
		}
		c.Architecture = metadata[architectureKey]
		if config := metadata[configKey]; config != "" {
			c.Config = json.RawMessage(config)
		}
		delete(raw, metadataKey)
	}

	type entry struct {
		name string
		info tensorInfo
	}
	entries := make([]entry, 0, len(raw))
	for name, m := range raw {
		var info tensorInfo
		if err := json.Unmarshal(m, &info); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrInvalidCheckpoint, name, err)
		}
		if info.DType != dtypeF32 {
			return nil, fmt.Errorf("%w: tensor %q has unsupported dtype %q", ErrInvalidCheckpoint, name, info.DType)
		}
		entries = append(entries, entry{name: name, info: info})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].info.DataOffsets[0] < entries[j].info.DataOffsets[0]
	})

	br := bufio.NewReader(r)
	var position int64
	for _, e := range entries {
		begin, end := e.info.DataOffsets[0], e.info.DataOffsets[1]
		elements := int64(1)
		for _, d := range e.info.Shape {
			if d < 0 {
				return nil, fmt.Errorf("%w: tensor %q has negative dimension", ErrInvalidCheckpoint, e.name)
			}
			if d > maxTensorElements {
				return nil, fmt.Errorf("%w: tensor %q has shape %v", ErrInvalidCheckpoint, e.name, e.info.Shape)
			}
			elements *= int64(d)
			if elements > maxTensorElements {
				return nil, fmt.Errorf("%w: tensor %q has shape %v", ErrInvalidCheckpoint, e.name, e.info.Shape)
			}
		}
		if begin != position || end-begin != elements*4 {
			return nil, fmt.Errorf("%w: tensor %q has offsets [%d, %d), expected [%d, %d)", ErrInvalidCheckpoint, e.name, begin, end, position, position+elements*4)
		}
		values, err := readValues(br, int(elements))
		if err != nil {
			return nil, fmt.Errorf("%w: reading tensor %q: %v", ErrInvalidCheckpoint, e.name, err)
		}
		t, err := tensor.FromValues(values, e.info.Shape...)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrInvalidCheckpoint, e.name, err)
		}
		position = end
		c.Tensors[e.name] = t
	}
	return c, nil
}

// readValues decodes n little-endian float32 values.
func readValues(r io.Reader, n int) ([]float32, error) {
	values := make([]float32, 0, min(n, readChunk))
	buf := make([]byte, 4*min(n, readChunk))
	for len(values) < n {
		chunk := buf[:4*min(n-len(values), readChunk)]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, err
		}
		for i := 0; i < len(chunk); i += 4 {
			values = append(values, math.Float32frombits(binary.LittleEndian.Uint32(chunk[i:])))
		}
	}
	return values, nil
}

// Build reconstructs the network described by the checkpoint and loads its
// parameters. Missing, unexpected or mis-shaped parameters are errors.
func (c *Checkpoint) Build() (masknn.Network, error) {
	if c.Architecture == "" {
		return nil, fmt.Errorf("%w: no architecture in metadata", ErrInvalidCheckpoint)
	}
	config := c.Config
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	net, err := masknn.Build(c.Architecture, config, nil)
	if err != nil {
		return nil, err
	}
	if err := LoadParams(net, c.Tensors); err != nil {
		return nil, err
	}
	return net, nil
}

// LoadParams copies tensors into the parameters of m.
func LoadParams(m nn.Parameterized, tensors map[string]*tensor.Tensor) error {
	params, err := nn.Params(m)
	if err != nil {
		return err
	}
	var errs []error
	for name, p := range params {
		t, found := tensors[name]
		if !found {
			errs = append(errs, fmt.Errorf("missing parameter %q", name))
			continue
		}
		if !tensor.SameShape(p, t) {
			errs = append(errs, fmt.Errorf("parameter %q has shape %v, expected %v", name, t.Shape(), p.Shape()))
			continue
		}
		copy(p.Values(), t.Values())
	}
	for name := range tensors {
		if _, found := params[name]; !found {
			errs = append(errs, fmt.Errorf("unexpected parameter %q", name))
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("loading parameters: %w", errors.Join(errs...))
	}
	return nil
}

// Save writes the checkpoint of net to path, replacing any existing file.
func Save(net masknn.Network, path string) error {
	c, err := NewCheckpoint(net)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(filepath.Dir(path), "checkpoint")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tempFile.Name())
	if _, err := c.WriteTo(tempFile); err != nil {
		tempFile.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// ReadFile decodes the checkpoint at path.
func ReadFile(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint: %w", err)
	}
	defer f.Close()
	c, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return c, nil
}

// Load reads the checkpoint at path and builds its network.
func Load(path string) (masknn.Network, error) {
	c, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	net, err := c.Build()
	if err != nil {
		return nil, fmt.Errorf("building network from %q: %w", path, err)
	}
	return net, nil
}
