// Package tensor provides the dense float32 arrays and numeric kernels that the
// mask networks and losses are built on.
package tensor

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Tensor is a row-major float32 array with an explicit shape.
type Tensor struct {
	dimensions []int
	values     []float32
}

// New returns a zero-filled tensor of the given shape.
func New(dimensions ...int) *Tensor {
	n := numElements(dimensions)
	return &Tensor{
		dimensions: slices.Clone(dimensions),
		values:     make([]float32, n),
	}
}

// FromValues wraps values (without copying) in a tensor of the given shape.
func FromValues(values []float32, dimensions ...int) (*Tensor, error) {
	for _, d := range dimensions {
		if d < 0 {
			return nil, &ShapeError{Op: "FromValues", Got: dimensions, Msg: "negative dimension"}
		}
	}
	n := numElements(dimensions)
	if n != len(values) {
		return nil, &ShapeError{
			Op:  "FromValues",
			Got: dimensions,
			Msg: fmt.Sprintf("shape holds %d elements but %d values were given", n, len(values)),
		}
	}
	return &Tensor{
		dimensions: slices.Clone(dimensions),
		values:     values,
	}, nil
}

// MustFromValues is like FromValues but panics on an invalid shape.
func MustFromValues(values []float32, dimensions ...int) *Tensor {
	t, err := FromValues(values, dimensions...)
	if err != nil {
		panic(err)
	}
	return t
}

func numElements(dimensions []int) int {
	n := 1
	for _, d := range dimensions {
		if d < 0 {
			panic(fmt.Sprintf("negative dimension in shape %v", dimensions))
		}
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.dimensions)
}

// NDimensions is the rank of the tensor.
func (t *Tensor) NDimensions() int {
	return len(t.dimensions)
}

// Dim returns the size of axis i; negative values count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.dimensions)
	}
	return t.dimensions[i]
}

// Len is the number of elements.
func (t *Tensor) Len() int {
	return len(t.values)
}

// Values returns the backing storage. Writes are visible to the tensor.
func (t *Tensor) Values() []float32 {
	return t.values
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dimensions: slices.Clone(t.dimensions),
		values:     slices.Clone(t.values),
	}
}

// Reshape returns a view with a new shape over the same storage.
// One dimension may be -1, in which case it is inferred.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	dims := slices.Clone(dimensions)
	infer := -1
	known := 1
	for i, d := range dims {
		if d == -1 {
			if infer >= 0 {
				return nil, &ShapeError{Op: "Reshape", Got: t.dimensions, Want: dimensions, Msg: "only one dimension can be inferred"}
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.values)%known != 0 {
			return nil, &ShapeError{Op: "Reshape", Got: t.dimensions, Want: dimensions}
		}
		dims[infer] = len(t.values) / known
		known *= dims[infer]
	}
	if known != len(t.values) {
		return nil, &ShapeError{Op: "Reshape", Got: t.dimensions, Want: dimensions}
	}
	return &Tensor{dimensions: dims, values: t.values}, nil
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.dimensions) {
		panic(fmt.Sprintf("index %v has rank %d, tensor has rank %d", idx, len(idx), len(t.dimensions)))
	}
	off := 0
	for i, d := range t.dimensions {
		if idx[i] < 0 || idx[i] >= d {
			panic(fmt.Sprintf("index %v out of range for shape %v", idx, t.dimensions))
		}
		off = off*d + idx[i]
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float32 {
	return t.values[t.offset(idx)]
}

// Set stores v at idx.
func (t *Tensor) Set(v float32, idx ...int) {
	t.values[t.offset(idx)] = v
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.dimensions, b.dimensions)
}

func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%v", t.dimensions)
	if len(t.values) <= 16 {
		fmt.Fprintf(&sb, "%v", t.values)
	}
	return sb.String()
}

type inlineData struct {
	Dimensions []int     `json:"dimensions"`
	Values     []float32 `json:"values"`
}

func (t *Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal(inlineData{Dimensions: t.dimensions, Values: t.values})
}

func (t *Tensor) UnmarshalJSON(b []byte) error {
	var data inlineData
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	parsed, err := FromValues(data.Values, data.Dimensions...)
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}
