package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/justinsb/sepnet/pkg/tensor"
)

// ErrUnknownActivation is returned for activation names that were never registered.
var ErrUnknownActivation = errors.New("unknown activation")

// Activation is an elementwise or axis-wise nonlinearity.
type Activation interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// activationEntry holds exactly one of build or buildAlong. Activations built
// with buildAlong operate along an axis (the source axis for mask outputs).
type activationEntry struct {
	build      func() Activation
	buildAlong func(dim int) Activation
}

var (
	activationsMutex sync.RWMutex
	activations      = map[string]activationEntry{
		"linear":     {build: func() Activation { return elementwise(func(v float32) float32 { return v }) }},
		"relu":       {build: func() Activation { return elementwise(relu) }},
		"prelu":      {build: func() Activation { return NewPReLU(1) }},
		"leaky_relu": {build: func() Activation { return elementwise(leakyReLU) }},
		"sigmoid":    {build: func() Activation { return elementwise(sigmoid) }},
		"tanh":       {build: func() Activation { return elementwise(tanh) }},
		"gelu":       {build: func() Activation { return elementwise(gelu) }},
		"swish":      {build: func() Activation { return elementwise(swish) }},
		"softmax":    {buildAlong: func(dim int) Activation { return Softmax{Dim: dim} }},
	}
)

// RegisterActivation adds an activation that ignores the axis argument.
func RegisterActivation(name string, build func() Activation) {
	activationsMutex.Lock()
	defer activationsMutex.Unlock()
	activations[name] = activationEntry{build: build}
}

// RegisterAxisActivation adds an activation that operates along an axis.
func RegisterAxisActivation(name string, build func(dim int) Activation) {
	activationsMutex.Lock()
	defer activationsMutex.Unlock()
	activations[name] = activationEntry{buildAlong: build}
}

// NewActivation instantiates the named activation. dim is only passed to
// activations that operate along an axis.
func NewActivation(name string, dim int) (Activation, error) {
	activationsMutex.RLock()
	entry, found := activations[name]
	activationsMutex.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownActivation, name, ActivationNames())
	}
	if entry.buildAlong != nil {
		return entry.buildAlong(dim), nil
	}
	return entry.build(), nil
}

// AcceptsDim reports whether the named activation takes an axis argument.
func AcceptsDim(name string) bool {
	activationsMutex.RLock()
	defer activationsMutex.RUnlock()
	return activations[name].buildAlong != nil
}

func ActivationNames() []string {
	activationsMutex.RLock()
	defer activationsMutex.RUnlock()
	names := make([]string, 0, len(activations))
	for name := range activations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type elementwise func(v float32) float32

func (f elementwise) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x.Clone()
	values := out.Values()
	for i, v := range values {
		values[i] = f(v)
	}
	return out, nil
}

func relu(v float32) float32 {
	if v < 0 {
		return 0
	}
	return v
}

func leakyReLU(v float32) float32 {
	if v < 0 {
		return 0.01 * v
	}
	return v
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

func tanh(v float32) float32 {
	return float32(math.Tanh(float64(v)))
}

func gelu(v float32) float32 {
	x := float64(v)
	return float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
}

func swish(v float32) float32 {
	return v * sigmoid(v)
}

// Softmax normalizes along Dim so that values sum to one.
type Softmax struct {
	Dim int
}

func (s Softmax) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	dims := x.Shape()
	dim := s.Dim
	if dim < 0 {
		dim += len(dims)
	}
	if dim < 0 || dim >= len(dims) {
		return nil, &tensor.ShapeError{Op: "Softmax", Got: dims, Msg: fmt.Sprintf("axis %d out of range", s.Dim)}
	}
	outer, inner := 1, 1
	for _, d := range dims[:dim] {
		outer *= d
	}
	for _, d := range dims[dim+1:] {
		inner *= d
	}
	n := dims[dim]

	out := x.Clone()
	values := out.Values()
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*n*inner + in
			maxValue := float32(math.Inf(-1))
			for k := 0; k < n; k++ {
				if v := values[base+k*inner]; v > maxValue {
					maxValue = v
				}
			}
			var sum float64
			for k := 0; k < n; k++ {
				i := base + k*inner
				e := math.Exp(float64(values[i] - maxValue))
				values[i] = float32(e)
				sum += e
			}
			inv := float32(1 / sum)
			for k := 0; k < n; k++ {
				values[base+k*inner] *= inv
			}
		}
	}
	return out, nil
}
