// Package nn holds the layers, normalizations and activations that the mask
// networks are assembled from, and the name-indexed registries used to select
// them from configuration.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/justinsb/sepnet/pkg/tensor"
)

// Parameterized is implemented by anything owning learned tensors.
type Parameterized interface {
	VisitParams(visit func(name string, p *tensor.Tensor))
}

// Prefix nests the parameters of m under prefix.
func Prefix(prefix string, m Parameterized, visit func(name string, p *tensor.Tensor)) {
	if m == nil {
		return
	}
	m.VisitParams(func(name string, p *tensor.Tensor) {
		visit(prefix+"."+name, p)
	})
}

// VisitIfParameterized visits the parameters of v when it owns any.
func VisitIfParameterized(prefix string, v any, visit func(name string, p *tensor.Tensor)) {
	if m, ok := v.(Parameterized); ok {
		Prefix(prefix, m, visit)
	}
}

// Params collects the parameters of m by name.
func Params(m Parameterized) (map[string]*tensor.Tensor, error) {
	params := make(map[string]*tensor.Tensor)
	var err error
	m.VisitParams(func(name string, p *tensor.Tensor) {
		if _, found := params[name]; found && err == nil {
			err = fmt.Errorf("parameter %q already registered", name)
			return
		}
		params[name] = p
	})
	if err != nil {
		return nil, err
	}
	return params, nil
}

// Init draws initial parameter values from a seeded source so that networks
// are reproducible.
type Init struct {
	rng *rand.Rand
}

func NewInit(seed int64) *Init {
	return &Init{rng: rand.New(rand.NewSource(seed))}
}

// Uniform returns a tensor with values drawn from U(-bound, bound).
func (i *Init) Uniform(bound float64, dims ...int) *tensor.Tensor {
	t := tensor.New(dims...)
	values := t.Values()
	for j := range values {
		values[j] = float32((i.rng.Float64()*2 - 1) * bound)
	}
	return t
}

// FanIn returns a tensor drawn from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func (i *Init) FanIn(fanIn int, dims ...int) *tensor.Tensor {
	if fanIn <= 0 {
		fanIn = 1
	}
	return i.Uniform(1/math.Sqrt(float64(fanIn)), dims...)
}

// Fill returns a tensor with every element set to v.
func Fill(v float32, dims ...int) *tensor.Tensor {
	t := tensor.New(dims...)
	values := t.Values()
	for j := range values {
		values[j] = v
	}
	return t
}
