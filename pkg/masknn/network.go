// Package masknn implements the mask-estimation networks of the separation
// models: temporal convolutional stacks (TDConvNet, TDCNpp) and multi
// resolution U-block stacks (SuDORMRF, SuDORMRFImproved).
//
// All networks map a mixture representation [batch, channels, frames] to a
// mask [batch, n_src, channels, frames]. Parameters are fixed at construction
// and only the forward pass is implemented.
package masknn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/justinsb/sepnet/pkg/nn"
	"github.com/justinsb/sepnet/pkg/tensor"
)

// Network is a mask network.
type Network interface {
	nn.Parameterized

	// Architecture is the registry name used to rebuild the network.
	Architecture() string

	// ConfigSnapshot returns the hyperparameters, with defaults applied, as a
	// JSON-serializable config struct.
	ConfigSnapshot() any

	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

type builder func(raw []byte, init *nn.Init) (Network, error)

var architectures = map[string]builder{
	ArchTDConvNet: func(raw []byte, init *nn.Init) (Network, error) {
		var config TDConvNetConfig
		if err := decodeStrict(raw, &config); err != nil {
			return nil, err
		}
		return NewTDConvNet(config, init)
	},
	ArchTDCNpp: func(raw []byte, init *nn.Init) (Network, error) {
		var config TDCNppConfig
		if err := decodeStrict(raw, &config); err != nil {
			return nil, err
		}
		return NewTDCNpp(config, init)
	},
	ArchSuDORMRF: func(raw []byte, init *nn.Init) (Network, error) {
		var config SuDORMRFConfig
		if err := decodeStrict(raw, &config); err != nil {
			return nil, err
		}
		return NewSuDORMRF(config, init)
	},
	ArchSuDORMRFImproved: func(raw []byte, init *nn.Init) (Network, error) {
		var config SuDORMRFConfig
		if err := decodeStrict(raw, &config); err != nil {
			return nil, err
		}
		return NewSuDORMRFImproved(config, init)
	},
}

const (
	ArchTDConvNet        = "TDConvNet"
	ArchTDCNpp           = "TDCNpp"
	ArchSuDORMRF         = "SuDORMRF"
	ArchSuDORMRFImproved = "SuDORMRFImproved"
)

// Build reconstructs a network from its architecture name and JSON config.
func Build(arch string, rawConfig []byte, init *nn.Init) (Network, error) {
	build, found := architectures[arch]
	if !found {
		return nil, fmt.Errorf("unknown architecture %q (known: %v)", arch, Architectures())
	}
	network, err := build(rawConfig, init)
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", arch, err)
	}
	return network, nil
}

// Architectures lists the names accepted by Build.
func Architectures() []string {
	names := make([]string, 0, len(architectures))
	for name := range architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeStrict(raw []byte, into any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

func defaultInit(init *nn.Init) *nn.Init {
	if init == nil {
		return nn.NewInit(0)
	}
	return init
}

// layer is anything with a forward pass.
type layer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// sequential applies layers in order.
func sequential(x *tensor.Tensor, layers ...layer) (*tensor.Tensor, error) {
	var err error
	for _, l := range layers {
		x, err = l.Forward(x)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

// checkMixture validates a [batch, channels, frames] network input.
func checkMixture(op string, x *tensor.Tensor, channels int) error {
	if x.NDimensions() != 3 || x.Dim(1) != channels {
		return &tensor.ShapeError{
			Op:  op,
			Got: x.Shape(),
			Msg: fmt.Sprintf("expected [batch, %d, frames]", channels),
		}
	}
	return nil
}

// newMaskActivation instantiates the mask nonlinearity along the source axis.
func newMaskActivation(name string) (nn.Activation, error) {
	return nn.NewActivation(name, 1)
}

func newNorm(name string, channels int) (nn.Norm, error) {
	factory, err := nn.GetNorm(name)
	if err != nil {
		return nil, err
	}
	return factory(channels), nil
}
