package nn

import (
	"github.com/justinsb/sepnet/pkg/tensor"
)

// Conv1dConfig describes a 1-D convolution layer.
type Conv1dConfig struct {
	InChan     int
	OutChan    int
	KernelSize int
	Stride     int
	Padding    int
	Dilation   int
	Groups     int
}

// Conv1d is a learned 1-D convolution with bias.
type Conv1d struct {
	config Conv1dConfig
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func NewConv1d(init *Init, config Conv1dConfig) *Conv1d {
	if config.KernelSize <= 0 {
		config.KernelSize = 1
	}
	if config.Groups <= 0 {
		config.Groups = 1
	}
	groupIn := config.InChan / config.Groups
	fanIn := groupIn * config.KernelSize
	return &Conv1d{
		config: config,
		Weight: init.FanIn(fanIn, config.OutChan, groupIn, config.KernelSize),
		Bias:   init.FanIn(fanIn, config.OutChan),
	}
}

// Pointwise is a 1x1 convolution from in to out channels.
func Pointwise(init *Init, in, out int) *Conv1d {
	return NewConv1d(init, Conv1dConfig{InChan: in, OutChan: out, KernelSize: 1})
}

func (c *Conv1d) Config() Conv1dConfig {
	return c.config
}

func (c *Conv1d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv1d(x, c.Weight, c.Bias, tensor.Conv1dOptions{
		Stride:   c.config.Stride,
		Padding:  c.config.Padding,
		Dilation: c.config.Dilation,
		Groups:   c.config.Groups,
	})
}

func (c *Conv1d) VisitParams(visit func(name string, p *tensor.Tensor)) {
	visit("weight", c.Weight)
	visit("bias", c.Bias)
}

// Conv2d is a learned stride-1 2-D convolution with bias.
type Conv2d struct {
	opts   tensor.Conv2dOptions
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func NewConv2d(init *Init, in, out, kernelH, kernelW int, opts tensor.Conv2dOptions) *Conv2d {
	fanIn := in * kernelH * kernelW
	return &Conv2d{
		opts:   opts,
		Weight: init.FanIn(fanIn, out, in, kernelH, kernelW),
		Bias:   init.FanIn(fanIn, out),
	}
}

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2d(x, c.Weight, c.Bias, c.opts)
}

func (c *Conv2d) VisitParams(visit func(name string, p *tensor.Tensor)) {
	visit("weight", c.Weight)
	visit("bias", c.Bias)
}

// Linear is a learned affine map over the last axis of a [n, in] tensor.
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func NewLinear(init *Init, in, out int) *Linear {
	return &Linear{
		Weight: init.FanIn(in, out, in),
		Bias:   init.FanIn(in, out),
	}
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) VisitParams(visit func(name string, p *tensor.Tensor)) {
	visit("weight", l.Weight)
	visit("bias", l.Bias)
}

// PReLU is a parametric ReLU. With more than one slope, slopes apply per
// channel along axis 1.
type PReLU struct {
	Weight *tensor.Tensor
}

func NewPReLU(numParameters int) *PReLU {
	if numParameters <= 0 {
		numParameters = 1
	}
	return &PReLU{Weight: Fill(0.25, numParameters)}
}

func (r *PReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	slopes := r.Weight.Values()
	out := x.Clone()
	values := out.Values()
	if len(slopes) == 1 {
		a := slopes[0]
		for i, v := range values {
			if v < 0 {
				values[i] = a * v
			}
		}
		return out, nil
	}

	if x.NDimensions() < 2 || x.Dim(1) != len(slopes) {
		return nil, &tensor.ShapeError{Op: "PReLU", Got: x.Shape(), Msg: "channel axis does not match the number of slopes"}
	}
	channels := len(slopes)
	inner := 1
	for _, d := range x.Shape()[2:] {
		inner *= d
	}
	for i, v := range values {
		if v < 0 {
			values[i] = slopes[(i/inner)%channels] * v
		}
	}
	return out, nil
}

func (r *PReLU) VisitParams(visit func(name string, p *tensor.Tensor)) {
	visit("weight", r.Weight)
}
