package masknn

import (
	"fmt"

	"github.com/justinsb/sepnet/pkg/nn"
	"github.com/justinsb/sepnet/pkg/tensor"
)

// Conv1DBlockConfig configures one dilated block of a temporal convolutional
// network.
type Conv1DBlockConfig struct {
	InChan      int
	HidChan     int
	SkipOutChan SkipChannels
	KernelSize  int
	Padding     int
	Dilation    int
	NormType    string
}

// Conv1DBlock expands channels, runs a depth-wise dilated convolution and
// projects back to a residual and, optionally, a skip contribution.
//
// See "Conv-TasNet: Surpassing ideal time-frequency magnitude masking for
// speech separation", Luo and Mesgarani, TASLP 2019.
type Conv1DBlock struct {
	config Conv1DBlockConfig

	inConv    *nn.Conv1d
	inAct     *nn.PReLU
	inNorm    nn.Norm
	depthConv *nn.Conv1d
	depthAct  *nn.PReLU
	depthNorm nn.Norm

	resConv  *nn.Conv1d
	skipConv *nn.Conv1d
}

// BlockOutput is the result of a Conv1DBlock. Skip is nil when the block has
// no skip connection.
type BlockOutput struct {
	Residual *tensor.Tensor
	Skip     *tensor.Tensor
}

func NewConv1DBlock(init *nn.Init, config Conv1DBlockConfig) (*Conv1DBlock, error) {
	init = defaultInit(init)
	inNorm, err := newNorm(config.NormType, config.HidChan)
	if err != nil {
		return nil, err
	}
	depthNorm, err := newNorm(config.NormType, config.HidChan)
	if err != nil {
		return nil, err
	}
	if config.InChan <= 0 || config.HidChan <= 0 {
		return nil, fmt.Errorf("conv1d block needs positive channel counts (in=%d, hid=%d)", config.InChan, config.HidChan)
	}

	b := &Conv1DBlock{
		config: config,
		inConv: nn.Pointwise(init, config.InChan, config.HidChan),
		inAct:  nn.NewPReLU(1),
		inNorm: inNorm,
		depthConv: nn.NewConv1d(init, nn.Conv1dConfig{
			InChan:     config.HidChan,
			OutChan:    config.HidChan,
			KernelSize: config.KernelSize,
			Padding:    config.Padding,
			Dilation:   config.Dilation,
			Groups:     config.HidChan,
		}),
		depthAct:  nn.NewPReLU(1),
		depthNorm: depthNorm,
		resConv:   nn.Pointwise(init, config.HidChan, config.InChan),
	}
	if skip, ok := config.SkipOutChan.Channels(); ok {
		b.skipConv = nn.Pointwise(init, config.HidChan, skip)
	}
	return b, nil
}

func (b *Conv1DBlock) Config() Conv1DBlockConfig {
	return b.config
}

// Forward takes [batch, in_chan, frames] and returns contributions with the
// same number of frames.
func (b *Conv1DBlock) Forward(x *tensor.Tensor) (BlockOutput, error) {
	shared, err := sequential(x, b.inConv, b.inAct, b.inNorm, b.depthConv, b.depthAct, b.depthNorm)
	if err != nil {
		return BlockOutput{}, err
	}
	residual, err := b.resConv.Forward(shared)
	if err != nil {
		return BlockOutput{}, err
	}
	if b.skipConv == nil {
		return BlockOutput{Residual: residual}, nil
	}
	skip, err := b.skipConv.Forward(shared)
	if err != nil {
		return BlockOutput{}, err
	}
	return BlockOutput{Residual: residual, Skip: skip}, nil
}

func (b *Conv1DBlock) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("in_conv", b.inConv, visit)
	nn.Prefix("in_act", b.inAct, visit)
	nn.Prefix("in_norm", b.inNorm, visit)
	nn.Prefix("depth_conv", b.depthConv, visit)
	nn.Prefix("depth_act", b.depthAct, visit)
	nn.Prefix("depth_norm", b.depthNorm, visit)
	nn.Prefix("res_conv", b.resConv, visit)
	if b.skipConv != nil {
		nn.Prefix("skip_conv", b.skipConv, visit)
	}
}
