package masknn

import (
	"errors"
	"fmt"

	"github.com/justinsb/sepnet/pkg/nn"
	"github.com/justinsb/sepnet/pkg/tensor"
)

// SuDORMRFConfig holds the hyperparameters shared by SuDORMRF and
// SuDORMRFImproved.
type SuDORMRFConfig struct {
	InChan          int    `json:"in_chan"`
	NSrc            int    `json:"n_src"`
	BNChan          int    `json:"bn_chan,omitempty"`
	NumBlocks       int    `json:"num_blocks,omitempty"`
	UpsamplingDepth int    `json:"upsampling_depth,omitempty"`
	MaskAct         string `json:"mask_act,omitempty"`
}

func (c SuDORMRFConfig) withDefaults(maskAct string) SuDORMRFConfig {
	if c.BNChan == 0 {
		c.BNChan = 128
	}
	if c.NumBlocks == 0 {
		c.NumBlocks = 16
	}
	if c.UpsamplingDepth == 0 {
		c.UpsamplingDepth = 4
	}
	if c.MaskAct == "" {
		c.MaskAct = maskAct
	}
	return c
}

func (c SuDORMRFConfig) Validate() error {
	var errs []error
	for _, f := range []struct {
		name  string
		value int
	}{
		{"in_chan", c.InChan},
		{"n_src", c.NSrc},
		{"bn_chan", c.BNChan},
		{"num_blocks", c.NumBlocks},
		{"upsampling_depth", c.UpsamplingDepth},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0 (got %d)", f.name, f.value))
		}
	}
	return errors.Join(errs...)
}

// SuDORMRF is the mask network of "Sudo rm -rf: Efficient Networks for
// Universal Audio Source Separation" (Tzinis et al., MLSP 2020). Masks are
// produced by a 2-D convolution that spans the whole channel axis.
type SuDORMRF struct {
	config SuDORMRFConfig

	norm    *nn.GroupNorm
	l1      *nn.Conv1d
	blocks  []*UBlock
	reshape *nn.Conv1d // nil when bn_chan == in_chan
	masks   *nn.Conv2d
	output  nn.Activation
}

func NewSuDORMRF(config SuDORMRFConfig, init *nn.Init) (*SuDORMRF, error) {
	init = defaultInit(init)
	config = config.withDefaults("softmax")
	err := config.Validate()
	if err == nil && config.InChan%2 != 0 {
		// The mask convolution yields 2*(in_chan - in_chan/2) bins.
		err = fmt.Errorf("in_chan must be even (got %d)", config.InChan)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid SuDORMRF config: %w", err)
	}
	output, err := newMaskActivation(config.MaskAct)
	if err != nil {
		return nil, err
	}

	n := &SuDORMRF{
		config: config,
		norm:   nn.NewGroupNorm(1, config.InChan, 1e-8),
		l1:     nn.Pointwise(init, config.InChan, config.BNChan),
		masks: nn.NewConv2d(init, 1, config.NSrc, config.InChan+1, 1, tensor.Conv2dOptions{
			PadH: config.InChan - config.InChan/2,
		}),
		output: output,
	}
	for i := 0; i < config.NumBlocks; i++ {
		block, err := NewUBlock(init, UBlockConfig{
			Channels:        config.BNChan,
			HiddenChannels:  config.InChan,
			UpsamplingDepth: config.UpsamplingDepth,
		})
		if err != nil {
			return nil, fmt.Errorf("u-block %d: %w", i, err)
		}
		n.blocks = append(n.blocks, block)
	}
	if config.BNChan != config.InChan {
		n.reshape = nn.Pointwise(init, config.BNChan, config.InChan)
	}
	return n, nil
}

func (n *SuDORMRF) Architecture() string { return ArchSuDORMRF }

func (n *SuDORMRF) Config() SuDORMRFConfig { return n.config }

func (n *SuDORMRF) ConfigSnapshot() any { return n.config }

// Forward maps [batch, in_chan, frames] to masks [batch, n_src, in_chan, frames].
func (n *SuDORMRF) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMixture("SuDORMRF", x, n.config.InChan); err != nil {
		return nil, err
	}
	x, err := sequential(x, n.norm, n.l1)
	if err != nil {
		return nil, err
	}
	for i, block := range n.blocks {
		if x, err = block.Forward(x); err != nil {
			return nil, fmt.Errorf("u-block %d: %w", i, err)
		}
	}
	if n.reshape != nil {
		if x, err = n.reshape.Forward(x); err != nil {
			return nil, err
		}
	}
	planes, err := x.Reshape(x.Dim(0), 1, x.Dim(1), x.Dim(2))
	if err != nil {
		return nil, err
	}
	return sequential(planes, n.masks, n.output)
}

func (n *SuDORMRF) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("ln", n.norm, visit)
	nn.Prefix("l1", n.l1, visit)
	for i, block := range n.blocks {
		nn.Prefix(fmt.Sprintf("sm.%d", i), block, visit)
	}
	if n.reshape != nil {
		nn.Prefix("reshape_before_masks", n.reshape, visit)
	}
	nn.Prefix("m", n.masks, visit)
	nn.VisitIfParameterized("output_act", n.output, visit)
}

// SuDORMRFImproved replaces the U-blocks with UConvBlocks and the 2-D mask
// convolution with a 1x1 convolution to n_src*in_chan channels.
type SuDORMRFImproved struct {
	config SuDORMRFConfig

	norm       *nn.GlobLN
	bottleneck *nn.Conv1d
	blocks     []*UConvBlock
	head       *maskHead
}

func NewSuDORMRFImproved(config SuDORMRFConfig, init *nn.Init) (*SuDORMRFImproved, error) {
	init = defaultInit(init)
	config = config.withDefaults("relu")
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SuDORMRFImproved config: %w", err)
	}
	head, err := newMaskHead(init, config.BNChan, config.NSrc, config.InChan, config.MaskAct)
	if err != nil {
		return nil, err
	}
	n := &SuDORMRFImproved{
		config:     config,
		norm:       nn.NewGlobLN(config.InChan),
		bottleneck: nn.Pointwise(init, config.InChan, config.BNChan),
		head:       head,
	}
	for i := 0; i < config.NumBlocks; i++ {
		block, err := NewUConvBlock(init, UBlockConfig{
			Channels:        config.BNChan,
			HiddenChannels:  config.InChan,
			UpsamplingDepth: config.UpsamplingDepth,
		})
		if err != nil {
			return nil, fmt.Errorf("u-conv-block %d: %w", i, err)
		}
		n.blocks = append(n.blocks, block)
	}
	return n, nil
}

func (n *SuDORMRFImproved) Architecture() string { return ArchSuDORMRFImproved }

func (n *SuDORMRFImproved) Config() SuDORMRFConfig { return n.config }

func (n *SuDORMRFImproved) ConfigSnapshot() any { return n.config }

// Forward maps [batch, in_chan, frames] to masks [batch, n_src, in_chan, frames].
func (n *SuDORMRFImproved) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMixture("SuDORMRFImproved", x, n.config.InChan); err != nil {
		return nil, err
	}
	x, err := sequential(x, n.norm, n.bottleneck)
	if err != nil {
		return nil, err
	}
	for i, block := range n.blocks {
		if x, err = block.Forward(x); err != nil {
			return nil, fmt.Errorf("u-conv-block %d: %w", i, err)
		}
	}
	return n.head.Forward(x)
}

func (n *SuDORMRFImproved) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("ln", n.norm, visit)
	nn.Prefix("bottleneck", n.bottleneck, visit)
	for i, block := range n.blocks {
		nn.Prefix(fmt.Sprintf("sm.%d", i), block, visit)
	}
	nn.Prefix("mask_net", n.head, visit)
}
