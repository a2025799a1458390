package masknn

import (
	"errors"
	"fmt"

	"github.com/justinsb/sepnet/pkg/deprecation"
	"github.com/justinsb/sepnet/pkg/nn"
	"github.com/justinsb/sepnet/pkg/tensor"
)

// TDConvNetConfig holds the hyperparameters of a TDConvNet.
type TDConvNetConfig struct {
	InChan int `json:"in_chan"`
	NSrc   int `json:"n_src"`
	// OutChan is the number of bins in each mask; zero means InChan.
	OutChan        int          `json:"out_chan,omitempty"`
	NBlocks        int          `json:"n_blocks,omitempty"`
	NRepeats       int          `json:"n_repeats,omitempty"`
	BNChan         int          `json:"bn_chan,omitempty"`
	HidChan        int          `json:"hid_chan,omitempty"`
	SkipChan       SkipChannels `json:"skip_chan"`
	ConvKernelSize int          `json:"conv_kernel_size,omitempty"`
	NormType       string       `json:"norm_type,omitempty"`
	MaskAct        string       `json:"mask_act,omitempty"`

	// Deprecated: use ConvKernelSize.
	KernelSize int `json:"kernel_size,omitempty"`
}

var kernelSizeNotice = deprecation.NewNotice("TDConvNet kernel_size is deprecated, use conv_kernel_size instead")

// Defaults fills unset fields.
func (c TDConvNetConfig) Defaults() TDConvNetConfig {
	if c.KernelSize != 0 {
		kernelSizeNotice.Emit()
		c.ConvKernelSize = c.KernelSize
		c.KernelSize = 0
	}
	if c.OutChan == 0 {
		c.OutChan = c.InChan
	}
	if c.NBlocks == 0 {
		c.NBlocks = 8
	}
	if c.NRepeats == 0 {
		c.NRepeats = 3
	}
	if c.BNChan == 0 {
		c.BNChan = 128
	}
	if c.HidChan == 0 {
		c.HidChan = 512
	}
	if !c.SkipChan.IsSet() {
		c.SkipChan = Skip(128)
	}
	if c.ConvKernelSize == 0 {
		c.ConvKernelSize = 3
	}
	if c.NormType == "" {
		c.NormType = "gLN"
	}
	if c.MaskAct == "" {
		c.MaskAct = "relu"
	}
	return c
}

// Validate checks a config after Defaults.
func (c TDConvNetConfig) Validate() error {
	return validateTCN(c.InChan, c.NSrc, c.OutChan, c.NBlocks, c.NRepeats, c.BNChan, c.HidChan, c.ConvKernelSize)
}

func validateTCN(inChan, nSrc, outChan, nBlocks, nRepeats, bnChan, hidChan, kernelSize int) error {
	var errs []error
	for _, f := range []struct {
		name  string
		value int
	}{
		{"in_chan", inChan},
		{"n_src", nSrc},
		{"out_chan", outChan},
		{"n_blocks", nBlocks},
		{"n_repeats", nRepeats},
		{"bn_chan", bnChan},
		{"hid_chan", hidChan},
		{"kernel size", kernelSize},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0 (got %d)", f.name, f.value))
		}
	}
	if kernelSize > 0 && kernelSize%2 == 0 {
		errs = append(errs, fmt.Errorf("kernel size must be odd to preserve the number of frames (got %d)", kernelSize))
	}
	return errors.Join(errs...)
}

// TDConvNet is the temporal convolutional mask network of Conv-TasNet.
type TDConvNet struct {
	config TDConvNetConfig

	bottleneckNorm nn.Norm
	bottleneck     *nn.Conv1d
	blocks         []*Conv1DBlock
	head           *maskHead
}

func NewTDConvNet(config TDConvNetConfig, init *nn.Init) (*TDConvNet, error) {
	init = defaultInit(init)
	config = config.Defaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid TDConvNet config: %w", err)
	}

	norm, err := newNorm(config.NormType, config.InChan)
	if err != nil {
		return nil, err
	}
	blocks, err := buildTCN(init, config.NRepeats, config.NBlocks, config.BNChan, config.HidChan, config.SkipChan, config.ConvKernelSize, config.NormType)
	if err != nil {
		return nil, err
	}
	head, err := newMaskHead(init, maskInputChannels(config.SkipChan, config.BNChan), config.NSrc, config.OutChan, config.MaskAct)
	if err != nil {
		return nil, err
	}
	return &TDConvNet{
		config:         config,
		bottleneckNorm: norm,
		bottleneck:     nn.Pointwise(init, config.InChan, config.BNChan),
		blocks:         blocks,
		head:           head,
	}, nil
}

func buildTCN(init *nn.Init, nRepeats, nBlocks, bnChan, hidChan int, skip SkipChannels, kernelSize int, normType string) ([]*Conv1DBlock, error) {
	plans := PlanTCN(nRepeats, nBlocks, kernelSize)
	blocks := make([]*Conv1DBlock, 0, len(plans))
	for _, plan := range plans {
		block, err := NewConv1DBlock(init, Conv1DBlockConfig{
			InChan:      bnChan,
			HidChan:     hidChan,
			SkipOutChan: skip,
			KernelSize:  kernelSize,
			Padding:     plan.Padding,
			Dilation:    plan.Dilation,
			NormType:    normType,
		})
		if err != nil {
			return nil, fmt.Errorf("block %d of repeat %d: %w", plan.Index, plan.Repeat, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func maskInputChannels(skip SkipChannels, bnChan int) int {
	if n, ok := skip.Channels(); ok {
		return n
	}
	return bnChan
}

func (n *TDConvNet) Architecture() string { return ArchTDConvNet }

func (n *TDConvNet) Config() TDConvNetConfig { return n.config }

func (n *TDConvNet) ConfigSnapshot() any { return n.config }

// Forward maps [batch, in_chan, frames] to masks [batch, n_src, out_chan, frames].
func (n *TDConvNet) Forward(mixture *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkMixture("TDConvNet", mixture, n.config.InChan); err != nil {
		return nil, err
	}
	output, err := sequential(mixture, n.bottleneckNorm, n.bottleneck)
	if err != nil {
		return nil, err
	}

	var skipSum *tensor.Tensor
	for i, block := range n.blocks {
		out, err := block.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		if skipSum, err = accumulate(skipSum, out.Skip); err != nil {
			return nil, err
		}
		if err := tensor.AddInPlace(output, out.Residual); err != nil {
			return nil, err
		}
	}

	maskInput := output
	if skipSum != nil {
		maskInput = skipSum
	}
	return n.head.Forward(maskInput)
}

func (n *TDConvNet) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("bottleneck.norm", n.bottleneckNorm, visit)
	nn.Prefix("bottleneck.conv", n.bottleneck, visit)
	for i, block := range n.blocks {
		nn.Prefix(fmt.Sprintf("tcn.%d", i), block, visit)
	}
	nn.Prefix("mask_net", n.head, visit)
}

// accumulate adds contribution into sum, allocating sum on first use. A nil
// contribution leaves sum untouched.
func accumulate(sum, contribution *tensor.Tensor) (*tensor.Tensor, error) {
	if contribution == nil {
		return sum, nil
	}
	if sum == nil {
		return contribution.Clone(), nil
	}
	if err := tensor.AddInPlace(sum, contribution); err != nil {
		return nil, err
	}
	return sum, nil
}

// maskHead turns the accumulated representation into per-source masks.
type maskHead struct {
	nSrc    int
	outChan int

	act  *nn.PReLU
	conv *nn.Conv1d

	output nn.Activation
}

func newMaskHead(init *nn.Init, inChan, nSrc, outChan int, maskAct string) (*maskHead, error) {
	output, err := newMaskActivation(maskAct)
	if err != nil {
		return nil, err
	}
	return &maskHead{
		nSrc:    nSrc,
		outChan: outChan,
		act:     nn.NewPReLU(1),
		conv:    nn.Pointwise(init, inChan, nSrc*outChan),
		output:  output,
	}, nil
}

func (h *maskHead) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	score, err := sequential(x, h.act, h.conv)
	if err != nil {
		return nil, err
	}
	score, err = score.Reshape(score.Dim(0), h.nSrc, h.outChan, score.Dim(2))
	if err != nil {
		return nil, err
	}
	return h.output.Forward(score)
}

func (h *maskHead) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("act", h.act, visit)
	nn.Prefix("conv", h.conv, visit)
	nn.VisitIfParameterized("output_act", h.output, visit)
}
