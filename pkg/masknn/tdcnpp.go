package masknn

import (
	"fmt"

	"github.com/justinsb/sepnet/pkg/nn"
	"github.com/justinsb/sepnet/pkg/tensor"
)

// TDCNppConfig holds the hyperparameters of a TDCNpp.
type TDCNppConfig struct {
	InChan     int          `json:"in_chan"`
	NSrc       int          `json:"n_src"`
	OutChan    int          `json:"out_chan,omitempty"`
	NBlocks    int          `json:"n_blocks,omitempty"`
	NRepeats   int          `json:"n_repeats,omitempty"`
	BNChan     int          `json:"bn_chan,omitempty"`
	HidChan    int          `json:"hid_chan,omitempty"`
	SkipChan   SkipChannels `json:"skip_chan"`
	KernelSize int          `json:"kernel_size,omitempty"`
	NormType   string       `json:"norm_type,omitempty"`
	MaskAct    string       `json:"mask_act,omitempty"`
}

func (c TDCNppConfig) Defaults() TDCNppConfig {
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
	if c.KernelSize == 0 {
		c.KernelSize = 3
	}
	if c.NormType == "" {
		c.NormType = "fgLN"
	}
	if c.MaskAct == "" {
		c.MaskAct = "relu"
	}
	return c
}

func (c TDCNppConfig) Validate() error {
	return validateTCN(c.InChan, c.NSrc, c.OutChan, c.NBlocks, c.NRepeats, c.BNChan, c.HidChan, c.KernelSize)
}

// TDCNpp is the improved temporal convolutional network of "Universal Sound
// Separation" (Kavalerov et al., WASPAA 2019). Compared to TDConvNet it adds
// dense connections between repeats, learned gates on the residuals, and a
// mixture-consistency weight per source.
type TDCNpp struct {
	config TDCNppConfig

	bottleneckNorm nn.Norm
	bottleneck     *nn.Conv1d
	blocks         []*Conv1DBlock
	denseSkip      []*nn.Conv1d
	// Scaling has shape [n_repeats, n_blocks-1]; block x > 0 of repeat r is
	// gated by Scaling[r, x-1].
	Scaling *tensor.Tensor

	head        *maskHead
	consistency *nn.Linear
	weightsAct  nn.Softmax
}

func NewTDCNpp(config TDCNppConfig, init *nn.Init) (*TDCNpp, error) {
	init = defaultInit(init)
	config = config.Defaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid TDCNpp config: %w", err)
	}

	norm, err := newNorm(config.NormType, config.InChan)
	if err != nil {
		return nil, err
	}
	blocks, err := buildTCN(init, config.NRepeats, config.NBlocks, config.BNChan, config.HidChan, config.SkipChan, config.KernelSize, config.NormType)
	if err != nil {
		return nil, err
	}
	maskIn := maskInputChannels(config.SkipChan, config.BNChan)
	head, err := newMaskHead(init, maskIn, config.NSrc, config.OutChan, config.MaskAct)
	if err != nil {
		return nil, err
	}

	denseSkip := make([]*nn.Conv1d, config.NRepeats-1)
	for i := range denseSkip {
		denseSkip[i] = nn.Pointwise(init, config.BNChan, config.BNChan)
	}

	scaling := tensor.New(config.NRepeats, config.NBlocks-1)
	for r, row := range ScalingInit(config.NRepeats, config.NBlocks) {
		for l, v := range row {
			scaling.Set(v, r, l)
		}
	}

	return &TDCNpp{
		config:         config,
		bottleneckNorm: norm,
		bottleneck:     nn.Pointwise(init, config.InChan, config.BNChan),
		blocks:         blocks,
		denseSkip:      denseSkip,
		Scaling:        scaling,
		head:           head,
		consistency:    nn.NewLinear(init, maskIn, config.NSrc),
		weightsAct:     nn.Softmax{Dim: -1},
	}, nil
}

func (n *TDCNpp) Architecture() string { return ArchTDCNpp }

func (n *TDCNpp) Config() TDCNppConfig { return n.config }

func (n *TDCNpp) ConfigSnapshot() any { return n.config }

// Forward returns only the mask; see ForwardWithWeights.
func (n *TDCNpp) Forward(mixture *tensor.Tensor) (*tensor.Tensor, error) {
	mask, _, err := n.ForwardWithWeights(mixture)
	return mask, err
}

// ForwardWithWeights maps [batch, in_chan, frames] to masks
// [batch, n_src, out_chan, frames] and consistency weights [batch, n_src]
// that sum to one over sources.
func (n *TDCNpp) ForwardWithWeights(mixture *tensor.Tensor) (mask, weights *tensor.Tensor, err error) {
	if err := checkMixture("TDCNpp", mixture, n.config.InChan); err != nil {
		return nil, nil, err
	}
	output, err := sequential(mixture, n.bottleneckNorm, n.bottleneck)
	if err != nil {
		return nil, nil, err
	}
	// repeatInput is the input to the previous repeat, kept apart from the
	// running output that is updated in place.
	repeatInput := output.Clone()

	var skipSum *tensor.Tensor
	for r := 0; r < n.config.NRepeats; r++ {
		if r != 0 {
			dense, err := n.denseSkip[r-1].Forward(repeatInput)
			if err != nil {
				return nil, nil, err
			}
			if err := tensor.AddInPlace(output, dense); err != nil {
				return nil, nil, err
			}
			repeatInput = output.Clone()
		}
		for x := 0; x < n.config.NBlocks; x++ {
			i := r*n.config.NBlocks + x
			out, err := n.blocks[i].Forward(output)
			if err != nil {
				return nil, nil, fmt.Errorf("block %d of repeat %d: %w", x, r, err)
			}
			if skipSum, err = accumulate(skipSum, out.Skip); err != nil {
				return nil, nil, err
			}
			scale := float32(1)
			if x > 0 {
				scale = n.Scaling.At(r, x-1)
			}
			if err := tensor.AddScaledInPlace(output, out.Residual, scale); err != nil {
				return nil, nil, err
			}
		}
	}

	maskInput := output
	if skipSum != nil {
		maskInput = skipSum
	}
	mask, err = n.head.Forward(maskInput)
	if err != nil {
		return nil, nil, err
	}

	pooled, err := tensor.MeanLastAxis(maskInput)
	if err != nil {
		return nil, nil, err
	}
	logits, err := n.consistency.Forward(pooled)
	if err != nil {
		return nil, nil, err
	}
	weights, err = n.weightsAct.Forward(logits)
	if err != nil {
		return nil, nil, err
	}
	return mask, weights, nil
}

func (n *TDCNpp) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("bottleneck.norm", n.bottleneckNorm, visit)
	nn.Prefix("bottleneck.conv", n.bottleneck, visit)
	for i, block := range n.blocks {
		nn.Prefix(fmt.Sprintf("tcn.%d", i), block, visit)
	}
	for i, dense := range n.denseSkip {
		nn.Prefix(fmt.Sprintf("dense_skip.%d", i), dense, visit)
	}
	visit("scaling_param", n.Scaling)
	nn.Prefix("mask_net", n.head, visit)
	nn.Prefix("consistency", n.consistency, visit)
}
