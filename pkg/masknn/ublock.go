package masknn

import (
	"fmt"

	"github.com/justinsb/sepnet/pkg/nn"
	"github.com/justinsb/sepnet/pkg/tensor"
)

// UBlockConfig configures a multi-resolution block. Channels is the width of
// the block input and output, HiddenChannels the width at which the levels
// are computed.
type UBlockConfig struct {
	Channels        int
	HiddenChannels  int
	UpsamplingDepth int
}

func (c UBlockConfig) validate() error {
	if c.Channels <= 0 || c.HiddenChannels <= 0 {
		return fmt.Errorf("u-block needs positive channel counts (channels=%d, hidden=%d)", c.Channels, c.HiddenChannels)
	}
	if c.UpsamplingDepth <= 0 {
		return fmt.Errorf("upsampling depth must be > 0 (got %d)", c.UpsamplingDepth)
	}
	return nil
}

// convNormAct is a convolution followed by a normalization and a PReLU.
type convNormAct struct {
	conv *nn.Conv1d
	norm nn.Norm
	act  *nn.PReLU
}

func (m *convNormAct) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return sequential(x, m.conv, m.norm, m.act)
}

func (m *convNormAct) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("conv", m.conv, visit)
	nn.Prefix("norm", m.norm, visit)
	nn.Prefix("act", m.act, visit)
}

// convNorm is a convolution followed by a normalization.
type convNorm struct {
	conv *nn.Conv1d
	norm nn.Norm
}

func (m *convNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return sequential(x, m.conv, m.norm)
}

func (m *convNorm) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("conv", m.conv, visit)
	nn.Prefix("norm", m.norm, visit)
}

// normAct is a normalization followed by a PReLU.
type normAct struct {
	norm nn.Norm
	act  *nn.PReLU
}

func (m *normAct) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return sequential(x, m.norm, m.act)
}

func (m *normAct) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("norm", m.norm, visit)
	nn.Prefix("act", m.act, visit)
}

// normFlavor picks the normalization and activation used throughout a
// U-block: UBlock uses a one-group GroupNorm with per-channel PReLU,
// UConvBlock uses gLN with a single shared PReLU slope.
type normFlavor struct {
	globalLN bool
}

func (f normFlavor) norm(channels int) nn.Norm {
	if f.globalLN {
		return nn.NewGlobLN(channels)
	}
	return nn.NewGroupNorm(1, channels, 1e-8)
}

func (f normFlavor) act(channels int) *nn.PReLU {
	if f.globalLN {
		return nn.NewPReLU(1)
	}
	return nn.NewPReLU(channels)
}

func (f normFlavor) normAct(channels int) *normAct {
	return &normAct{norm: f.norm(channels), act: f.act(channels)}
}

// uBlockBase holds the stages shared by UBlock and UConvBlock: the
// projection to the hidden width and one depth-wise convolution per level.
type uBlockBase struct {
	config UBlockConfig

	proj   *convNormAct
	levels []*convNorm
}

func newUBlockBase(init *nn.Init, config UBlockConfig, flavor normFlavor) (*uBlockBase, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	hidden := config.HiddenChannels
	b := &uBlockBase{
		config: config,
		proj: &convNormAct{
			conv: nn.Pointwise(init, config.Channels, hidden),
			norm: flavor.norm(hidden),
			act:  flavor.act(hidden),
		},
	}
	for _, plan := range PlanUBlockLevels(config.UpsamplingDepth) {
		b.levels = append(b.levels, &convNorm{
			conv: nn.NewConv1d(init, nn.Conv1dConfig{
				InChan:     hidden,
				OutChan:    hidden,
				KernelSize: plan.KernelSize,
				Stride:     plan.Stride,
				Padding:    plan.Padding,
				Dilation:   1,
				Groups:     hidden,
			}),
			norm: flavor.norm(hidden),
		})
	}
	return b, nil
}

// analyze projects x and returns one feature map per level, finest first.
// Level i+1 has ceil(len(i)/2) frames.
func (b *uBlockBase) analyze(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	projected, err := b.proj.Forward(x)
	if err != nil {
		return nil, err
	}
	maps := make([]*tensor.Tensor, 0, len(b.levels))
	current := projected
	for i, level := range b.levels {
		current, err = level.Forward(current)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		maps = append(maps, current)
	}
	return maps, nil
}

// merge folds the levels from coarsest to finest. Each coarse map is
// upsampled by two and then cropped (or extended by its last frame) to the
// length of the finer map before being added.
func (b *uBlockBase) merge(maps []*tensor.Tensor) (*tensor.Tensor, error) {
	for len(maps) > 1 {
		coarse := maps[len(maps)-1]
		maps = maps[:len(maps)-1]
		finer := maps[len(maps)-1]

		upsampled, err := tensor.UpsampleNearest1d(coarse, 2)
		if err != nil {
			return nil, err
		}
		if upsampled, err = tensor.FitLastAxis(upsampled, finer.Dim(-1)); err != nil {
			return nil, err
		}
		if err := tensor.AddInPlace(finer, upsampled); err != nil {
			return nil, err
		}
	}
	return maps[0], nil
}

func (b *uBlockBase) multiResolution(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.NDimensions() != 3 || x.Dim(1) != b.config.Channels {
		return nil, &tensor.ShapeError{
			Op:  "UBlock",
			Got: x.Shape(),
			Msg: fmt.Sprintf("expected [batch, %d, frames]", b.config.Channels),
		}
	}
	maps, err := b.analyze(x)
	if err != nil {
		return nil, err
	}
	return b.merge(maps)
}

func (b *uBlockBase) VisitParams(visit func(name string, p *tensor.Tensor)) {
	nn.Prefix("proj_1x1", b.proj, visit)
	for i, level := range b.levels {
		nn.Prefix(fmt.Sprintf("spp_dw.%d", i), level, visit)
	}
}

// UBlock is the successive downsampling and resampling block of SuDORMRF.
// The merged map is expanded back to Channels, added to the input and
// normalized.
type UBlock struct {
	*uBlockBase

	finalNorm  *normAct
	expand     *convNorm
	moduleNorm *normAct
}

func NewUBlock(init *nn.Init, config UBlockConfig) (*UBlock, error) {
	init = defaultInit(init)
	flavor := normFlavor{}
	base, err := newUBlockBase(init, config, flavor)
	if err != nil {
		return nil, err
	}
	return &UBlock{
		uBlockBase: base,
		finalNorm:  flavor.normAct(config.HiddenChannels),
		expand: &convNorm{
			conv: nn.Pointwise(init, config.HiddenChannels, config.Channels),
			norm: flavor.norm(config.Channels),
		},
		moduleNorm: flavor.normAct(config.Channels),
	}, nil
}

// Forward maps [batch, channels, frames] to the same shape.
func (b *UBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	merged, err := b.multiResolution(x)
	if err != nil {
		return nil, err
	}
	expanded, err := sequential(merged, b.finalNorm, b.expand)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(expanded, x); err != nil {
		return nil, err
	}
	return b.moduleNorm.Forward(expanded)
}

func (b *UBlock) VisitParams(visit func(name string, p *tensor.Tensor)) {
	b.uBlockBase.VisitParams(visit)
	nn.Prefix("final_norm", b.finalNorm, visit)
	nn.Prefix("conv_1x1_exp", b.expand, visit)
	nn.Prefix("module_act", b.moduleNorm, visit)
}

// UConvBlock is the block of the improved SuDORMRF. It normalizes with gLN
// and returns a plain 1x1 projection of the merged map plus the input.
type UConvBlock struct {
	*uBlockBase

	finalNorm *normAct
	resConv   *nn.Conv1d
}

func NewUConvBlock(init *nn.Init, config UBlockConfig) (*UConvBlock, error) {
	init = defaultInit(init)
	flavor := normFlavor{globalLN: true}
	base, err := newUBlockBase(init, config, flavor)
	if err != nil {
		return nil, err
	}
	return &UConvBlock{
		uBlockBase: base,
		finalNorm:  flavor.normAct(config.HiddenChannels),
		resConv:    nn.Pointwise(init, config.HiddenChannels, config.Channels),
	}, nil
}

// Forward maps [batch, channels, frames] to the same shape.
func (b *UConvBlock) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	merged, err := b.multiResolution(x)
	if err != nil {
		return nil, err
	}
	out, err := sequential(merged, b.finalNorm, b.resConv)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(out, x); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *UConvBlock) VisitParams(visit func(name string, p *tensor.Tensor)) {
	b.uBlockBase.VisitParams(visit)
	nn.Prefix("final_norm", b.finalNorm, visit)
	nn.Prefix("res_conv", b.resConv, visit)
}
