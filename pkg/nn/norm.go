package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/justinsb/sepnet/pkg/tensor"
)

// ErrUnknownNorm is returned by GetNorm for names that were never registered.
var ErrUnknownNorm = errors.New("unknown normalization")

// Norm normalizes a [batch, channels, ...] tensor.
type Norm interface {
	Parameterized
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// NormFactory builds a normalization for the given channel count.
type NormFactory func(channels int) Norm

var (
	normsMutex sync.RWMutex
	norms      = map[string]NormFactory{
		"gLN":  func(c int) Norm { return NewGlobLN(c) },
		"cLN":  func(c int) Norm { return NewChanLN(c) },
		"cgLN": func(c int) Norm { return NewCumLN(c) },
		"fgLN": func(c int) Norm { return NewFeatsGlobLN(c) },
		"BN":   func(c int) Norm { return NewBatchNorm(c) },
	}
)

// GetNorm looks up a normalization by name.
func GetNorm(name string) (NormFactory, error) {
	normsMutex.RLock()
	defer normsMutex.RUnlock()
	f, found := norms[name]
	if !found {
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownNorm, name, normNamesLocked())
	}
	return f, nil
}

// RegisterNorm adds or replaces a named normalization.
func RegisterNorm(name string, f NormFactory) {
	normsMutex.Lock()
	defer normsMutex.Unlock()
	norms[name] = f
}

// NormNames lists the registered normalization names in sorted order.
func NormNames() []string {
	normsMutex.RLock()
	defer normsMutex.RUnlock()
	return normNamesLocked()
}

func normNamesLocked() []string {
	names := make([]string, 0, len(norms))
	for name := range norms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const lnEpsilon = 1e-8

// layout splits x into [batch, channels, frames], flattening trailing axes.
func layout(op string, x *tensor.Tensor, channels int) (batch, frames int, err error) {
	if x.NDimensions() < 2 || x.Dim(1) != channels {
		return 0, 0, &tensor.ShapeError{Op: op, Got: x.Shape(), Msg: fmt.Sprintf("expected %d channels on axis 1", channels)}
	}
	batch = x.Dim(0)
	frames = 1
	for _, d := range x.Shape()[2:] {
		frames *= d
	}
	return batch, frames, nil
}

// affine holds the per-channel gain and bias shared by the layer norms.
type affine struct {
	gamma *tensor.Tensor
	beta  *tensor.Tensor
}

func newAffine(channels int) affine {
	return affine{gamma: Fill(1, channels), beta: tensor.New(channels)}
}

func (a affine) VisitParams(visit func(name string, p *tensor.Tensor)) {
	visit("gamma", a.gamma)
	visit("beta", a.beta)
}

func (a affine) apply(values []float32, c int, mean, invStd float32) {
	g := a.gamma.Values()[c]
	b := a.beta.Values()[c]
	for i, v := range values {
		values[i] = g*(v-mean)*invStd + b
	}
}

func invStd(variance float64, eps float64) float32 {
	if variance < 0 {
		variance = 0
	}
	return float32(1.0 / math.Sqrt(variance+eps))
}

// GlobLN normalizes each batch element over all channels and frames.
type GlobLN struct {
	affine
	channels int
}

func NewGlobLN(channels int) *GlobLN {
	return &GlobLN{affine: newAffine(channels), channels: channels}
}

func (n *GlobLN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return groupNormalize("gLN", x, n.channels, 1, lnEpsilon, n.gamma, n.beta)
}

// ChanLN normalizes each frame over its channels.
type ChanLN struct {
	affine
	channels int
}

func NewChanLN(channels int) *ChanLN {
	return &ChanLN{affine: newAffine(channels), channels: channels}
}

func (n *ChanLN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	batch, frames, err := layout("cLN", x, n.channels)
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	values := out.Values()
	gamma, beta := n.gamma.Values(), n.beta.Values()
	for b := 0; b < batch; b++ {
		base := b * n.channels * frames
		for t := 0; t < frames; t++ {
			var sum, sumSq float64
			for c := 0; c < n.channels; c++ {
				v := float64(values[base+c*frames+t])
				sum += v
				sumSq += v * v
			}
			mean := sum / float64(n.channels)
			inv := invStd(sumSq/float64(n.channels)-mean*mean, lnEpsilon)
			m := float32(mean)
			for c := 0; c < n.channels; c++ {
				i := base + c*frames + t
				values[i] = gamma[c]*(values[i]-m)*inv + beta[c]
			}
		}
	}
	return out, nil
}

// CumLN normalizes frame t with statistics accumulated over all channels of
// frames 0..t, so that it can run causally.
type CumLN struct {
	affine
	channels int
}

func NewCumLN(channels int) *CumLN {
	return &CumLN{affine: newAffine(channels), channels: channels}
}

func (n *CumLN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	batch, frames, err := layout("cgLN", x, n.channels)
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	values := out.Values()
	gamma, beta := n.gamma.Values(), n.beta.Values()
	for b := 0; b < batch; b++ {
		base := b * n.channels * frames
		var sum, sumSq float64
		for t := 0; t < frames; t++ {
			for c := 0; c < n.channels; c++ {
				v := float64(x.Values()[base+c*frames+t])
				sum += v
				sumSq += v * v
			}
			count := float64(n.channels * (t + 1))
			mean := sum / count
			inv := invStd(sumSq/count-mean*mean, lnEpsilon)
			m := float32(mean)
			for c := 0; c < n.channels; c++ {
				i := base + c*frames + t
				values[i] = gamma[c]*(values[i]-m)*inv + beta[c]
			}
		}
	}
	return out, nil
}

// FeatsGlobLN normalizes each channel over its frames.
type FeatsGlobLN struct {
	affine
	channels int
}

func NewFeatsGlobLN(channels int) *FeatsGlobLN {
	return &FeatsGlobLN{affine: newAffine(channels), channels: channels}
}

func (n *FeatsGlobLN) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return groupNormalize("fgLN", x, n.channels, n.channels, lnEpsilon, n.gamma, n.beta)
}

// BatchNorm normalizes with running statistics, as at inference time.
type BatchNorm struct {
	channels    int
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
}

const bnEpsilon = 1e-5

func NewBatchNorm(channels int) *BatchNorm {
	return &BatchNorm{
		channels:    channels,
		Weight:      Fill(1, channels),
		Bias:        tensor.New(channels),
		RunningMean: tensor.New(channels),
		RunningVar:  Fill(1, channels),
	}
}

func (n *BatchNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	batch, frames, err := layout("BN", x, n.channels)
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	values := out.Values()
	for b := 0; b < batch; b++ {
		for c := 0; c < n.channels; c++ {
			mean := n.RunningMean.Values()[c]
			inv := invStd(float64(n.RunningVar.Values()[c]), bnEpsilon)
			g, bias := n.Weight.Values()[c], n.Bias.Values()[c]
			row := values[(b*n.channels+c)*frames : (b*n.channels+c+1)*frames]
			for i, v := range row {
				row[i] = g*(v-mean)*inv + bias
			}
		}
	}
	return out, nil
}

func (n *BatchNorm) VisitParams(visit func(name string, p *tensor.Tensor)) {
	visit("weight", n.Weight)
	visit("bias", n.Bias)
	visit("running_mean", n.RunningMean)
	visit("running_var", n.RunningVar)
}

// GroupNorm splits channels into groups and normalizes each group over its
// channels and frames. GroupNorm with one group matches GlobLN.
type GroupNorm struct {
	groups   int
	channels int
	eps      float64
	Weight   *tensor.Tensor
	Bias     *tensor.Tensor
}

func NewGroupNorm(groups, channels int, eps float64) *GroupNorm {
	if groups <= 0 {
		groups = 1
	}
	return &GroupNorm{
		groups:   groups,
		channels: channels,
		eps:      eps,
		Weight:   Fill(1, channels),
		Bias:     tensor.New(channels),
	}
}

func (n *GroupNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return groupNormalize("GroupNorm", x, n.channels, n.groups, n.eps, n.Weight, n.Bias)
}

func (n *GroupNorm) VisitParams(visit func(name string, p *tensor.Tensor)) {
	visit("weight", n.Weight)
	visit("bias", n.Bias)
}

func groupNormalize(op string, x *tensor.Tensor, channels, groups int, eps float64, gamma, beta *tensor.Tensor) (*tensor.Tensor, error) {
	batch, frames, err := layout(op, x, channels)
	if err != nil {
		return nil, err
	}
	if channels%groups != 0 {
		return nil, fmt.Errorf("%s: %d channels cannot be split into %d groups", op, channels, groups)
	}
	perGroup := channels / groups
	a := affine{gamma: gamma, beta: beta}
	out := x.Clone()
	values := out.Values()
	for b := 0; b < batch; b++ {
		for g := 0; g < groups; g++ {
			start := (b*channels + g*perGroup) * frames
			group := values[start : start+perGroup*frames]
			var sum, sumSq float64
			for _, v := range group {
				sum += float64(v)
				sumSq += float64(v) * float64(v)
			}
			count := float64(len(group))
			if count == 0 {
				continue
			}
			mean := sum / count
			inv := invStd(sumSq/count-mean*mean, eps)
			for c := 0; c < perGroup; c++ {
				a.apply(group[c*frames:(c+1)*frames], g*perGroup+c, float32(mean), inv)
			}
		}
	}
	return out, nil
}
