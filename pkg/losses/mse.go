// Package losses implements the mean squared error losses consumed by
// permutation-invariant training.
package losses

import (
	"fmt"

	"github.com/justinsb/sepnet/pkg/tensor"
)

// PairwiseLoss computes a [batch, n_src, n_src] loss between every estimate
// and every target.
type PairwiseLoss func(est, target *tensor.Tensor) (*tensor.Tensor, error)

// Loss computes one loss value per batch element.
type Loss func(est, target *tensor.Tensor) (*tensor.Tensor, error)

var (
	_ PairwiseLoss = PairwiseMSE
	_ Loss         = SingleSrcMSE
)

// PairwiseMSE returns out[b, i, j] = mean((target[b, j] - est[b, i])^2) over
// the feature dimensions. Inputs must have shape [batch, n_src, *]. With no
// feature elements the loss is zero rather than NaN.
func PairwiseMSE(est, target *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(est, target) || target.NDimensions() < 3 {
		return nil, &tensor.ShapeError{
			Op:   "PairwiseMSE",
			Got:  est.Shape(),
			Want: target.Shape(),
			Msg:  "inputs must be of shape [batch, n_src, *]",
		}
	}
	batch, nSrc := target.Dim(0), target.Dim(1)
	features := 1
	for _, d := range target.Shape()[2:] {
		features *= d
	}

	out := tensor.New(batch, nSrc, nSrc)
	if features == 0 {
		return out, nil
	}
	estValues, targetValues := est.Values(), target.Values()
	result := out.Values()
	inv := 1 / float64(features)
	for b := 0; b < batch; b++ {
		for i := 0; i < nSrc; i++ {
			e := estValues[(b*nSrc+i)*features : (b*nSrc+i+1)*features]
			for j := 0; j < nSrc; j++ {
				tg := targetValues[(b*nSrc+j)*features : (b*nSrc+j+1)*features]
				result[(b*nSrc+i)*nSrc+j] = float32(squaredError(e, tg) * inv)
			}
		}
	}
	return out, nil
}

// SingleSrcMSE returns the mean squared error per batch element. Inputs must
// have shape [batch, *], with or without a source axis. Empty inputs give a
// zero loss.
func SingleSrcMSE(est, target *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(est, target) || target.NDimensions() < 2 {
		return nil, &tensor.ShapeError{
			Op:   "SingleSrcMSE",
			Got:  est.Shape(),
			Want: target.Shape(),
			Msg:  "inputs must be of shape [batch, *]",
		}
	}
	batch := target.Dim(0)
	out := tensor.New(batch)
	if target.Len() == 0 {
		return out, nil
	}
	features := target.Len() / batch
	estValues, targetValues := est.Values(), target.Values()
	for b := 0; b < batch; b++ {
		e := estValues[b*features : (b+1)*features]
		tg := targetValues[b*features : (b+1)*features]
		out.Values()[b] = float32(squaredError(e, tg) / float64(features))
	}
	return out, nil
}

// MultiSrcMSE is SingleSrcMSE applied to [batch, n_src, *] tensors, averaging
// over sources as well as features.
var MultiSrcMSE Loss = SingleSrcMSE

func squaredError(est, target []float32) float64 {
	if len(est) != len(target) {
		panic(fmt.Sprintf("length mismatch %d != %d", len(est), len(target)))
	}
	var sum float64
	for i, v := range est {
		d := float64(target[i]) - float64(v)
		sum += d * d
	}
	return sum
}
