package losses

import (
	"github.com/justinsb/sepnet/pkg/deprecation"
	"github.com/justinsb/sepnet/pkg/tensor"
)

// NoSrcMSE is the legacy name of SingleSrcMSE.
//
// Deprecated: use SingleSrcMSE.
type NoSrcMSE struct{}

// NewNoSrcMSE emits a deprecation notice for every instance created.
//
// Deprecated: use SingleSrcMSE.
func NewNoSrcMSE() *NoSrcMSE {
	deprecation.NewNotice("NoSrcMSE is deprecated, use SingleSrcMSE instead").Emit()
	return &NoSrcMSE{}
}

// NewNonPitMSE is the legacy constructor name for NewNoSrcMSE.
//
// Deprecated: use MultiSrcMSE.
var NewNonPitMSE = NewNoSrcMSE

func (*NoSrcMSE) Forward(est, target *tensor.Tensor) (*tensor.Tensor, error) {
	return SingleSrcMSE(est, target)
}

var (
	noSrcNotice  = deprecation.NewNotice("nosrc_mse is deprecated, use SingleSrcMSE instead")
	nonPitNotice = deprecation.NewNotice("nonpit_mse is deprecated, use MultiSrcMSE instead")
)

// NoSrcMSEFunc is the legacy name of SingleSrcMSE.
//
// Deprecated: use SingleSrcMSE.
func NoSrcMSEFunc(est, target *tensor.Tensor) (*tensor.Tensor, error) {
	noSrcNotice.Emit()
	return SingleSrcMSE(est, target)
}

// NonPitMSEFunc is the legacy name of MultiSrcMSE.
//
// Deprecated: use MultiSrcMSE.
func NonPitMSEFunc(est, target *tensor.Tensor) (*tensor.Tensor, error) {
	nonPitNotice.Emit()
	return MultiSrcMSE(est, target)
}
