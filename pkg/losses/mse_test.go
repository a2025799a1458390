package losses

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/justinsb/sepnet/pkg/deprecation"
	"github.com/justinsb/sepnet/pkg/tensor"
)

func TestPairwiseMSE(t *testing.T) {
	est := pseudoRandom(1, 4, 3, 2, 5)
	target := pseudoRandom(2, 4, 3, 2, 5)

	pw, err := PairwiseMSE(est, target)
	if err != nil {
		t.Fatalf("PairwiseMSE: %v", err)
	}
	if !slices.Equal(pw.Shape(), []int{4, 3, 3}) {
		t.Fatalf("expected shape [4 3 3], got %v", pw.Shape())
	}
	for b := 0; b < 4; b++ {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				var sum float64
				for f := 0; f < 2; f++ {
					for k := 0; k < 5; k++ {
						d := float64(target.At(b, j, f, k) - est.At(b, i, f, k))
						sum += d * d
					}
				}
				want := float32(sum / 10)
				if math.Abs(float64(pw.At(b, i, j)-want)) > 1e-5 {
					t.Errorf("pw[%d,%d,%d] = %v, want %v", b, i, j, pw.At(b, i, j), want)
				}
			}
		}
	}
}

func TestPairwiseDiagonalMatchesSingleSource(t *testing.T) {
	est := pseudoRandom(3, 2, 2, 16)
	target := pseudoRandom(4, 2, 2, 16)
	pw, err := PairwiseMSE(est, target)
	if err != nil {
		t.Fatalf("PairwiseMSE: %v", err)
	}
	multi, err := MultiSrcMSE(est, target)
	if err != nil {
		t.Fatalf("MultiSrcMSE: %v", err)
	}
	for b := 0; b < 2; b++ {
		diag := (pw.At(b, 0, 0) + pw.At(b, 1, 1)) / 2
		if math.Abs(float64(diag-multi.At(b))) > 1e-5 {
			t.Errorf("batch %d: mean of diagonal %v != MultiSrcMSE %v", b, diag, multi.At(b))
		}
	}
}

func TestSingleSrcMSE(t *testing.T) {
	est := tensor.MustFromValues([]float32{1, 2, 3, 4, 0, 0, 0, 0}, 2, 4)
	target := tensor.MustFromValues([]float32{1, 2, 3, 6, 1, 1, 1, 1}, 2, 4)
	loss, err := SingleSrcMSE(est, target)
	if err != nil {
		t.Fatalf("SingleSrcMSE: %v", err)
	}
	if !slices.Equal(loss.Shape(), []int{2}) {
		t.Fatalf("expected shape [2], got %v", loss.Shape())
	}
	if loss.At(0) != 1 || loss.At(1) != 1 {
		t.Errorf("expected [1 1], got %v", loss.Values())
	}

	same, err := SingleSrcMSE(target, target)
	if err != nil {
		t.Fatalf("SingleSrcMSE: %v", err)
	}
	for _, v := range same.Values() {
		if v != 0 {
			t.Errorf("SingleSrcMSE(x, x) should be zero, got %v", same.Values())
		}
	}
}

func TestEmptyFeaturesGiveZeroLoss(t *testing.T) {
	est := tensor.New(2, 3, 0)
	target := tensor.New(2, 3, 0)

	pairwise, err := PairwiseMSE(est, target)
	if err != nil {
		t.Fatalf("PairwiseMSE: %v", err)
	}
	if !slices.Equal(pairwise.Shape(), []int{2, 3, 3}) {
		t.Fatalf("expected shape [2 3 3], got %v", pairwise.Shape())
	}
	single, err := SingleSrcMSE(est, target)
	if err != nil {
		t.Fatalf("SingleSrcMSE: %v", err)
	}
	for _, v := range append(pairwise.Values(), single.Values()...) {
		if v != 0 {
			t.Errorf("expected zero loss, got %v and %v", pairwise.Values(), single.Values())
			break
		}
	}
}

func TestShapeErrors(t *testing.T) {
	grid := []struct {
		name        string
		loss        func(est, target *tensor.Tensor) (*tensor.Tensor, error)
		est, target *tensor.Tensor
	}{
		{"pairwise mismatch", PairwiseMSE, tensor.New(4, 3, 100), tensor.New(4, 2, 100)},
		{"pairwise rank", PairwiseMSE, tensor.New(4, 100), tensor.New(4, 100)},
		{"single mismatch", SingleSrcMSE, tensor.New(4, 3, 100), tensor.New(4, 2, 100)},
		{"single rank", SingleSrcMSE, tensor.New(100), tensor.New(100)},
		{"legacy mismatch", NoSrcMSEFunc, tensor.New(4, 3, 100), tensor.New(4, 2, 100)},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			_, err := g.loss(g.est, g.target)
			if !errors.Is(err, tensor.ErrShapeMismatch) {
				t.Errorf("expected shape mismatch, got %v", err)
			}
		})
	}
}

func TestLegacyAliases(t *testing.T) {
	var notices []string
	restore := deprecation.SetHandler(func(message string) { notices = append(notices, message) })
	defer restore()

	est := pseudoRandom(5, 3, 2, 8)
	target := pseudoRandom(6, 3, 2, 8)
	want, err := SingleSrcMSE(est, target)
	if err != nil {
		t.Fatalf("SingleSrcMSE: %v", err)
	}

	legacy := NewNoSrcMSE()
	if len(notices) != 1 {
		t.Fatalf("expected one notice on construction, got %v", notices)
	}
	for i := 0; i < 3; i++ {
		got, err := legacy.Forward(est, target)
		if err != nil {
			t.Fatalf("NoSrcMSE: %v", err)
		}
		if !slices.Equal(got.Values(), want.Values()) {
			t.Errorf("NoSrcMSE differs: %v vs %v", got.Values(), want.Values())
		}
	}
	if len(notices) != 1 {
		t.Errorf("Forward should not emit notices, got %v", notices)
	}

	NewNonPitMSE()
	if len(notices) != 2 {
		t.Errorf("each instantiation should emit, got %v", notices)
	}

	got, err := NonPitMSEFunc(est, target)
	if err != nil {
		t.Fatalf("NonPitMSEFunc: %v", err)
	}
	if !slices.Equal(got.Values(), want.Values()) {
		t.Errorf("NonPitMSEFunc differs")
	}
}

func pseudoRandom(seed int, dims ...int) *tensor.Tensor {
	x := tensor.New(dims...)
	state := uint32(seed*2654435761 + 1)
	for i := range x.Values() {
		state = state*1664525 + 1013904223
		x.Values()[i] = float32(state>>8)/float32(1<<24)*2 - 1
	}
	return x
}
