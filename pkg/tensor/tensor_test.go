package tensor

import (
	"encoding/json"
	"errors"
	"math"
	"slices"
	"testing"
)

func TestReshapeSharesStorage(t *testing.T) {
	x := MustFromValues([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y, err := x.Reshape(3, -1)
	if err != nil {
		t.Fatalf("reshape: %v", err)
	}
	if !slices.Equal(y.Shape(), []int{3, 2}) {
		t.Fatalf("unexpected shape %v", y.Shape())
	}
	y.Set(42, 2, 1)
	if x.At(1, 2) != 42 {
		t.Errorf("reshape did not share storage")
	}

	if _, err := x.Reshape(4, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestFromValuesRejectsWrongLength(t *testing.T) {
	_, err := FromValues([]float32{1, 2, 3}, 2, 2)
	var shapeErr *ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}

func TestNegativeDimensionsRejected(t *testing.T) {
	if _, err := FromValues([]float32{1, 2, 3, 4, 5, 6}, -2, -3); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("FromValues: expected shape mismatch, got %v", err)
	}

	var x Tensor
	err := json.Unmarshal([]byte(`{"dimensions":[-2,-3],"values":[1,2,3,4,5,6]}`), &x)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("UnmarshalJSON: expected shape mismatch, got %v", err)
	}
}

func TestMeanLastAxis(t *testing.T) {
	x := MustFromValues([]float32{1, 2, 3, 4, 6, 8}, 2, 3)
	got, err := MeanLastAxis(x)
	if err != nil {
		t.Fatalf("mean: %v", err)
	}
	if !floatingPointEqual(got.Values(), []float32{2, 6}) {
		t.Errorf("got %v", got.Values())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	x := MustFromValues([]float32{1, 2, 3, 4}, 1, 2, 2)
	b, err := json.Marshal(x)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var y Tensor
	if err := json.Unmarshal(b, &y); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !SameShape(x, &y) || !floatingPointEqual(x.Values(), y.Values()) {
		t.Errorf("round trip changed tensor: %v vs %v", x, &y)
	}
}

func TestKernelsAgree(t *testing.T) {
	a := make([]float32, 37)
	b := make([]float32, 37)
	for i := range a {
		a[i] = float32(i) * 0.25
		b[i] = float32(37-i) * 0.5
	}
	if math.Abs(float64(dotScalar(a, b)-dotUnrolled(a, b))) > 1e-3 {
		t.Errorf("dot kernels disagree: %v vs %v", dotScalar(a, b), dotUnrolled(a, b))
	}

	d1 := slices.Clone(a)
	d2 := slices.Clone(a)
	axpyScalar(d1, b, 0.5)
	axpyUnrolled(d2, b, 0.5)
	if !floatingPointEqual(d1, d2) {
		t.Errorf("axpy kernels disagree")
	}
}

func TestKernelNameMatchesSelection(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	b := []float32{9, 8, 7, 6, 5, 4, 3, 2, 1}

	var want float32
	switch KernelName() {
	case "scalar":
		want = dotScalar(a, b)
	case "unrolled8":
		want = dotUnrolled(a, b)
	default:
		t.Fatalf("unknown kernel %q", KernelName())
	}
	if got := dot(a, b); got != want {
		t.Errorf("dot with kernel %q = %v, want %v", KernelName(), got, want)
	}
}

func floatingPointEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, value := range a {
		if math.Abs(float64(value-b[i])) > 0.00001 {
			return false
		}
	}
	return true
}
