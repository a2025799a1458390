package tensor

// Add returns a + b. The shapes must match exactly.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, &ShapeError{Op: "Add", Got: b.Shape(), Want: a.Shape()}
	}
	out := a.Clone()
	for i, v := range b.values {
		out.values[i] += v
	}
	return out, nil
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) error {
	if !SameShape(dst, src) {
		return &ShapeError{Op: "AddInPlace", Got: src.Shape(), Want: dst.Shape()}
	}
	axpy(dst.values, src.values, 1)
	return nil
}

// AddScaledInPlace accumulates scale * src into dst.
func AddScaledInPlace(dst, src *Tensor, scale float32) error {
	if !SameShape(dst, src) {
		return &ShapeError{Op: "AddScaledInPlace", Got: src.Shape(), Want: dst.Shape()}
	}
	axpy(dst.values, src.values, scale)
	return nil
}

// Scale returns t * scale.
func Scale(t *Tensor, scale float32) *Tensor {
	out := t.Clone()
	ScaleInPlace(out, scale)
	return out
}

// ScaleInPlace multiplies every element by scale.
func ScaleInPlace(t *Tensor, scale float32) {
	values := t.values
	for i := range values {
		values[i] *= scale
	}
}

// MeanLastAxis averages over the last axis, dropping it from the shape.
func MeanLastAxis(t *Tensor) (*Tensor, error) {
	if t.NDimensions() < 1 {
		return nil, &ShapeError{Op: "MeanLastAxis", Got: t.Shape(), Msg: "tensor has no axes"}
	}
	n := t.Dim(-1)
	outer := t.dimensions[:len(t.dimensions)-1]
	out := New(outer...)
	if n == 0 {
		return out, nil
	}
	inv := 1 / float32(n)
	for i := range out.values {
		row := t.values[i*n : (i+1)*n]
		var sum float32
		for _, v := range row {
			sum += v
		}
		out.values[i] = sum * inv
	}
	return out, nil
}
