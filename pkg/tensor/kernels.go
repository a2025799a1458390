package tensor

import "github.com/klauspost/cpuid/v2"

// dot computes the inner product of two equal-length slices.
var dot func(a, b []float32) float32 = dotScalar

// axpy computes dst += alpha * src.
var axpy func(dst, src []float32, alpha float32) = axpyScalar

// kernelName records the kernel set chosen in init.
var kernelName = "scalar"

func init() {
	// Wide unrolling only pays off when the core can issue several FMAs per cycle.
	if cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) {
		dot = dotUnrolled
		axpy = axpyUnrolled
		kernelName = "unrolled8"
	}
}

// KernelName reports which inner-product kernel was selected for this CPU.
func KernelName() string {
	return kernelName
}

func dotScalar(a, b []float32) float32 {
	b = b[:len(a)]
	var sum float32
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

func dotUnrolled(a, b []float32) float32 {
	b = b[:len(a)]
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	i := 0
	for ; i+8 <= len(a); i += 8 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return ((s0 + s1) + (s2 + s3)) + ((s4 + s5) + (s6 + s7))
}

func axpyScalar(dst, src []float32, alpha float32) {
	src = src[:len(dst)]
	for i := range dst {
		dst[i] += alpha * src[i]
	}
}

func axpyUnrolled(dst, src []float32, alpha float32) {
	src = src[:len(dst)]
	i := 0
	for ; i+4 <= len(dst); i += 4 {
		dst[i] += alpha * src[i]
		dst[i+1] += alpha * src[i+1]
		dst[i+2] += alpha * src[i+2]
		dst[i+3] += alpha * src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += alpha * src[i]
	}
}
