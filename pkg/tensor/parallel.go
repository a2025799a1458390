package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minParallelWork is the number of multiply-adds below which a kernel runs inline.
const minParallelWork = 1 << 14

// parallelFor runs body(i) for i in [0, n). Each index is handled by exactly
// one goroutine, so bodies that only write their own output rows are race free.
func parallelFor(n int, work int, body func(i int)) {
	if n <= 1 || work < minParallelWork {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			body(i)
			return nil
		})
	}
	_ = g.Wait()
}
