package masknn

// BlockPlan is the position-dependent configuration of one Conv1DBlock in a
// temporal convolutional stack.
type BlockPlan struct {
	Repeat   int
	Index    int
	Dilation int
	Padding  int
}

// PlanTCN lays out nRepeats*nBlocks dilated blocks in execution order. The
// dilation doubles with the index inside a repeat and the padding keeps the
// temporal length unchanged.
func PlanTCN(nRepeats, nBlocks, kernelSize int) []BlockPlan {
	plans := make([]BlockPlan, 0, nRepeats*nBlocks)
	for r := 0; r < nRepeats; r++ {
		for x := 0; x < nBlocks; x++ {
			dilation := 1 << x
			plans = append(plans, BlockPlan{
				Repeat:   r,
				Index:    x,
				Dilation: dilation,
				Padding:  (kernelSize - 1) * dilation / 2,
			})
		}
	}
	return plans
}

// LevelPlan configures one resolution level of a U-block.
type LevelPlan struct {
	Level      int
	Stride     int
	KernelSize int
	Padding    int
}

// firstLevelKernelSize is the kernel of the full-resolution level.
const firstLevelKernelSize = 5

// PlanUBlockLevels lays out depth levels: level 0 keeps the resolution, every
// further level halves it.
func PlanUBlockLevels(depth int) []LevelPlan {
	plans := make([]LevelPlan, 0, depth)
	for i := 0; i < depth; i++ {
		plan := LevelPlan{Level: i, Stride: 1, KernelSize: firstLevelKernelSize}
		if i > 0 {
			plan.Stride = 2
			plan.KernelSize = 2*plan.Stride + 1
		}
		plan.Padding = (plan.KernelSize - 1) / 2
		plans = append(plans, plan)
	}
	return plans
}

// ScalingInit returns the initial residual gates of a TDCNpp stack, one row
// per repeat holding 0.9^l for l = 1..nBlocks-1.
func ScalingInit(nRepeats, nBlocks int) [][]float32 {
	rows := make([][]float32, nRepeats)
	for r := range rows {
		row := make([]float32, 0, max(nBlocks-1, 0))
		scale := float32(1)
		for l := 1; l < nBlocks; l++ {
			scale *= 0.9
			row = append(row, scale)
		}
		rows[r] = row
	}
	return rows
}
