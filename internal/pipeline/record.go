package pipeline

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/fpang/nslt-input/internal/video"
)

// Record is one padded example ready for the model.
type Record struct {
	Index int
	Path  string

	// Source holds SrcMaxLen frames, flat in [frame, height, width, channel]
	// order, zero beyond SourceLength.
	Source       []float32
	SrcMaxLen    int
	SourceLength int32

	// TargetInput and TargetOutput are nil for inference records.
	TargetInput  []int32
	TargetOutput []int32
	TargetLength int32
}

// HasTarget reports whether the record carries target sequences.
func (r *Record) HasTarget() bool { return r.TargetInput != nil }

// SourceShape returns [SrcMaxLen, FrameHeight, FrameWidth, FrameChannels].
func (r *Record) SourceShape() []int {
	return []int{r.SrcMaxLen, video.FrameHeight, video.FrameWidth, video.FrameChannels}
}

// Tensors converts the record to gomlx tensors in the order source,
// target input, target output, source length, target length. Inference
// records give only source and source length.
func (r *Record) Tensors() []*tensors.Tensor {
	source := tensors.FromFlatDataAndDimensions(r.Source, r.SourceShape()...)
	sourceLength := tensors.FromFlatDataAndDimensions([]int32{r.SourceLength}, 1)
	if !r.HasTarget() {
		return []*tensors.Tensor{source, sourceLength}
	}
	return []*tensors.Tensor{
		source,
		tensors.FromFlatDataAndDimensions(r.TargetInput, 1, len(r.TargetInput)),
		tensors.FromFlatDataAndDimensions(r.TargetOutput, 1, len(r.TargetOutput)),
		sourceLength,
		tensors.FromFlatDataAndDimensions([]int32{r.TargetLength}, 1),
	}
}
