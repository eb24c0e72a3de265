package pipeline

import (
	"fmt"

	"github.com/fpang/nslt-input/internal/video"
)

// PadSource copies frames into a zeroed buffer of srcMaxLen frames. Frames
// beyond the tensor's length stay zero.
func PadSource(frames *video.FrameTensor, srcMaxLen int) ([]float32, error) {
	if frames.Length > srcMaxLen {
		return nil, fmt.Errorf("%w: %d frames, max %d", ErrShape, frames.Length, srcMaxLen)
	}
	out := make([]float32, srcMaxLen*video.FrameSize)
	copy(out, frames.Data[:frames.Length*video.FrameSize])
	return out, nil
}

// PadTarget zero-pads ids to tgtMaxLen.
func PadTarget(ids []int32, tgtMaxLen int) ([]int32, error) {
	if len(ids) > tgtMaxLen {
		return nil, fmt.Errorf("%w: %d target ids, max %d", ErrShape, len(ids), tgtMaxLen)
	}
	out := make([]int32, tgtMaxLen)
	copy(out, ids)
	return out, nil
}

// ShiftTargets builds the decoder input [sos]+ids and the expected output
// ids+[eos]. Both have len(ids)+1 elements.
func ShiftTargets(ids []int32, sos, eos int32) (input, output []int32) {
	input = make([]int32, 0, len(ids)+1)
	input = append(input, sos)
	input = append(input, ids...)

	output = make([]int32, 0, len(ids)+1)
	output = append(output, ids...)
	output = append(output, eos)
	return input, output
}
