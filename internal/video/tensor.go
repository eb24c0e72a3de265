package video

// Fixed geometry of a decoded frame.
const (
	FrameHeight   = 227
	FrameWidth    = 227
	FrameChannels = 3
	// FrameSize is the number of float32 values in one frame.
	FrameSize = FrameHeight * FrameWidth * FrameChannels
)

// FrameTensor is a sequence of RGB frames with values in [0, 1], stored
// frame-major as [Length, FrameHeight, FrameWidth, FrameChannels].
type FrameTensor struct {
	Length int
	Data   []float32
}

// NewFrameTensor allocates a zeroed tensor of length frames.
func NewFrameTensor(length int) *FrameTensor {
	if length < 0 {
		length = 0
	}
	return &FrameTensor{Length: length, Data: make([]float32, length*FrameSize)}
}

// Frame returns the values of frame i. The slice aliases the tensor.
func (t *FrameTensor) Frame(i int) []float32 {
	return t.Data[i*FrameSize : (i+1)*FrameSize]
}

// Shape returns [Length, FrameHeight, FrameWidth, FrameChannels].
func (t *FrameTensor) Shape() []int {
	return []int{t.Length, FrameHeight, FrameWidth, FrameChannels}
}

// Reverse reverses the temporal order of the frames in place.
func (t *FrameTensor) Reverse() {
	if t.Length < 2 {
		return
	}
	tmp := make([]float32, FrameSize)
	for i, j := 0, t.Length-1; i < j; i, j = i+1, j-1 {
		a, b := t.Frame(i), t.Frame(j)
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}
