package gpgpu

// Channels is the number of float components stored per cell.
const Channels = 4

// Buffer is host-addressable RGBA float data laid out row-major.
type Buffer struct {
	Width  int
	Height int
	Data   []float32
}

// NewBuffer allocates a zeroed buffer. Non-positive dimensions clamp to 1.
func NewBuffer(width, height int) *Buffer {
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	return &Buffer{Width: width, Height: height, Data: make([]float32, width*height*Channels)}
}

// Index returns the offset of the first channel of cell (x, y).
func (b *Buffer) Index(x, y int) int { return (y*b.Width + x) * Channels }

// At returns the four channels of cell (x, y).
func (b *Buffer) At(x, y int) [4]float32 {
	i := b.Index(x, y)
	return [4]float32{b.Data[i], b.Data[i+1], b.Data[i+2], b.Data[i+3]}
}

// Set stores the four channels of cell (x, y).
func (b *Buffer) Set(x, y int, v [4]float32) {
	i := b.Index(x, y)
	copy(b.Data[i:i+Channels], v[:])
}

// Fill assigns every cell from fn.
func (b *Buffer) Fill(fn func(x, y int) [4]float32) {
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			b.Set(x, y, fn(x, y))
		}
	}
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{Width: b.Width, Height: b.Height, Data: make([]float32, len(b.Data))}
	copy(c.Data, b.Data)
	return c
}

// SameSize reports whether b covers a width x height domain with a full
// backing slice.
func (b *Buffer) SameSize(width, height int) bool {
	return b != nil && b.Width == width && b.Height == height && len(b.Data) == width*height*Channels
}
