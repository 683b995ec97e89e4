package cpuhost

import (
	"github.com/nmxmxh/tangled/pkg/gpgpu"
)

// KernelFunc computes the next value of one cell.
type KernelFunc func(c Cell) [4]float32

// Cell is the view a KernelFunc gets of one output cell and its inputs.
type Cell struct {
	X, Y       int
	Resolution [2]float32

	samplers map[string]*surface
	uniforms map[string]any
}

// Texel reads cell (x, y) of the named sampler with clamp-to-edge
// addressing. Unbound names read as zero.
func (c Cell) Texel(name string, x, y int) [4]float32 {
	s, ok := c.samplers[name]
	if !ok {
		return [4]float32{}
	}
	return s.texel(x, y)
}

// Self reads the named sampler at this cell.
func (c Cell) Self(name string) [4]float32 { return c.Texel(name, c.X, c.Y) }

// Float returns a Float uniform, or zero.
func (c Cell) Float(name string) float32 {
	f, _ := c.uniforms[name].(float32)
	return f
}

// Int returns an Int uniform, or zero.
func (c Cell) Int(name string) int {
	n, _ := c.uniforms[name].(int32)
	return int(n)
}

// Floats returns a FloatArray or VecN uniform as a slice.
func (c Cell) Floats(name string) []float32 {
	switch v := c.uniforms[name].(type) {
	case []float32:
		return v
	case [2]float32:
		return v[:]
	case [3]float32:
		return v[:]
	case [4]float32:
		return v[:]
	}
	return nil
}

type goKernel struct {
	fn       KernelFunc
	owner    *Host
	released bool
}

func (k *goKernel) Release() { k.released = true }

func (k *goKernel) rowFunc(samplers map[string]*surface, in gpgpu.Inputs, width int) func(int, []float32) error {
	return func(y int, row []float32) error {
		c := Cell{Y: y, Resolution: in.Resolution, samplers: samplers, uniforms: in.Uniforms}
		for x := 0; x < width; x++ {
			c.X = x
			v := k.fn(c)
			copy(row[x*gpgpu.Channels:], v[:])
		}
		return nil
	}
}
