package cpuhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/tangled/pkg/gpgpu"
)

func seeded(t *testing.T, h *Host, w, hgt int, fn func(x, y int) [4]float32) gpgpu.Surface {
	t.Helper()
	b := gpgpu.NewBuffer(w, hgt)
	b.Fill(fn)
	s, err := h.NewTexture(b)
	require.NoError(t, err)
	return s
}

func read(t *testing.T, h *Host, s gpgpu.Surface) *gpgpu.Buffer {
	t.Helper()
	w, hgt := s.Size()
	b := gpgpu.NewBuffer(w, hgt)
	require.NoError(t, h.ReadPixels(s, b))
	return b
}

func TestCapabilities(t *testing.T) {
	h := New()
	caps := h.Capabilities()
	assert.True(t, caps.FloatTargets)
	assert.Equal(t, 16, caps.MaxSamplers)
	assert.Equal(t, gpgpu.LanguageExpr, caps.Language)

	h = New(WithoutFloatTargets(), WithMaxSamplers(2))
	caps = h.Capabilities()
	assert.False(t, caps.FloatTargets)
	assert.Equal(t, 2, caps.MaxSamplers)
}

func TestPassThroughCopiesInput(t *testing.T) {
	h := New(WithWorkers(2))
	src := seeded(t, h, 3, 2, func(x, y int) [4]float32 { return [4]float32{float32(x), float32(y), 1, 2} })
	k, err := h.Compile(h.PassThroughSource(), gpgpu.Signature{Samplers: []string{gpgpu.PassThroughSampler}})
	require.NoError(t, err)

	dst, err := h.NewTarget(3, 2)
	require.NoError(t, err)
	in := gpgpu.Inputs{Samplers: map[string]gpgpu.Surface{gpgpu.PassThroughSampler: src}}
	require.NoError(t, h.Run(k, in, dst))

	out := read(t, h, dst)
	assert.Equal(t, [4]float32{2, 1, 1, 2}, out.At(2, 1))
	assert.Equal(t, [4]float32{0, 0, 1, 2}, out.At(0, 0))
}

func TestExprProgram(t *testing.T) {
	h := New()
	src := seeded(t, h, 4, 4, func(x, y int) [4]float32 { return [4]float32{float32(x), float32(y), 0, 1} })
	sig := gpgpu.Signature{
		Samplers: []string{"pos"},
		Uniforms: []gpgpu.UniformDecl{{Name: "gain", Kind: gpgpu.Float}, {Name: "offset", Kind: gpgpu.Vec2}},
	}
	k, err := h.Compile(`let p = texel(pos, x, y); vec4(p[0]*gain + offset[0], p[1] + offset[1], uv[0], resolution[0])`, sig)
	require.NoError(t, err)

	dst, err := h.NewTarget(4, 4)
	require.NoError(t, err)
	in := gpgpu.Inputs{
		Samplers:   map[string]gpgpu.Surface{"pos": src},
		Uniforms:   map[string]any{"gain": float32(2), "offset": [2]float32{10, 20}},
		Resolution: [2]float32{4, 4},
	}
	require.NoError(t, h.Run(k, in, dst))

	out := read(t, h, dst)
	assert.Equal(t, [4]float32{16, 22, 0.875, 4}, out.At(3, 2))
	assert.Equal(t, [4]float32{10, 20, 0.125, 4}, out.At(0, 0))
}

func TestExprVectorHelpers(t *testing.T) {
	h := New()
	k, err := h.Compile(`let d = sub(vec2(3, 4), vec2(0, 0)); vec4(length(d), dot(d, d), normalize(d)[0], clamp(mix(0, 10, 0.5), 0, 4))`, gpgpu.Signature{})
	require.NoError(t, err)
	dst, err := h.NewTarget(1, 1)
	require.NoError(t, err)
	require.NoError(t, h.Run(k, gpgpu.Inputs{Resolution: [2]float32{1, 1}}, dst))
	assert.InDeltaSlice(t, []float32{5, 25, 0.6, 4}, read(t, h, dst).Data, 1e-6)
}

func TestExprSmoothstep(t *testing.T) {
	h := New()
	k, err := h.Compile(`vec4(smoothstep(0, 10, 5), smoothstep(0, 10, -1), smoothstep(0, 4, 1), smoothstep(2, 2, 3))`, gpgpu.Signature{})
	require.NoError(t, err)
	dst, err := h.NewTarget(1, 1)
	require.NoError(t, err)
	require.NoError(t, h.Run(k, gpgpu.Inputs{Resolution: [2]float32{1, 1}}, dst))
	assert.InDeltaSlice(t, []float32{0.5, 0, 0.15625, 1}, read(t, h, dst).Data, 1e-6)
}

func TestExprCompileRejectsUndeclaredNames(t *testing.T) {
	h := New()
	_, err := h.Compile(`vec4(missing, 0, 0, 1)`, gpgpu.Signature{})
	require.Error(t, err)

	_, err = h.Compile(`vec4(0, 0, 0, 1)`, gpgpu.Signature{Samplers: []string{"uv"}})
	require.Error(t, err)
}

func TestExprWrongArityFailsRun(t *testing.T) {
	h := New()
	k, err := h.Compile(`vec3(1, 2, 3)`, gpgpu.Signature{})
	require.NoError(t, err)
	dst, err := h.NewTarget(2, 2)
	require.NoError(t, err)
	assert.Error(t, h.Run(k, gpgpu.Inputs{Resolution: [2]float32{2, 2}}, dst))
}

func TestGoKernel(t *testing.T) {
	h := New()
	h.RegisterKernel("double", func(c Cell) [4]float32 {
		v := c.Self("in")
		s := c.Float("k")
		return [4]float32{v[0] * s, float32(c.Int("n")), c.Floats("arr")[1], 1}
	})
	src := seeded(t, h, 2, 2, func(x, y int) [4]float32 { return [4]float32{float32(x + y), 0, 0, 0} })
	k, err := h.Compile("kernel:double", gpgpu.Signature{Samplers: []string{"in"}})
	require.NoError(t, err)
	dst, err := h.NewTarget(2, 2)
	require.NoError(t, err)

	in := gpgpu.Inputs{
		Samplers: map[string]gpgpu.Surface{"in": src},
		Uniforms: map[string]any{"k": float32(3), "n": int32(7), "arr": []float32{0, 9}},
	}
	require.NoError(t, h.Run(k, in, dst))
	assert.Equal(t, [4]float32{6, 7, 9, 1}, read(t, h, dst).At(1, 1))

	_, err = h.Compile("kernel:nope", gpgpu.Signature{})
	assert.Error(t, err)
}

func TestRunRejectsFeedbackAndForeignSurfaces(t *testing.T) {
	h := New()
	other := New()
	k, err := h.Compile(h.PassThroughSource(), gpgpu.Signature{Samplers: []string{gpgpu.PassThroughSampler}})
	require.NoError(t, err)
	dst, err := h.NewTarget(1, 1)
	require.NoError(t, err)

	err = h.Run(k, gpgpu.Inputs{Samplers: map[string]gpgpu.Surface{gpgpu.PassThroughSampler: dst}}, dst)
	assert.ErrorIs(t, err, ErrFeedback)

	foreign, err := other.NewTarget(1, 1)
	require.NoError(t, err)
	err = h.Run(k, gpgpu.Inputs{Samplers: map[string]gpgpu.Surface{gpgpu.PassThroughSampler: foreign}}, dst)
	assert.ErrorIs(t, err, ErrForeignResource)

	src, err := h.NewTarget(1, 1)
	require.NoError(t, err)
	src.Release()
	err = h.Run(k, gpgpu.Inputs{Samplers: map[string]gpgpu.Surface{gpgpu.PassThroughSampler: src}}, dst)
	assert.ErrorIs(t, err, ErrReleased)

	k.Release()
	live, err := h.NewTarget(1, 1)
	require.NoError(t, err)
	err = h.Run(k, gpgpu.Inputs{Samplers: map[string]gpgpu.Surface{gpgpu.PassThroughSampler: live}}, dst)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestNewTextureRejectsShortBuffer(t *testing.T) {
	h := New()
	_, err := h.NewTexture(&gpgpu.Buffer{Width: 2, Height: 2, Data: make([]float32, 3)})
	assert.ErrorIs(t, err, gpgpu.ErrBufferSize)
	_, err = h.NewTarget(0, 3)
	assert.Error(t, err)
}

func TestSampleClampsToEdge(t *testing.T) {
	h := New()
	src := seeded(t, h, 2, 1, func(x, y int) [4]float32 { return [4]float32{float32(x + 1), 0, 0, 0} })
	k, err := h.Compile(`let a = sample(src, vec2(-1, 0.5)); let b = texel(src, 9, 9); vec4(a[0], b[0], hash(1, 2) >= 0 ? 1 : 0, fract(1.25))`,
		gpgpu.Signature{Samplers: []string{"src"}})
	require.NoError(t, err)
	dst, err := h.NewTarget(1, 1)
	require.NoError(t, err)
	require.NoError(t, h.Run(k, gpgpu.Inputs{Samplers: map[string]gpgpu.Surface{"src": src}, Resolution: [2]float32{1, 1}}, dst))
	assert.Equal(t, [4]float32{1, 2, 1, 0.25}, read(t, h, dst).At(0, 0))
}
