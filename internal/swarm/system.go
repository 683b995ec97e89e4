// Package swarm is the particle swarm each window simulates and the per-frame
// glue between the window registry and the compute engine.
//
// Every window runs four ping-pong variables over a size x size grid, one
// particle per cell. Other windows show up as attractors that pull on the
// swarm from their position relative to this window.
package swarm

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/nmxmxh/tangled/pkg/gpgpu"
)

// System is one window's swarm on a compute engine.
type System struct {
	engine *gpgpu.Engine
	size   int

	posTarget gpgpu.Variable
	acc       gpgpu.Variable
	vel       gpgpu.Variable
	pos       gpgpu.Variable
}

// NewSystem declares and initializes the swarm on host. Program text is
// picked by the host's language. On error nothing stays allocated and the
// error satisfies gpgpu.IsInitError when the host cannot run the swarm.
func NewSystem(host gpgpu.Host, size int, seed int64, opts ...gpgpu.Option) (*System, error) {
	if size < 1 {
		size = 1
	}
	src, err := sourcesFor(host.Capabilities().Language)
	if err != nil {
		return nil, err
	}
	progs := programs(src)

	e := gpgpu.New(host, size, size, opts...)
	s := &System{engine: e, size: size}

	sphere := e.CreateBuffer()
	fillSphere(sphere, rand.New(rand.NewSource(seed)))

	add := func(name string, initial *gpgpu.Buffer) (gpgpu.Variable, error) {
		v, err := e.AddVariable(name, progs[name], initial)
		if err != nil {
			return gpgpu.Variable{}, fmt.Errorf("swarm: add %s: %w", name, err)
		}
		return v, nil
	}
	if s.posTarget, err = add(PosTarget, sphere); err != nil {
		return nil, err
	}
	if s.acc, err = add(Acc, e.CreateBuffer()); err != nil {
		return nil, err
	}
	if s.vel, err = add(Vel, e.CreateBuffer()); err != nil {
		return nil, err
	}
	if s.pos, err = add(Pos, sphere.Clone()); err != nil {
		return nil, err
	}

	deps := []struct {
		v    gpgpu.Variable
		deps []gpgpu.Variable
	}{
		{s.posTarget, []gpgpu.Variable{s.posTarget}},
		{s.acc, []gpgpu.Variable{s.posTarget, s.pos}},
		{s.vel, []gpgpu.Variable{s.acc, s.vel, s.pos}},
		{s.pos, []gpgpu.Variable{s.vel, s.pos, s.posTarget}},
	}
	for _, d := range deps {
		if err := e.SetDependencies(d.v, d.deps...); err != nil {
			return nil, err
		}
	}

	if err := e.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

// fillSphere seeds a jittered shell: every particle sits at 0.8 to 1.0 of
// SphereRadius in a uniformly random direction.
func fillSphere(buf *gpgpu.Buffer, rng *rand.Rand) {
	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			theta := rng.Float64() * 2 * math.Pi
			cphi := 2*rng.Float64() - 1
			sphi := math.Sqrt(1 - cphi*cphi)
			r := SphereRadius * (0.8 + 0.2*rng.Float64())
			buf.Set(x, y, [4]float32{
				float32(r * sphi * math.Cos(theta)),
				float32(r * sphi * math.Sin(theta)),
				float32(r * cphi),
				1,
			})
		}
	}
}

// Size returns the grid edge. The swarm has Size*Size particles.
func (s *System) Size() int { return s.size }

// Particles returns the particle count.
func (s *System) Particles() int { return s.size * s.size }

// Engine exposes the underlying engine, mostly for rendering code that binds
// current targets directly.
func (s *System) Engine() *gpgpu.Engine { return s.engine }

// SetAttractors binds the pull of other windows.
func (s *System) SetAttractors(att []Attractor) error {
	count, data := Flatten(att)
	if err := s.engine.SetUniform(s.acc, UniformAttractorCount, count); err != nil {
		return err
	}
	return s.engine.SetUniform(s.acc, UniformAttractors, data)
}

// Step advances the swarm by one tick. t is the elapsed time in
// milliseconds and frame the zero-based frame number; the first frames
// settle particles onto their targets before integration starts.
func (s *System) Step(t float64, frame int) error {
	for _, v := range []gpgpu.Variable{s.posTarget, s.acc, s.vel, s.pos} {
		if err := s.engine.SetUniform(v, UniformTime, t); err != nil {
			return err
		}
	}
	if err := s.engine.SetUniform(s.pos, UniformFrame, frame); err != nil {
		return err
	}
	return s.engine.Compute()
}

// ReadPositions copies current particle positions into dst, which must be
// Size x Size.
func (s *System) ReadPositions(dst *gpgpu.Buffer) error {
	return s.engine.ReadCurrent(s.pos, dst)
}

// ReadVelocities copies current particle velocities into dst.
func (s *System) ReadVelocities(dst *gpgpu.Buffer) error {
	return s.engine.ReadCurrent(s.vel, dst)
}

// ReadTargets copies the settled target positions into dst.
func (s *System) ReadTargets(dst *gpgpu.Buffer) error {
	return s.engine.ReadCurrent(s.posTarget, dst)
}

// Close releases engine resources.
func (s *System) Close() {
	s.engine.Dispose()
}
