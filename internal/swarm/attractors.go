package swarm

import (
	"math"

	"github.com/nmxmxh/tangled/pkg/winreg"
)

// Meta is the metadata every swarm window publishes with its record.
type Meta struct {
	Name      string  `json:"name,omitempty"`
	Particles int     `json:"particles"`
	Hue       float64 `json:"hue"`
}

// Attractor is another window's black hole as seen from this window.
type Attractor struct {
	X, Y   float64
	Mass   float64
	Radius float64
}

// massFalloff is the distance in pixels beyond which an attractor's mass
// starts to shrink.
const massFalloff = 200.0

// Attractors places the centers of others relative to self's center. Mass
// shrinks with distance past massFalloff; at most MaxAttractors are kept, in
// the order given.
func Attractors[M any](self winreg.Record[M], others []winreg.Record[M]) []Attractor {
	n := len(others)
	if n > MaxAttractors {
		n = MaxAttractors
	}
	out := make([]Attractor, 0, n)
	for _, o := range others {
		if len(out) == MaxAttractors {
			break
		}
		if o.ID == self.ID {
			continue
		}
		dx := o.Center.X - self.Center.X
		dy := o.Center.Y - self.Center.Y
		dist := math.Hypot(dx, dy)
		out = append(out, Attractor{
			X:      dx,
			Y:      dy,
			Mass:   BlackHoleMass * math.Min(1, massFalloff/math.Max(dist, 1)),
			Radius: SphereRadius,
		})
	}
	return out
}

// Flatten packs att into the layout of the attractors uniform. Entries past
// MaxAttractors are dropped.
func Flatten(att []Attractor) (int, []float32) {
	data := make([]float32, MaxAttractors*attractorStride)
	n := len(att)
	if n > MaxAttractors {
		n = MaxAttractors
	}
	for i, a := range att[:n] {
		copy(data[i*attractorStride:], []float32{float32(a.X), float32(a.Y), float32(a.Mass), float32(a.Radius)})
	}
	return n, data
}
