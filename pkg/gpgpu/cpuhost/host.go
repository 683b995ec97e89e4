// Package cpuhost runs gpgpu programs on the CPU.
//
// Program text is an expr-lang expression evaluated once per cell that must
// produce four numbers, for example:
//
//	let p = texel(pos, x, y); let v = texel(vel, x, y); vec4(p[0]+v[0], p[1]+v[1], p[2]+v[2], p[3])
//
// Sources of the form "kernel:<name>" dispatch to Go functions registered
// with RegisterKernel instead. Rows of a pass are evaluated concurrently.
package cpuhost

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/tangled/pkg/gpgpu"
)

// KernelPrefix marks sources that name a registered Go kernel.
const KernelPrefix = "kernel:"

var (
	// ErrReleased is returned when a released surface or kernel is used.
	ErrReleased = errors.New("cpuhost: resource released")
	// ErrForeignResource is returned for surfaces or kernels from another host.
	ErrForeignResource = errors.New("cpuhost: resource not created by this host")
	// ErrFeedback is returned when a pass samples the surface it writes.
	ErrFeedback = errors.New("cpuhost: pass samples its own output")
)

// Option configures a Host.
type Option func(*Host)

// WithWorkers bounds how many rows are evaluated at once.
func WithWorkers(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.workers = n
		}
	}
}

// WithMaxSamplers caps the samplers a single pass may bind.
func WithMaxSamplers(n int) Option {
	return func(h *Host) { h.maxSamplers = n }
}

// WithoutFloatTargets makes the host report no float render targets.
func WithoutFloatTargets() Option {
	return func(h *Host) { h.floatTargets = false }
}

// WithLogger sets the host logger.
func WithLogger(log *zap.Logger) Option {
	return func(h *Host) {
		if log != nil {
			h.log = log
		}
	}
}

// Host is a gpgpu.Host backed by Go memory.
type Host struct {
	workers      int
	maxSamplers  int
	floatTargets bool
	log          *zap.Logger

	mu      sync.RWMutex
	kernels map[string]KernelFunc
}

var _ gpgpu.Host = (*Host)(nil)

// New creates a CPU host.
func New(opts ...Option) *Host {
	h := &Host{
		workers:      runtime.GOMAXPROCS(0),
		maxSamplers:  16,
		floatTargets: true,
		log:          zap.NewNop(),
		kernels:      make(map[string]KernelFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(zap.String("module", "cpuhost"))
	h.kernels[passThroughKernel] = func(c Cell) [4]float32 {
		return c.Texel(gpgpu.PassThroughSampler, c.X, c.Y)
	}
	return h
}

// Capabilities implements gpgpu.Host.
func (h *Host) Capabilities() gpgpu.Capabilities {
	return gpgpu.Capabilities{
		FloatTargets: h.floatTargets,
		MaxSamplers:  h.maxSamplers,
		Language:     gpgpu.LanguageExpr,
	}
}

// RegisterKernel makes fn available to programs whose source is
// "kernel:<name>". Registering an existing name replaces it.
func (h *Host) RegisterKernel(name string, fn KernelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kernels[name] = fn
}

const passThroughKernel = "passthrough"

// PassThroughSource implements gpgpu.Host.
func (h *Host) PassThroughSource() string { return KernelPrefix + passThroughKernel }

// NewTarget implements gpgpu.Host.
func (h *Host) NewTarget(width, height int) (gpgpu.Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("cpuhost: invalid target size %dx%d", width, height)
	}
	return &surface{buf: gpgpu.NewBuffer(width, height), owner: h}, nil
}

// NewTexture implements gpgpu.Host.
func (h *Host) NewTexture(buf *gpgpu.Buffer) (gpgpu.Surface, error) {
	if buf == nil || !buf.SameSize(buf.Width, buf.Height) {
		return nil, gpgpu.ErrBufferSize
	}
	return &surface{buf: buf.Clone(), owner: h}, nil
}

// ReadPixels implements gpgpu.Host.
func (h *Host) ReadPixels(src gpgpu.Surface, dst *gpgpu.Buffer) error {
	s, err := h.own(src)
	if err != nil {
		return err
	}
	if !dst.SameSize(s.buf.Width, s.buf.Height) {
		return gpgpu.ErrBufferSize
	}
	copy(dst.Data, s.buf.Data)
	return nil
}

// Compile implements gpgpu.Host.
func (h *Host) Compile(source string, sig gpgpu.Signature) (gpgpu.Kernel, error) {
	if name, ok := strings.CutPrefix(strings.TrimSpace(source), KernelPrefix); ok {
		h.mu.RLock()
		fn, found := h.kernels[name]
		h.mu.RUnlock()
		if !found {
			return nil, fmt.Errorf("cpuhost: no kernel registered as %q", name)
		}
		return &goKernel{fn: fn, owner: h}, nil
	}
	return compileExpr(h, source, sig)
}

// Run implements gpgpu.Host.
func (h *Host) Run(k gpgpu.Kernel, in gpgpu.Inputs, out gpgpu.Surface) error {
	dst, err := h.own(out)
	if err != nil {
		return err
	}
	samplers := make(map[string]*surface, len(in.Samplers))
	for name, sf := range in.Samplers {
		s, err := h.own(sf)
		if err != nil {
			return fmt.Errorf("sampler %q: %w", name, err)
		}
		if s == dst {
			return fmt.Errorf("%w: %q", ErrFeedback, name)
		}
		samplers[name] = s
	}

	var rowFn func(y int, row []float32) error
	switch kk := k.(type) {
	case *goKernel:
		if kk.owner != h {
			return ErrForeignResource
		}
		if kk.released {
			return ErrReleased
		}
		rowFn = kk.rowFunc(samplers, in, dst.buf.Width)
	case *exprKernel:
		if kk.owner != h {
			return ErrForeignResource
		}
		if kk.released {
			return ErrReleased
		}
		rowFn = kk.rowFunc(samplers, in, dst.buf.Width)
	default:
		return ErrForeignResource
	}

	width, height := dst.buf.Width, dst.buf.Height
	stride := width * gpgpu.Channels
	g := new(errgroup.Group)
	g.SetLimit(h.workers)
	for y := 0; y < height; y++ {
		y := y
		row :=dst.buf.Data[y*stride : (y+1)*stride]
		g.Go(func() error { return rowFn(y, row) })
	}
	return g.Wait()
}

func (h *Host) own(sf gpgpu.Surface) (*surface, error) {
	s, ok := sf.(*surface)
	if !ok || s.owner != h {
		return nil, ErrForeignResource
	}
	if s.buf == nil {
		return nil, ErrReleased
	}
	return s, nil
}

type surface struct {
	buf   *gpgpu.Buffer
	owner *Host
}

func (s *surface) Size() (int, int) {
	if s.buf == nil {
		return 0, 0
	}
	return s.buf.Width, s.buf.Height
}

func (s *surface) Release() { s.buf = nil }

// texel reads cell (x, y) with clamp-to-edge addressing.
func (s *surface) texel(x, y int) [4]float32 {
	b := s.buf
	if x < 0 {
		x = 0
	} else if x >= b.Width {
		x = b.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= b.Height {
		y = b.Height - 1
	}
	return b.At(x, y)
}

// sample reads normalised coordinates with nearest filtering.
func (s *surface) sample(u, v float64) [4]float32 {
	x := int(u * float64(s.buf.Width))
	y := int(v * float64(s.buf.Height))
	return s.texel(x, y)
}
