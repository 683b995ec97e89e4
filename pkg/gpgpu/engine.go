package gpgpu

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type engineState int

const (
	stateDeclaring engineState = iota
	stateReady
	stateFailed
	stateDisposed
)

// Variable is an immutable handle to a state variable. The zero value refers
// to nothing.
type Variable struct {
	name  string
	index int
	owner *Engine
}

// Ref refers to a variable by name. It is resolved by Init, so it may name a
// variable that is added later; an unresolved name fails Init with
// UnknownDependencyError.
func Ref(name string) Variable { return Variable{name: name, index: -1} }

// Name returns the variable name.
func (v Variable) Name() string { return v.name }

type variable struct {
	name    string
	program Program
	initial *Buffer

	deps    []string
	depsSet bool
	depIdx  []int

	decls    map[string]UniformDecl
	uniforms map[string]any

	kernel  Kernel
	targets [2]Surface
	inputs  Inputs
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithTickObserver is called with the wall-clock duration of every
// successful Compute.
func WithTickObserver(fn func(time.Duration)) Option {
	return func(e *Engine) { e.observe = fn }
}

// Engine advances a fixed sizeX x sizeY domain of state variables. It is not
// safe for concurrent use; drive it from one render loop.
type Engine struct {
	host    Host
	sizeX   int
	sizeY   int
	log     *zap.Logger
	observe func(time.Duration)

	vars   []*variable
	byName map[string]int

	state    engineState
	initErr  error
	current  int
	ticks    uint64
	passThru Kernel
}

// New creates an engine over host. Non-positive sizes clamp to 1.
func New(host Host, sizeX, sizeY int, opts ...Option) *Engine {
	if sizeX <= 0 {
		sizeX = 1
	}
	if sizeY <= 0 {
		sizeY = 1
	}
	e := &Engine{
		host:   host,
		sizeX:  sizeX,
		sizeY:  sizeY,
		log:    zap.NewNop(),
		byName: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(zap.String("module", "gpgpu"))
	return e
}

// Size returns the compute domain.
func (e *Engine) Size() (sizeX, sizeY int) { return e.sizeX, e.sizeY }

// CreateBuffer allocates a zeroed buffer matching the domain.
func (e *Engine) CreateBuffer() *Buffer { return NewBuffer(e.sizeX, e.sizeY) }

// AddVariable registers a state variable. Storage is allocated by Init.
func (e *Engine) AddVariable(name string, program Program, initial *Buffer) (Variable, error) {
	if e.state != stateDeclaring {
		return Variable{}, ErrAlreadyInitialized
	}
	if name == "" || name == ResolutionInput || name == PassThroughSampler {
		return Variable{}, fmt.Errorf("%w: variable %q", ErrReservedName, name)
	}
	if _, ok := e.byName[name]; ok {
		return Variable{}, fmt.Errorf("%w: %q", ErrDuplicateVariable, name)
	}
	if !initial.SameSize(e.sizeX, e.sizeY) {
		return Variable{}, fmt.Errorf("%w: variable %q", ErrBufferSize, name)
	}

	v := &variable{
		name:     name,
		program:  program,
		initial:  initial,
		decls:    make(map[string]UniformDecl, len(program.Uniforms)),
		uniforms: make(map[string]any, len(program.Uniforms)),
	}
	for _, d := range program.Uniforms {
		if d.Name == ResolutionInput {
			return Variable{}, fmt.Errorf("%w: uniform %q of %q", ErrReservedName, d.Name, name)
		}
		if _, dup := v.decls[d.Name]; dup {
			return Variable{}, fmt.Errorf("%w: uniform %q declared twice in %q", ErrInvalidProgram, d.Name, name)
		}
		v.decls[d.Name] = d
	}

	idx := len(e.vars)
	e.vars = append(e.vars, v)
	e.byName[name] = idx
	return Variable{name: name, index: idx, owner: e}, nil
}

// SetDependencies declares the variables v reads each tick, replacing any
// earlier declaration. Include v itself to read its previous tick.
func (e *Engine) SetDependencies(v Variable, deps ...Variable) error {
	if e.state != stateDeclaring {
		return ErrAlreadyInitialized
	}
	tv, err := e.lookup(v)
	if err != nil {
		return err
	}
	names := make([]string, len(deps))
	for i, d := range deps {
		if d.owner != nil && d.owner != e {
			return fmt.Errorf("%w: %q belongs to another engine", ErrUnknownVariable, d.name)
		}
		names[i] = d.name
	}
	tv.deps = names
	tv.depsSet = true
	return nil
}

// SetUniform updates a declared program input. It may be called before or
// after Init.
func (e *Engine) SetUniform(v Variable, name string, value any) error {
	tv, err := e.lookup(v)
	if err != nil {
		return err
	}
	d, ok := tv.decls[name]
	if !ok {
		return fmt.Errorf("%w: %q on %q", ErrUnknownUniform, name, tv.name)
	}
	cv, err := coerceUniform(d, value)
	if err != nil {
		return err
	}
	tv.uniforms[name] = cv
	return nil
}

// Init validates the declarations and allocates every ping-pong pair. On
// failure nothing stays allocated and the engine is unusable.
func (e *Engine) Init() error {
	switch e.state {
	case stateReady:
		return ErrAlreadyInitialized
	case stateFailed:
		return e.initErr
	case stateDisposed:
		return ErrNotInitialized
	}
	if err := e.init(); err != nil {
		e.state = stateFailed
		e.initErr = err
		e.log.Warn("engine init failed", zap.Error(err))
		return err
	}
	e.state = stateReady
	e.log.Info("engine initialized",
		zap.Int("size_x", e.sizeX),
		zap.Int("size_y", e.sizeY),
		zap.Int("variables", len(e.vars)),
	)
	return nil
}

func (e *Engine) init() error {
	if err := e.checkCapabilities(); err != nil {
		return err
	}
	for _, v := range e.vars {
		if !v.depsSet {
			return fmt.Errorf("%w: %q", ErrDependenciesNotSet, v.name)
		}
		v.depIdx = make([]int, len(v.deps))
		for j, dep := range v.deps {
			idx, ok := e.byName[dep]
			if !ok {
				return &UnknownDependencyError{Variable: v.name, Dependency: dep}
			}
			v.depIdx[j] = idx
		}
		for name := range v.decls {
			if _, ok := e.byName[name]; ok {
				return fmt.Errorf("%w: uniform %q of %q shadows a variable", ErrInvalidProgram, name, v.name)
			}
		}
	}

	var acquired []interface{ Release() }
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Release()
		}
		for _, v := range e.vars {
			v.kernel = nil
			v.targets = [2]Surface{}
		}
		e.passThru = nil
	}

	resolution := [2]float32{float32(e.sizeX), float32(e.sizeY)}

	passThru, err := e.host.Compile(e.host.PassThroughSource(), Signature{Samplers: []string{PassThroughSampler}})
	if err != nil {
		return fmt.Errorf("%w: pass-through: %w", ErrInvalidProgram, err)
	}
	acquired = append(acquired, passThru)
	e.passThru = passThru

	for _, v := range e.vars {
		for name, d := range v.decls {
			if _, set := v.uniforms[name]; set {
				continue
			}
			dv, err := coerceUniform(d, d.Default)
			if err != nil {
				release()
				return fmt.Errorf("%w: default of %q in %q: %w", ErrInvalidProgram, name, v.name, err)
			}
			v.uniforms[name] = dv
		}

		k, err := e.host.Compile(v.program.Source, Signature{Samplers: v.deps, Uniforms: v.program.Uniforms})
		if err != nil {
			release()
			return fmt.Errorf("%w: %q: %w", ErrInvalidProgram, v.name, err)
		}
		acquired = append(acquired, k)
		v.kernel = k

		if err := e.allocate(v, resolution, &acquired); err != nil {
			release()
			return err
		}

		v.inputs = Inputs{
			Samplers:   make(map[string]Surface, len(v.deps)),
			Uniforms:   v.uniforms,
			Resolution: resolution,
		}
	}
	e.current = 0
	return nil
}

func (e *Engine) checkCapabilities() error {
	caps := e.host.Capabilities()
	if !caps.FloatTargets {
		return &UnsupportedEnvironmentError{Reason: "float render targets not available"}
	}
	need := 1
	for _, v := range e.vars {
		if len(v.deps) > need {
			need = len(v.deps)
		}
	}
	if caps.MaxSamplers < need {
		return &UnsupportedEnvironmentError{
			Reason: fmt.Sprintf("program needs %d samplers, host offers %d", need, caps.MaxSamplers),
		}
	}
	return nil
}

// allocate creates both targets of v and seeds them from the initial buffer
// through the pass-through program, so tick 0 reads the same data in either
// slot.
func (e *Engine) allocate(v *variable, resolution [2]float32, acquired *[]interface{ Release() }) error {
	seed, err := e.host.NewTexture(v.initial)
	if err != nil {
		return fmt.Errorf("gpgpu: upload initial %q: %w", v.name, err)
	}
	defer seed.Release()

	in := Inputs{Samplers: map[string]Surface{PassThroughSampler: seed}, Resolution: resolution}
	for i := range v.targets {
		t, err := e.host.NewTarget(e.sizeX, e.sizeY)
		if err != nil {
			return fmt.Errorf("gpgpu: allocate %q[%d]: %w", v.name, i, err)
		}
		*acquired = append(*acquired, t)
		v.targets[i] = t
		if err := e.host.Run(e.passThru, in, t); err != nil {
			return fmt.Errorf("gpgpu: seed %q[%d]: %w", v.name, i, err)
		}
	}
	return nil
}

// Compute advances every variable by one tick. All programs read the current
// front surfaces; the shared index flips once after all of them ran. A host
// error aborts the tick without flipping.
func (e *Engine) Compute() error {
	if e.state != stateReady {
		return ErrNotInitialized
	}
	start := time.Now()
	cur := e.current
	next := 1 - cur

	for _, v := range e.vars {
		for j, di := range v.depIdx {
			v.inputs.Samplers[v.deps[j]] = e.vars[di].targets[cur]
		}
		if err := e.host.Run(v.kernel, v.inputs, v.targets[next]); err != nil {
			return fmt.Errorf("gpgpu: compute %q: %w", v.name, err)
		}
	}

	e.current = next
	e.ticks++
	if e.observe != nil {
		e.observe(time.Since(start))
	}
	return nil
}

// CurrentTarget returns the surface holding the latest completed tick of v,
// or nil before Init.
func (e *Engine) CurrentTarget(v Variable) Surface {
	tv, err := e.lookup(v)
	if err != nil || e.state != stateReady {
		return nil
	}
	return tv.targets[e.current]
}

// AlternateTarget returns the surface the next Compute will overwrite.
func (e *Engine) AlternateTarget(v Variable) Surface {
	tv, err := e.lookup(v)
	if err != nil || e.state != stateReady {
		return nil
	}
	return tv.targets[1-e.current]
}

// ReadCurrent copies the current surface of v into dst. This may stall on a
// GPU host.
func (e *Engine) ReadCurrent(v Variable, dst *Buffer) error {
	if e.state != stateReady {
		return ErrNotInitialized
	}
	if !dst.SameSize(e.sizeX, e.sizeY) {
		return ErrBufferSize
	}
	t := e.CurrentTarget(v)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrUnknownVariable, v.name)
	}
	return e.host.ReadPixels(t, dst)
}

// Index returns the shared front index (0 or 1).
func (e *Engine) Index() int { return e.current }

// Ticks returns the number of completed Compute calls.
func (e *Engine) Ticks() uint64 { return e.ticks }

// Variables returns handles in registration order.
func (e *Engine) Variables() []Variable {
	out := make([]Variable, len(e.vars))
	for i, v := range e.vars {
		out[i] = Variable{name: v.name, index: i, owner: e}
	}
	return out
}

// Lookup returns the handle registered under name.
func (e *Engine) Lookup(name string) (Variable, bool) {
	idx, ok := e.byName[name]
	if !ok {
		return Variable{}, false
	}
	return Variable{name: name, index: idx, owner: e}, true
}

// Dispose releases every surface and kernel. It is safe to call repeatedly.
func (e *Engine) Dispose() {
	if e.state == stateDisposed {
		return
	}
	for _, v := range e.vars {
		for i, t := range v.targets {
			if t != nil {
				t.Release()
				v.targets[i] = nil
			}
		}
		if v.kernel != nil {
			v.kernel.Release()
			v.kernel = nil
		}
	}
	if e.passThru != nil {
		e.passThru.Release()
		e.passThru = nil
	}
	e.state = stateDisposed
	e.log.Debug("engine disposed", zap.Uint64("ticks", e.ticks))
}

func (e *Engine) lookup(v Variable) (*variable, error) {
	if v.owner == e && v.index >= 0 && v.index < len(e.vars) {
		return e.vars[v.index], nil
	}
	if v.owner == nil && v.name != "" {
		if idx, ok := e.byName[v.name]; ok {
			return e.vars[idx], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, v.name)
}

// IsInitError reports whether err is one of the terminal Init failures.
func IsInitError(err error) bool {
	return errors.Is(err, ErrUnsupportedEnvironment) ||
		errors.Is(err, ErrUnknownDependency) ||
		errors.Is(err, ErrDependenciesNotSet) ||
		errors.Is(err, ErrInvalidProgram)
}
