package gpgpu

// Languages understood by the bundled hosts. Programs are opaque to the
// engine; orchestration code picks source text by Capabilities.Language.
const (
	LanguageExpr = "expr"
	LanguageGLSL = "glsl"
)

// ResolutionInput is the built-in input carrying the domain size. It is bound
// for every program and cannot be used as a variable or uniform name.
const ResolutionInput = "resolution"

// PassThroughSampler is the sampler name the host pass-through program reads
// when the engine seeds render targets from initial buffers.
const PassThroughSampler = "passThruTexture"

// Capabilities describes what a host can do.
type Capabilities struct {
	// FloatTargets reports whether 32-bit float RGBA render targets exist.
	FloatTargets bool
	// MaxSamplers is the number of surfaces a single pass may sample.
	MaxSamplers int
	// Language names the program dialect accepted by Compile.
	Language string
}

// Surface is a host-owned 2D RGBA float surface. Render targets and seeding
// textures are both surfaces.
type Surface interface {
	Size() (width, height int)
	Release()
}

// Kernel is a compiled program.
type Kernel interface {
	Release()
}

// Signature is everything a program may reference besides the built-ins
// (cell coordinate and resolution).
type Signature struct {
	// Samplers are dependency names bound as sampled surfaces, in declared order.
	Samplers []string
	Uniforms []UniformDecl
}

// Inputs are bound for one full-domain pass.
type Inputs struct {
	Samplers   map[string]Surface
	Uniforms   map[string]any
	Resolution [2]float32
}

// Host is the render-to-texture capability the engine drives.
type Host interface {
	Capabilities() Capabilities
	// NewTarget allocates a zeroed float render target.
	NewTarget(width, height int) (Surface, error)
	// NewTexture uploads host memory into a samplable surface.
	NewTexture(buf *Buffer) (Surface, error)
	// Compile validates source against sig.
	Compile(source string, sig Signature) (Kernel, error)
	// Run executes k once per cell of out.
	Run(k Kernel, in Inputs, out Surface) error
	// ReadPixels copies a surface back into host memory.
	ReadPixels(src Surface, dst *Buffer) error
	// PassThroughSource returns a program copying PassThroughSampler verbatim.
	PassThroughSource() string
}
