//go:build js && wasm

// Package webglhost runs gpgpu programs as WebGL2 fragment shaders.
//
// Program text is the body of a GLSL ES fragment shader. The host prepends
// the version line, precision, a resolution uniform, one sampler2D per
// dependency and every declared uniform, so programs written against the
// WebGL1 names (gl_FragColor, texture2D) keep working.
package webglhost

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"syscall/js"

	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/pkg/gpgpu"
)

var (
	// ErrNoContext is returned when no WebGL2 context is supplied.
	ErrNoContext = errors.New("webglhost: webgl2 context is required")
	// ErrForeignResource is returned for surfaces or kernels from another host.
	ErrForeignResource = errors.New("webglhost: resource not created by this host")
	// ErrNotTarget is returned when a pass is asked to render into a texture
	// that has no framebuffer.
	ErrNotTarget = errors.New("webglhost: surface is not a render target")
)

const vertexSource = `#version 300 es
in vec2 position;
void main() {
	gl_Position = vec4(position, 0.0, 1.0);
}
`

const passThroughSource = `void main() {
	gl_FragColor = texture2D(passThruTexture, gl_FragCoord.xy / resolution);
}
`

type glConsts struct {
	arrayBuffer      int
	staticDraw       int
	floatType        int
	triangles        int
	framebuffer      int
	colorAttachment0 int
	texture2D        int
	rgba32f          int
	rgba             int
	textureMinFilter int
	textureMagFilter int
	nearest          int
	clampToEdge      int
	textureWrapS     int
	textureWrapT     int
	texture0         int
	compileStatus    int
	linkStatus       int
	vertexShader     int
	fragmentShader   int
	maxTextureUnits  int
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host logger.
func WithLogger(log *zap.Logger) Option {
	return func(h *Host) {
		if log != nil {
			h.log = log
		}
	}
}

// Host is a gpgpu.Host backed by a WebGL2 rendering context.
type Host struct {
	gl     js.Value
	consts glConsts
	log    *zap.Logger

	floatTargets bool
	maxSamplers  int

	quad   js.Value
	vertex js.Value
}

var _ gpgpu.Host = (*Host)(nil)

// New wraps gl, a WebGL2RenderingContext.
func New(gl js.Value, opts ...Option) (*Host, error) {
	if gl.IsUndefined() || gl.IsNull() {
		return nil, ErrNoContext
	}
	h := &Host{gl: gl, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(zap.String("module", "webglhost"))
	h.initConsts()

	ext := gl.Call("getExtension", "EXT_color_buffer_float")
	h.floatTargets = !ext.IsNull() && !ext.IsUndefined()
	h.maxSamplers = gl.Call("getParameter", h.consts.maxTextureUnits).Int()

	vs, err := h.compileShader(h.consts.vertexShader, vertexSource)
	if err != nil {
		return nil, err
	}
	h.vertex = vs
	h.initQuad()

	h.log.Info("webgl2 host ready",
		zap.Bool("float_targets", h.floatTargets),
		zap.Int("max_samplers", h.maxSamplers),
	)
	return h, nil
}

// Canvas creates a WebGL2 context on the canvas with the given element id.
func Canvas(id string) (js.Value, error) {
	canvas := js.Global().Get("document").Call("getElementById", id)
	if canvas.IsNull() || canvas.IsUndefined() {
		return js.Undefined(), fmt.Errorf("webglhost: no canvas %q", id)
	}
	gl := canvas.Call("getContext", "webgl2")
	if gl.IsNull() || gl.IsUndefined() {
		return js.Undefined(), ErrNoContext
	}
	return gl, nil
}

func (h *Host) initConsts() {
	g := func(name string) int { return h.gl.Get(name).Int() }
	h.consts = glConsts{
		arrayBuffer:      g("ARRAY_BUFFER"),
		staticDraw:       g("STATIC_DRAW"),
		floatType:        g("FLOAT"),
		triangles:        g("TRIANGLES"),
		framebuffer:      g("FRAMEBUFFER"),
		colorAttachment0: g("COLOR_ATTACHMENT0"),
		texture2D:        g("TEXTURE_2D"),
		rgba32f:          g("RGBA32F"),
		rgba:             g("RGBA"),
		textureMinFilter: g("TEXTURE_MIN_FILTER"),
		textureMagFilter: g("TEXTURE_MAG_FILTER"),
		nearest:          g("NEAREST"),
		clampToEdge:      g("CLAMP_TO_EDGE"),
		textureWrapS:     g("TEXTURE_WRAP_S"),
		textureWrapT:     g("TEXTURE_WRAP_T"),
		texture0:         g("TEXTURE0"),
		compileStatus:    g("COMPILE_STATUS"),
		linkStatus:       g("LINK_STATUS"),
		vertexShader:     g("VERTEX_SHADER"),
		fragmentShader:   g("FRAGMENT_SHADER"),
		maxTextureUnits:  g("MAX_TEXTURE_IMAGE_UNITS"),
	}
}

func (h *Host) initQuad() {
	quad := []float32{
		-1, -1,
		1, -1,
		1, 1,
		-1, -1,
		1, 1,
		-1, 1,
	}
	h.quad = h.gl.Call("createBuffer")
	h.gl.Call("bindBuffer", h.consts.arrayBuffer, h.quad)
	h.gl.Call("bufferData", h.consts.arrayBuffer, float32Array(quad), h.consts.staticDraw)
}

// Capabilities implements gpgpu.Host.
func (h *Host) Capabilities() gpgpu.Capabilities {
	return gpgpu.Capabilities{
		FloatTargets: h.floatTargets,
		MaxSamplers:  h.maxSamplers,
		Language:     gpgpu.LanguageGLSL,
	}
}

// PassThroughSource implements gpgpu.Host.
func (h *Host) PassThroughSource() string { return passThroughSource }

type surface struct {
	owner         *Host
	texture       js.Value
	fbo           js.Value
	width, height int
	released      bool
}

func (s *surface) Size() (int, int) { return s.width, s.height }

func (s *surface) Release() {
	if s.released {
		return
	}
	s.released = true
	if !s.fbo.IsUndefined() {
		s.owner.gl.Call("deleteFramebuffer", s.fbo)
	}
	s.owner.gl.Call("deleteTexture", s.texture)
}

func (h *Host) newTexture(width, height int, data js.Value) js.Value {
	tex := h.gl.Call("createTexture")
	h.gl.Call("bindTexture", h.consts.texture2D, tex)
	h.gl.Call("texParameteri", h.consts.texture2D, h.consts.textureMinFilter, h.consts.nearest)
	h.gl.Call("texParameteri", h.consts.texture2D, h.consts.textureMagFilter, h.consts.nearest)
	h.gl.Call("texParameteri", h.consts.texture2D, h.consts.textureWrapS, h.consts.clampToEdge)
	h.gl.Call("texParameteri", h.consts.texture2D, h.consts.textureWrapT, h.consts.clampToEdge)
	h.gl.Call("texImage2D", h.consts.texture2D, 0, h.consts.rgba32f, width, height, 0, h.consts.rgba, h.consts.floatType, data)
	return tex
}

// NewTarget implements gpgpu.Host.
func (h *Host) NewTarget(width, height int) (gpgpu.Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("webglhost: invalid target size %dx%d", width, height)
	}
	tex := h.newTexture(width, height, js.Null())
	fbo := h.gl.Call("createFramebuffer")
	h.gl.Call("bindFramebuffer", h.consts.framebuffer, fbo)
	h.gl.Call("framebufferTexture2D", h.consts.framebuffer, h.consts.colorAttachment0, h.consts.texture2D, tex, 0)
	h.gl.Call("bindFramebuffer", h.consts.framebuffer, js.Null())
	return &surface{owner: h, texture: tex, fbo: fbo, width: width, height: height}, nil
}

// NewTexture implements gpgpu.Host.
func (h *Host) NewTexture(buf *gpgpu.Buffer) (gpgpu.Surface, error) {
	if buf == nil || !buf.SameSize(buf.Width, buf.Height) {
		return nil, gpgpu.ErrBufferSize
	}
	tex := h.newTexture(buf.Width, buf.Height, float32Array(buf.Data))
	return &surface{owner: h, texture: tex, fbo: js.Undefined(), width: buf.Width, height: buf.Height}, nil
}

// ReadPixels implements gpgpu.Host. It stalls until the GPU has finished
// writing src.
func (h *Host) ReadPixels(src gpgpu.Surface, dst *gpgpu.Buffer) error {
	s, err := h.own(src)
	if err != nil {
		return err
	}
	if !dst.SameSize(s.width, s.height) {
		return gpgpu.ErrBufferSize
	}
	fbo := s.fbo
	if fbo.IsUndefined() {
		fbo = h.gl.Call("createFramebuffer")
		defer h.gl.Call("deleteFramebuffer", fbo)
		h.gl.Call("bindFramebuffer", h.consts.framebuffer, fbo)
		h.gl.Call("framebufferTexture2D", h.consts.framebuffer, h.consts.colorAttachment0, h.consts.texture2D, s.texture, 0)
	} else {
		h.gl.Call("bindFramebuffer", h.consts.framebuffer, fbo)
	}
	pixels := js.Global().Get("Float32Array").New(len(dst.Data))
	h.gl.Call("readPixels", 0, 0, s.width, s.height, h.consts.rgba, h.consts.floatType, pixels)
	h.gl.Call("bindFramebuffer", h.consts.framebuffer, js.Null())
	copyFromJS(dst.Data, pixels)
	return nil
}

func (h *Host) own(sf gpgpu.Surface) (*surface, error) {
	s, ok := sf.(*surface)
	if !ok || s.owner != h || s.released {
		return nil, ErrForeignResource
	}
	return s, nil
}

type kernel struct {
	owner      *Host
	program    js.Value
	vao        js.Value
	resolution js.Value
	samplers   map[string]js.Value
	uniforms   map[string]uniformSlot
	released   bool
}

type uniformSlot struct {
	decl gpgpu.UniformDecl
	loc  js.Value
}

func (k *kernel) Release() {
	if k.released {
		return
	}
	k.released = true
	k.owner.gl.Call("deleteVertexArray", k.vao)
	k.owner.gl.Call("deleteProgram", k.program)
}

// Compile implements gpgpu.Host.
func (h *Host) Compile(source string, sig gpgpu.Signature) (gpgpu.Kernel, error) {
	fs, err := h.compileShader(h.consts.fragmentShader, fragmentSource(source, sig))
	if err != nil {
		return nil, err
	}
	defer h.gl.Call("deleteShader", fs)

	program := h.gl.Call("createProgram")
	h.gl.Call("attachShader", program, h.vertex)
	h.gl.Call("attachShader", program, fs)
	h.gl.Call("linkProgram", program)
	if !h.gl.Call("getProgramParameter", program, h.consts.linkStatus).Bool() {
		msg := h.gl.Call("getProgramInfoLog", program).String()
		h.gl.Call("deleteProgram", program)
		return nil, fmt.Errorf("webglhost: link: %s", msg)
	}

	k := &kernel{
		owner:      h,
		program:    program,
		resolution: h.gl.Call("getUniformLocation", program, gpgpu.ResolutionInput),
		samplers:   make(map[string]js.Value, len(sig.Samplers)),
		uniforms:   make(map[string]uniformSlot, len(sig.Uniforms)),
	}
	for _, name := range sig.Samplers {
		k.samplers[name] = h.gl.Call("getUniformLocation", program, name)
	}
	for _, d := range sig.Uniforms {
		k.uniforms[d.Name] = uniformSlot{decl: d, loc: h.gl.Call("getUniformLocation", program, d.Name)}
	}

	k.vao = h.gl.Call("createVertexArray")
	h.gl.Call("bindVertexArray", k.vao)
	h.gl.Call("bindBuffer", h.consts.arrayBuffer, h.quad)
	pos := h.gl.Call("getAttribLocation", program, "position").Int()
	h.gl.Call("enableVertexAttribArray", pos)
	h.gl.Call("vertexAttribPointer", pos, 2, h.consts.floatType, false, 2*4, 0)
	h.gl.Call("bindVertexArray", js.Null())
	return k, nil
}

func (h *Host) compileShader(shaderType int, source string) (js.Value, error) {
	shader := h.gl.Call("createShader", shaderType)
	h.gl.Call("shaderSource", shader, source)
	h.gl.Call("compileShader", shader)
	if !h.gl.Call("getShaderParameter", shader, h.consts.compileStatus).Bool() {
		msg := h.gl.Call("getShaderInfoLog", shader).String()
		h.gl.Call("deleteShader", shader)
		return js.Undefined(), fmt.Errorf("webglhost: compile: %s", msg)
	}
	return shader, nil
}

// fragmentSource wraps a program body with its declarations.
func fragmentSource(body string, sig gpgpu.Signature) string {
	var sb strings.Builder
	sb.WriteString("#version 300 es\n")
	sb.WriteString("precision highp float;\n")
	sb.WriteString("precision highp int;\n")
	sb.WriteString("uniform vec2 " + gpgpu.ResolutionInput + ";\n")
	for _, name := range sig.Samplers {
		sb.WriteString("uniform sampler2D " + name + ";\n")
	}
	for _, d := range sig.Uniforms {
		switch d.Kind {
		case gpgpu.FloatArray:
			fmt.Fprintf(&sb, "uniform float %s[%d];\n", d.Name, d.Len)
		default:
			fmt.Fprintf(&sb, "uniform %s %s;\n", d.Kind, d.Name)
		}
	}
	sb.WriteString("out vec4 tangledFragColor;\n")
	sb.WriteString("#define gl_FragColor tangledFragColor\n")
	sb.WriteString("#define texture2D texture\n")
	sb.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		sb.WriteString("\n")
	}
	return sb.String()
}

// Run implements gpgpu.Host.
func (h *Host) Run(k gpgpu.Kernel, in gpgpu.Inputs, out gpgpu.Surface) error {
	kk, ok := k.(*kernel)
	if !ok || kk.owner != h || kk.released {
		return ErrForeignResource
	}
	dst, err := h.own(out)
	if err != nil {
		return err
	}
	if dst.fbo.IsUndefined() {
		return ErrNotTarget
	}

	h.gl.Call("bindFramebuffer", h.consts.framebuffer, dst.fbo)
	h.gl.Call("viewport", 0, 0, dst.width, dst.height)
	h.gl.Call("useProgram", kk.program)
	h.gl.Call("uniform2f", kk.resolution, in.Resolution[0], in.Resolution[1])

	unit := 0
	for name, loc := range kk.samplers {
		sf, ok := in.Samplers[name]
		if !ok {
			return fmt.Errorf("webglhost: sampler %q not bound", name)
		}
		s, err := h.own(sf)
		if err != nil {
			return fmt.Errorf("sampler %q: %w", name, err)
		}
		h.gl.Call("activeTexture", h.consts.texture0+unit)
		h.gl.Call("bindTexture", h.consts.texture2D, s.texture)
		h.gl.Call("uniform1i", loc, unit)
		unit++
	}
	for name, slot := range kk.uniforms {
		h.setUniform(slot, in.Uniforms[name])
	}

	h.gl.Call("bindVertexArray", kk.vao)
	h.gl.Call("drawArrays", h.consts.triangles, 0, 6)
	h.gl.Call("bindVertexArray", js.Null())
	h.gl.Call("bindFramebuffer", h.consts.framebuffer, js.Null())
	return nil
}

func (h *Host) setUniform(slot uniformSlot, v any) {
	switch u := v.(type) {
	case float32:
		h.gl.Call("uniform1f", slot.loc, u)
	case int32:
		h.gl.Call("uniform1i", slot.loc, u)
	case [2]float32:
		h.gl.Call("uniform2f", slot.loc, u[0], u[1])
	case [3]float32:
		h.gl.Call("uniform3f", slot.loc, u[0], u[1], u[2])
	case [4]float32:
		h.gl.Call("uniform4f", slot.loc, u[0], u[1], u[2], u[3])
	case []float32:
		h.gl.Call("uniform1fv", slot.loc, float32Array(u))
	}
}

func float32Array(data []float32) js.Value {
	raw := make([]byte, len(data)*4)
	for i, f := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}
	u8 := js.Global().Get("Uint8Array").New(len(raw))
	js.CopyBytesToJS(u8, raw)
	return js.Global().Get("Float32Array").New(u8.Get("buffer"), 0, len(data))
}

func copyFromJS(dst []float32, src js.Value) {
	u8 := js.Global().Get("Uint8Array").New(src.Get("buffer"), src.Get("byteOffset"), src.Get("byteLength"))
	raw := make([]byte, len(dst)*4)
	js.CopyBytesToGo(raw, u8)
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
}
