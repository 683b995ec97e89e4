package cpuhost

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nmxmxh/tangled/pkg/gpgpu"
)

// Names every expr program can read besides its samplers and uniforms.
var builtinNames = map[string]bool{"x": true, "y": true, "uv": true, gpgpu.ResolutionInput: true}

type exprKernel struct {
	program  *vm.Program
	samplers []string
	owner    *Host
	released bool
}

func (k *exprKernel) Release() { k.released = true }

func compileExpr(h *Host, source string, sig gpgpu.Signature) (*exprKernel, error) {
	env := map[string]any{
		"x":                   0,
		"y":                   0,
		"uv":                  []float64{},
		gpgpu.ResolutionInput: []float64{},
	}
	for _, name := range sig.Samplers {
		if builtinNames[name] {
			return nil, fmt.Errorf("cpuhost: sampler %q shadows a built-in", name)
		}
		env[name] = (*surface)(nil)
	}
	for _, d := range sig.Uniforms {
		if builtinNames[d.Name] {
			return nil, fmt.Errorf("cpuhost: uniform %q shadows a built-in", d.Name)
		}
		env[d.Name] = templateUniform(d.Kind)
	}

	opts := append([]expr.Option{expr.Env(env)}, functions...)
	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, fmt.Errorf("cpuhost: compile: %w", err)
	}
	return &exprKernel{program: program, samplers: sig.Samplers, owner: h}, nil
}

func templateUniform(k gpgpu.UniformKind) any {
	switch k {
	case gpgpu.Float:
		return float64(0)
	case gpgpu.Int:
		return 0
	default:
		return []float64{}
	}
}

// exprUniform converts a canonical uniform value into what expr programs see.
func exprUniform(v any) any {
	switch u := v.(type) {
	case float32:
		return float64(u)
	case int32:
		return int(u)
	case [2]float32:
		return widen(u[:])
	case [3]float32:
		return widen(u[:])
	case [4]float32:
		return widen(u[:])
	case []float32:
		return widen(u)
	}
	return v
}

func widen(s []float32) []float64 {
	out := make([]float64, len(s))
	for i, f := range s {
		out[i] = float64(f)
	}
	return out
}

func (k *exprKernel) rowFunc(samplers map[string]*surface, in gpgpu.Inputs, width int) func(int, []float32) error {
	base := make(map[string]any, len(samplers)+len(in.Uniforms)+4)
	for name, s := range samplers {
		base[name] = s
	}
	for name, v := range in.Uniforms {
		base[name] = exprUniform(v)
	}
	res := []float64{float64(in.Resolution[0]), float64(in.Resolution[1])}
	base[gpgpu.ResolutionInput] = res

	return func(y int, row []float32) error {
		env := make(map[string]any, len(base)+3)
		for name, v := range base {
			env[name] = v
		}
		env["y"] = y
		var machine vm.VM
		for x := 0; x < width; x++ {
			env["x"] = x
			env["uv"] = []float64{(float64(x) + 0.5) / res[0], (float64(y) + 0.5) / res[1]}
			out, err := machine.Run(k.program, env)
			if err != nil {
				return fmt.Errorf("cpuhost: cell (%d,%d): %w", x, y, err)
			}
			v, err := toVec4(out)
			if err != nil {
				return fmt.Errorf("cpuhost: cell (%d,%d): %w", x, y, err)
			}
			copy(row[x*gpgpu.Channels:], v[:])
		}
		return nil
	}
}

func toVec4(out any) ([4]float32, error) {
	var v [4]float32
	s, err := toVec(out)
	if err != nil {
		return v, err
	}
	if len(s) != 4 {
		return v, fmt.Errorf("program produced %d components, want 4", len(s))
	}
	for i := range v {
		v[i] = float32(s[i])
	}
	return v, nil
}

func toFloat(a any) (float64, error) {
	switch n := a.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected number, got %T", a)
}

func toVec(a any) ([]float64, error) {
	switch s := a.(type) {
	case []float64:
		return s, nil
	case []float32:
		return widen(s), nil
	case []any:
		out := make([]float64, len(s))
		for i, e := range s {
			f, err := toFloat(e)
			if err != nil {
				return nil, fmt.Errorf("component %d: %w", i, err)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected vector, got %T", a)
}

func toInt(a any) (int, error) {
	switch n := a.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		return int(math.Floor(n)), nil
	case float32:
		return int(math.Floor(float64(n))), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", a)
}

func floatsArgs(params []any) ([]float64, error) {
	out := make([]float64, len(params))
	for i, p := range params {
		f, err := toFloat(p)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}

func arity(name string, params []any, n int) error {
	if len(params) != n {
		return fmt.Errorf("%s: want %d arguments, got %d", name, n, len(params))
	}
	return nil
}

// vecOrScalar lets vector helpers broadcast scalars.
func vecOrScalar(a any, n int) ([]float64, error) {
	if f, err := toFloat(a); err == nil {
		out := make([]float64, n)
		for i := range out {
			out[i] = f
		}
		return out, nil
	}
	return toVec(a)
}

func elementwise(name string, params []any, op func(a, b float64) float64) (any, error) {
	if err := arity(name, params, 2); err != nil {
		return nil, err
	}
	a, err := toVec(params[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	b, err := vecOrScalar(params[1], len(a))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("%s: length %d vs %d", name, len(a), len(b))
	}
	out := make([]float64, len(a))
	for i := range a {
		out[i] = op(a[i], b[i])
	}
	return out, nil
}

func vecCtor(n int) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if err := arity(fmt.Sprintf("vec%d", n), params, n); err != nil {
			return nil, err
		}
		return floatsArgs(params)
	}
}

func scalarFn(name string, fn func(float64) float64) expr.Option {
	return expr.Function(name, func(params ...any) (any, error) {
		if err := arity(name, params, 1); err != nil {
			return nil, err
		}
		f, err := toFloat(params[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return fn(f), nil
	})
}

func glslHash(x, y float64) float64 {
	v := math.Sin(x*12.9898+y*78.233) * 43758.5453
	return v - math.Floor(v)
}

var functions = []expr.Option{
	expr.Function("texel", func(params ...any) (any, error) {
		if err := arity("texel", params, 3); err != nil {
			return nil, err
		}
		s, ok := params[0].(*surface)
		if !ok || s == nil || s.buf == nil {
			return nil, fmt.Errorf("texel: argument 0 is not a bound sampler")
		}
		x, err := toInt(params[1])
		if err != nil {
			return nil, fmt.Errorf("texel: %w", err)
		}
		y, err := toInt(params[2])
		if err != nil {
			return nil, fmt.Errorf("texel: %w", err)
		}
		return widen4(s.texel(x, y)), nil
	}),
	expr.Function("sample", func(params ...any) (any, error) {
		if err := arity("sample", params, 2); err != nil {
			return nil, err
		}
		s, ok := params[0].(*surface)
		if !ok || s == nil || s.buf == nil {
			return nil, fmt.Errorf("sample: argument 0 is not a bound sampler")
		}
		uv, err := toVec(params[1])
		if err != nil || len(uv) < 2 {
			return nil, fmt.Errorf("sample: argument 1 must be a vec2")
		}
		return widen4(s.sample(uv[0], uv[1])), nil
	}),
	expr.Function("vec2", vecCtor(2)),
	expr.Function("vec3", vecCtor(3)),
	expr.Function("vec4", vecCtor(4)),
	expr.Function("add", func(params ...any) (any, error) {
		return elementwise("add", params, func(a, b float64) float64 { return a + b })
	}),
	expr.Function("sub", func(params ...any) (any, error) {
		return elementwise("sub", params, func(a, b float64) float64 { return a - b })
	}),
	expr.Function("scale", func(params ...any) (any, error) {
		return elementwise("scale", params, func(a, b float64) float64 { return a * b })
	}),
	expr.Function("dot", func(params ...any) (any, error) {
		if err := arity("dot", params, 2); err != nil {
			return nil, err
		}
		a, err := toVec(params[0])
		if err != nil {
			return nil, fmt.Errorf("dot: %w", err)
		}
		b, err := toVec(params[1])
		if err != nil {
			return nil, fmt.Errorf("dot: %w", err)
		}
		var sum float64
		for i := 0; i < len(a) && i < len(b); i++ {
			sum += a[i] * b[i]
		}
		return sum, nil
	}),
	expr.Function("length", func(params ...any) (any, error) {
		if err := arity("length", params, 1); err != nil {
			return nil, err
		}
		a, err := toVec(params[0])
		if err != nil {
			return nil, fmt.Errorf("length: %w", err)
		}
		return norm(a), nil
	}),
	expr.Function("normalize", func(params ...any) (any, error) {
		if err := arity("normalize", params, 1); err != nil {
			return nil, err
		}
		a, err := toVec(params[0])
		if err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		out := make([]float64, len(a))
		if l := norm(a); l > 0 {
			for i := range a {
				out[i] = a[i] / l
			}
		}
		return out, nil
	}),
	expr.Function("mix", func(params ...any) (any, error) {
		if err := arity("mix", params, 3); err != nil {
			return nil, err
		}
		t, err := toFloat(params[2])
		if err != nil {
			return nil, fmt.Errorf("mix: %w", err)
		}
		if a, err := toFloat(params[0]); err == nil {
			b, err := toFloat(params[1])
			if err != nil {
				return nil, fmt.Errorf("mix: %w", err)
			}
			return a + (b-a)*t, nil
		}
		return elementwise("mix", params[:2], func(a, b float64) float64 { return a + (b-a)*t })
	}),
	expr.Function("clamp", func(params ...any) (any, error) {
		if err := arity("clamp", params, 3); err != nil {
			return nil, err
		}
		f, err := floatsArgs(params)
		if err != nil {
			return nil, fmt.Errorf("clamp: %w", err)
		}
		return math.Min(math.Max(f[0], f[1]), f[2]), nil
	}),
	expr.Function("smoothstep", func(params ...any) (any, error) {
		if err := arity("smoothstep", params, 3); err != nil {
			return nil, err
		}
		f, err := floatsArgs(params)
		if err != nil {
			return nil, fmt.Errorf("smoothstep: %w", err)
		}
		if f[1] == f[0] {
			if f[2] < f[0] {
				return 0.0, nil
			}
			return 1.0, nil
		}
		t := math.Min(math.Max((f[2]-f[0])/(f[1]-f[0]), 0), 1)
		return t * t * (3 - 2*t), nil
	}),
	expr.Function("hash", func(params ...any) (any, error) {
		if err := arity("hash", params, 2); err != nil {
			return nil, err
		}
		f, err := floatsArgs(params)
		if err != nil {
			return nil, fmt.Errorf("hash: %w", err)
		}
		return glslHash(f[0], f[1]), nil
	}),
	scalarFn("sqrt", math.Sqrt),
	scalarFn("sin", math.Sin),
	scalarFn("cos", math.Cos),
	scalarFn("fract", func(f float64) float64 { return f - math.Floor(f) }),
}

func norm(a []float64) float64 {
	var sum float64
	for _, f := range a {
		sum += f * f
	}
	return math.Sqrt(sum)
}

func widen4(v [4]float32) []float64 {
	return []float64{float64(v[0]), float64(v[1]), float64(v[2]), float64(v[3])}
}
