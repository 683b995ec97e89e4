package gpgpu

import "fmt"

// UniformKind is the type of a declared program input.
type UniformKind int

const (
	Float UniformKind = iota
	Int
	Vec2
	Vec3
	Vec4
	FloatArray
)

func (k UniformKind) String() string {
	switch k {
	case Float:
		return "float"
	case Int:
		return "int"
	case Vec2:
		return "vec2"
	case Vec3:
		return "vec3"
	case Vec4:
		return "vec4"
	case FloatArray:
		return "float[]"
	default:
		return fmt.Sprintf("UniformKind(%d)", int(k))
	}
}

// UniformDecl declares one named program input.
type UniformDecl struct {
	Name string
	Kind UniformKind
	// Len is the element count of a FloatArray.
	Len int
	// Default is used until SetUniform is called. Nil means zero.
	Default any
}

// Program is the per-cell transform of a state variable.
type Program struct {
	Source   string
	Uniforms []UniformDecl
}

// Canonical uniform value types handed to hosts:
//
//	Float      float32
//	Int        int32
//	Vec2       [2]float32
//	Vec3       [3]float32
//	Vec4       [4]float32
//	FloatArray []float32 (len == decl.Len)
func coerceUniform(d UniformDecl, v any) (any, error) {
	if v == nil {
		return zeroUniform(d), nil
	}
	switch d.Kind {
	case Float:
		if f, ok := scalar(v); ok {
			return float32(f), nil
		}
	case Int:
		switch n := v.(type) {
		case int:
			return int32(n), nil
		case int32:
			return n, nil
		case int64:
			return int32(n), nil
		}
	case Vec2:
		if s, ok := floats(v); ok && len(s) == 2 {
			return [2]float32{s[0], s[1]}, nil
		}
	case Vec3:
		if s, ok := floats(v); ok && len(s) == 3 {
			return [3]float32{s[0], s[1], s[2]}, nil
		}
	case Vec4:
		if s, ok := floats(v); ok && len(s) == 4 {
			return [4]float32{s[0], s[1], s[2], s[3]}, nil
		}
	case FloatArray:
		if s, ok := floats(v); ok && len(s) == d.Len {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %q cannot hold %T", ErrUniformType, d.Kind, d.Name, v)
}

func zeroUniform(d UniformDecl) any {
	switch d.Kind {
	case Int:
		return int32(0)
	case Vec2:
		return [2]float32{}
	case Vec3:
		return [3]float32{}
	case Vec4:
		return [4]float32{}
	case FloatArray:
		return make([]float32, d.Len)
	default:
		return float32(0)
	}
}

func scalar(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	case int:
		return float64(f), true
	case int32:
		return float64(f), true
	case int64:
		return float64(f), true
	}
	return 0, false
}

// floats copies v into a fresh slice so callers cannot mutate bound values.
func floats(v any) ([]float32, bool) {
	switch s := v.(type) {
	case []float32:
		return append([]float32(nil), s...), true
	case []float64:
		out := make([]float32, len(s))
		for i, f := range s {
			out[i] = float32(f)
		}
		return out, true
	case [2]float32:
		return s[:], true
	case [3]float32:
		return s[:], true
	case [4]float32:
		return s[:], true
	case [2]float64:
		return []float32{float32(s[0]), float32(s[1])}, true
	case [3]float64:
		return []float32{float32(s[0]), float32(s[1]), float32(s[2])}, true
	case [4]float64:
		return []float32{float32(s[0]), float32(s[1]), float32(s[2]), float32(s[3])}, true
	}
	return nil, false
}
