package swarm

import (
	"fmt"

	"github.com/nmxmxh/tangled/pkg/gpgpu"
)

// Variable names. They double as sampler names inside programs.
const (
	PosTarget = "posTarget"
	Acc       = "acc"
	Vel       = "vel"
	Pos       = "pos"
)

// Uniform names.
const (
	UniformTime           = "time"
	UniformRadius         = "radius"
	UniformFrame          = "frame"
	UniformBlackHoleMass  = "blackHoleMass"
	UniformAttractorCount = "attractorCount"
	UniformAttractors     = "attractors"
)

const (
	// SphereRadius is the radius particles settle around.
	SphereRadius = 80.0
	// BlackHoleMass is the mass of every window's own black hole.
	BlackHoleMass = 45.0
	// MaxAttractors caps how many other windows pull on one swarm.
	MaxAttractors = 8
	// attractorStride is the number of floats per attractor: x, y, mass, radius.
	attractorStride = 4
)

type sources struct {
	posTarget, acc, vel, pos string
}

var exprSources = sources{
	posTarget: `
let h1 = hash(uv[0], uv[1]);
let h2 = hash(uv[0] + 0.5, uv[1] + 0.5);
let h3 = hash(uv[0] + 0.7, uv[1] + 0.4);
let theta = h1 * 6.283185307179586;
let cphi = 2.0 * h2 - 1.0;
let sphi = sqrt(clamp(1.0 - cphi * cphi, 0.0, 1.0));
let r = radius * (0.8 + 0.2 * h3);
vec4(r * sphi * cos(theta), r * sphi * sin(theta), r * cphi, 1.0)`,

	acc: `
let t4 = texel(pos, x, y);
let p = vec3(t4[0], t4[1], t4[2]);
let d = length(p);
let toCenter = d > 0.0 ? normalize(scale(p, -1.0)) : vec3(0.0, 0.0, 0.0);
let gravity = mix(0.001, 0.01, smoothstep(0.0, radius * 1.5, d)) * blackHoleMass / 45.0;
let t = time * 0.0005;
let jitter = vec3(
  (hash(uv[0] + t, uv[1] + 0.1) * 2.0 - 1.0) * 0.002,
  (hash(uv[0] + 0.2, uv[1] + t) * 2.0 - 1.0) * 0.002,
  (hash(uv[0] + t, uv[1] + 0.3) * 2.0 - 1.0) * 0.002);
let swirl = normalize(vec3(-p[2], 0.0, p[0]));
let swirlStrength = 0.005 * (1.0 - clamp(d / radius, 0.0, 1.0));
let pull = reduce(0..(attractorCount - 1), add(#acc, scale(
  normalize(sub(vec3(attractors[# * 4], attractors[# * 4 + 1], 0.0), p)),
  attractors[# * 4 + 2] * 0.0002 * (1.0 - smoothstep(attractors[# * 4 + 3], attractors[# * 4 + 3] * 8.0,
    length(sub(vec3(attractors[# * 4], attractors[# * 4 + 1], 0.0), p)))))), vec3(0.0, 0.0, 0.0));
let a = add(add(add(scale(toCenter, gravity), jitter), scale(swirl, swirlStrength)), pull);
vec4(a[0], a[1], a[2], 1.0)`,

	vel: `
let a = texel(acc, x, y);
let v0 = texel(vel, x, y);
let v = scale(vec3(v0[0] + a[0], v0[1] + a[1], v0[2] + a[2]), 0.97);
let s = length(v);
let out = s > 0.5 ? scale(v, 0.5 / s) : v;
vec4(out[0], out[1], out[2], 1.0)`,

	pos: `
let t = texel(posTarget, x, y);
let p = texel(pos, x, y);
let v = texel(vel, x, y);
frame == 0 ? vec4(
    t[0] + (hash(uv[0] + 0.1, uv[1] + 0.3) * 2.0 - 1.0) * 2.0,
    t[1] + (hash(uv[0] + 0.7, uv[1] + 0.9) * 2.0 - 1.0) * 2.0,
    t[2] + (hash(uv[0] + 0.4, uv[1] + 0.2) * 2.0 - 1.0) * 2.0,
    t[3])
  : (frame < 5 ? t : vec4(p[0] + v[0], p[1] + v[1], p[2] + v[2], p[3]))`,
}

const glslHash = `
float hash(vec2 p) {
	return fract(sin(dot(p, vec2(12.9898, 78.233))) * 43758.5453);
}
`

var glslSources = sources{
	posTarget: glslHash + `
void main() {
	vec2 uv = gl_FragCoord.xy / resolution.xy;
	float theta = hash(uv) * 6.283185307179586;
	float phi = acos(2.0 * hash(uv + 0.5) - 1.0);
	float r = radius * (0.8 + 0.2 * hash(uv + vec2(0.7, 0.4)));
	gl_FragColor = vec4(r * sin(phi) * cos(theta), r * sin(phi) * sin(theta), r * cos(phi), 1.0);
}
`,

	acc: glslHash + `
void main() {
	vec2 uv = gl_FragCoord.xy / resolution.xy;
	vec3 p = texture2D(pos, uv).xyz;
	float d = length(p);
	vec3 a = vec3(0.0);

	vec3 toCenter = d > 0.0 ? normalize(-p) : vec3(0.0);
	a += toCenter * mix(0.001, 0.01, smoothstep(0.0, radius * 1.5, d)) * blackHoleMass / 45.0;

	float t = time * 0.0005;
	a.x += (hash(uv + vec2(t, 0.1)) * 2.0 - 1.0) * 0.002;
	a.y += (hash(uv + vec2(0.2, t)) * 2.0 - 1.0) * 0.002;
	a.z += (hash(uv + vec2(t, 0.3)) * 2.0 - 1.0) * 0.002;

	vec3 swirl = vec3(-p.z, 0.0, p.x);
	if (length(swirl) > 0.0) swirl = normalize(swirl);
	a += swirl * 0.005 * (1.0 - min(1.0, d / radius));

	for (int j = 0; j < 8; j++) {
		if (j >= attractorCount) break;
		vec3 dir = vec3(attractors[j * 4], attractors[j * 4 + 1], 0.0) - p;
		float r = attractors[j * 4 + 3];
		float dist = length(dir);
		if (dist > 0.0) {
			a += normalize(dir) * attractors[j * 4 + 2] * 0.0002 * (1.0 - smoothstep(r, r * 8.0, dist));
		}
	}

	gl_FragColor = vec4(a, 1.0);
}
`,

	vel: `
void main() {
	vec2 uv = gl_FragCoord.xy / resolution.xy;
	vec3 v = (texture2D(vel, uv).xyz + texture2D(acc, uv).xyz) * 0.97;
	float speed = length(v);
	if (speed > 0.5) v *= 0.5 / speed;
	gl_FragColor = vec4(v, 1.0);
}
`,

	pos: glslHash + `
void main() {
	vec2 uv = gl_FragCoord.xy / resolution.xy;
	vec4 p;
	if (frame < 5) {
		p = texture2D(posTarget, uv);
		if (frame == 0) {
			p.x += (hash(uv + vec2(0.1, 0.3)) * 2.0 - 1.0) * 2.0;
			p.y += (hash(uv + vec2(0.7, 0.9)) * 2.0 - 1.0) * 2.0;
			p.z += (hash(uv + vec2(0.4, 0.2)) * 2.0 - 1.0) * 2.0;
		}
	} else {
		p = texture2D(pos, uv);
		p.xyz += texture2D(vel, uv).xyz;
	}
	gl_FragColor = p;
}
`,
}

func sourcesFor(language string) (sources, error) {
	switch language {
	case gpgpu.LanguageExpr:
		return exprSources, nil
	case gpgpu.LanguageGLSL:
		return glslSources, nil
	}
	return sources{}, &gpgpu.UnsupportedEnvironmentError{Reason: fmt.Sprintf("no swarm programs for language %q", language)}
}

func programs(src sources) map[string]gpgpu.Program {
	timeDecl := gpgpu.UniformDecl{Name: UniformTime, Kind: gpgpu.Float}
	radiusDecl := gpgpu.UniformDecl{Name: UniformRadius, Kind: gpgpu.Float, Default: SphereRadius}
	return map[string]gpgpu.Program{
		PosTarget: {Source: src.posTarget, Uniforms: []gpgpu.UniformDecl{timeDecl, radiusDecl}},
		Acc: {Source: src.acc, Uniforms: []gpgpu.UniformDecl{
			timeDecl,
			radiusDecl,
			{Name: UniformBlackHoleMass, Kind: gpgpu.Float, Default: BlackHoleMass},
			{Name: UniformAttractorCount, Kind: gpgpu.Int},
			{Name: UniformAttractors, Kind: gpgpu.FloatArray, Len: MaxAttractors * attractorStride},
		}},
		Vel: {Source: src.vel, Uniforms: []gpgpu.UniformDecl{timeDecl}},
		Pos: {Source: src.pos, Uniforms: []gpgpu.UniformDecl{
			timeDecl,
			{Name: UniformFrame, Kind: gpgpu.Int},
		}},
	}
}
