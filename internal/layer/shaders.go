package layer

// WGSL compute shaders for the device path. Storage bindings come first in
// binding order, the uniform Params block last. Float16 storage shaders
// address u32 words holding two half values each.

// reluShader applies ReLU with negative slope: result = x > 0 ? x : x * slope.
const reluShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
    slope: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        let x = input[idx];
        result[idx] = select(x * bitcast<f32>(params.slope), x, x > 0.0);
    }
}
`

// reluShaderFP16 is reluShader over packed half pairs.
const reluShaderFP16 = `
@group(0) @binding(0) var<storage, read> input: array<u32>;
@group(0) @binding(1) var<storage, read_write> result: array<u32>;

struct Params {
    size: u32,
    slope: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        let x = unpack2x16float(input[idx]);
        let y = select(x * bitcast<f32>(params.slope), x, x > vec2<f32>(0.0));
        result[idx] = pack2x16float(y);
    }
}
`

// binaryOpShader applies add/sub/mul/div/max/min. b is broadcast when
// params.broadcast is set and replaced by params.b when with_scalar is set.
const binaryOpShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
    op: u32,
    with_scalar: u32,
    b: u32,
    broadcast: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

fn apply(x: f32, y: f32) -> f32 {
    switch params.op {
        case 0u: { return x + y; }
        case 1u: { return x - y; }
        case 2u: { return x * y; }
        case 3u: { return x / y; }
        case 4u: { return max(x, y); }
        default: { return min(x, y); }
    }
}

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        var y = bitcast<f32>(params.b);
        if (params.with_scalar == 0u) {
            y = b[select(idx, 0u, params.broadcast != 0u)];
        }
        result[idx] = apply(a[idx], y);
    }
}
`

// binaryOpShaderFP16 is binaryOpShader over packed half pairs.
const binaryOpShaderFP16 = `
@group(0) @binding(0) var<storage, read> a: array<u32>;
@group(0) @binding(1) var<storage, read> b: array<u32>;
@group(0) @binding(2) var<storage, read_write> result: array<u32>;

struct Params {
    size: u32,
    op: u32,
    with_scalar: u32,
    b: u32,
    broadcast: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

fn apply(x: vec2<f32>, y: vec2<f32>) -> vec2<f32> {
    switch params.op {
        case 0u: { return x + y; }
        case 1u: { return x - y; }
        case 2u: { return x * y; }
        case 3u: { return x / y; }
        case 4u: { return max(x, y); }
        default: { return min(x, y); }
    }
}

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        var y = vec2<f32>(bitcast<f32>(params.b));
        if (params.with_scalar == 0u) {
            if (params.broadcast != 0u) {
                y = vec2<f32>(unpack2x16float(b[0]).x);
            } else {
                y = unpack2x16float(b[idx]);
            }
        }
        result[idx] = pack2x16float(apply(unpack2x16float(a[idx]), y));
    }
}
`

// innerProductShader computes result[o] = dot(weight[o, :], input) + bias[o].
const innerProductShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read> weight: array<f32>;
@group(0) @binding(2) var<storage, read> bias: array<f32>;
@group(0) @binding(3) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
    inner: u32,
    bias_term: u32,
}
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let o = global_id.x;
    if (o < params.size) {
        var sum = 0.0;
        if (params.bias_term != 0u) {
            sum = bias[o];
        }
        let base = o * params.inner;
        for (var i = 0u; i < params.inner; i = i + 1u) {
            sum = sum + weight[base + i] * input[i];
        }
        result[o] = sum;
    }
}
`

// castFP32ToFP16Shader packs pairs of floats into half words. size counts words.
const castFP32ToFP16Shader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<u32>;

struct Params {
    size: u32,
    count: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        let lo = input[idx * 2u];
        var hi = 0.0;
        if (idx * 2u + 1u < params.count) {
            hi = input[idx * 2u + 1u];
        }
        result[idx] = pack2x16float(vec2<f32>(lo, hi));
    }
}
`

// castFP16ToFP32Shader unpacks half words. size counts words.
const castFP16ToFP32Shader = `
@group(0) @binding(0) var<storage, read> input: array<u32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
    count: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        let v = unpack2x16float(input[idx]);
        result[idx * 2u] = v.x;
        if (idx * 2u + 1u < params.count) {
            result[idx * 2u + 1u] = v.y;
        }
    }
}
`

// packingShader moves elements between elempack 1 and 4. to_pack4 selects
// the direction; size counts output elements.
const packingShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
    inner: u32,
    to_pack4: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

fn source(dst: u32) -> u32 {
    if (params.to_pack4 != 0u) {
        let g = dst / 4u;
        let o = (g / params.inner) * 4u + dst % 4u;
        return o * params.inner + g % params.inner;
    }
    let o = dst / params.inner;
    return ((o / 4u) * params.inner + dst % params.inner) * 4u + o % 4u;
}

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = input[source(idx)];
    }
}
`

// packingShaderFP16 is packingShader over half words: each invocation
// assembles one output word from two source elements. size counts output words.
const packingShaderFP16 = `
@group(0) @binding(0) var<storage, read> input: array<u32>;
@group(0) @binding(1) var<storage, read_write> result: array<u32>;

struct Params {
    size: u32,
    inner: u32,
    to_pack4: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

fn source(dst: u32) -> u32 {
    if (params.to_pack4 != 0u) {
        let g = dst / 4u;
        let o = (g / params.inner) * 4u + dst % 4u;
        return o * params.inner + g % params.inner;
    }
    let o = dst / params.inner;
    return ((o / 4u) * params.inner + dst % params.inner) * 4u + o % 4u;
}

fn load(i: u32) -> f32 {
    let v = unpack2x16float(input[i / 2u]);
    return select(v.x, v.y, i % 2u == 1u);
}

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = pack2x16float(vec2<f32>(load(source(idx * 2u)), load(source(idx * 2u + 1u))));
    }
}
`
