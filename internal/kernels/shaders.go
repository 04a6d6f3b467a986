package kernels

import _ "embed"

//go:embed shaders/mod.wgsl
var modShaderWGSL string

//go:embed shaders/scatter_with_value.wgsl
var scatterShaderWGSL string

//go:embed shaders/sum_reduce.wgsl
var sumShaderWGSL string
