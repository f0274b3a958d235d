// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package multidecoder

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/speechmd/multidecoder/pkg/core/spatial"
	"github.com/speechmd/multidecoder/pkg/ml/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeDim = 5
	testFreqDim = 20
	testBatch   = 3
)

func testConfig(depth int, strided bool) Config {
	encoder := stages.LayerSpecList{}
	for ii := range depth {
		encoder.Channels = append(encoder.Channels, 2*(ii+1))
		encoder.Kernels = append(encoder.Kernels, 3)
		encoder.Downsamples = append(encoder.Downsamples, (ii+1)%2*2)
	}
	return Config{
		TimeDim:   testTimeDim,
		FreqDim:   testFreqDim,
		Encoder:   encoder,
		EncoderFC: []int{8},
		LatentDim: 4,
		DecoderFC: []int{8},
		Decoder:   encoder.Reversed(),
		Classes:   []string{"clean", "noisy"},
		Flags: stages.Flags{
			Strided:              strided,
			FrequencyOnlyKernels: true,
			Activation:           stages.ActivationReLU,
		},
	}
}

// deepConfig is a configuration of up to 6 layers, pooling (or striding) by 2 and 3 on a width of 81.
func deepConfig(depth int, strided bool) Config {
	cfg := testConfig(depth, strided)
	cfg.FreqDim = 81
	cfg.Encoder.Downsamples = []int{0, 2, 0, 3, 0, 0}[:depth]
	cfg.Decoder = cfg.Encoder.Reversed()
	return cfg
}

func randomInput(ctx *context.Context, g *Graph) *Node {
	return ctx.RandomNormal(g, shapes.Make(dtypes.Float32, testBatch, testTimeDim, testFreqDim))
}

// hasBatchNorm returns whether the backend implements the batch normalization ops: the pure Go backend doesn't.
func hasBatchNorm(backend backends.Backend) bool {
	return !strings.HasPrefix(backend.Name(), "SimpleGo")
}

func TestNewModel(t *testing.T) {
	m, err := NewModel(testConfig(2, false))
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, m.Config().DType)
	assert.Equal(t, []string{"clean", "noisy"}, m.Classes())
	assert.Equal(t, spatial.ShapeState{Channels: 4, Height: testTimeDim, Width: 7}, m.EncoderPlan().Output)

	scope, err := m.DecoderScope("noisy")
	require.NoError(t, err)
	assert.Equal(t, "decoder/noisy", scope)
	_, err = m.DecoderScope("reverberant")
	require.Error(t, err)
	assert.True(t, stages.IsConfigurationError(err))
	_, err = m.AdversaryScope()
	require.Error(t, err, "model has no adversary")

	cfg := testConfig(2, false)
	cfg.Classes = []string{"clean", "clean"}
	_, err = NewModel(cfg)
	require.Error(t, err)
	assert.True(t, stages.IsConfigurationError(err))

	cfg = testConfig(2, false)
	cfg.Encoder.Kernels[1] = 30
	cfg.Decoder = cfg.Encoder.Reversed()
	_, err = NewModel(cfg)
	require.Error(t, err)
	assert.True(t, stages.IsConfigurationError(err))

	cfg = testConfig(2, false)
	cfg.Decoder.Downsamples = []int{0, 0}
	_, err = NewModel(cfg)
	require.Error(t, err)
	assert.True(t, stages.IsConfigurationError(err))

	cfg = testConfig(1, false)
	cfg.Classes = []string{"clean"}
	cfg.Adversary = &HeadConfig{Hidden: []int{4}, OutputActivation: stages.ActivationSigmoid}
	_, err = NewModel(cfg)
	require.Error(t, err, "adversary needs 2 classes")

	cfg = testConfig(1, false)
	cfg.Adversary = &HeadConfig{Hidden: []int{4}, OutputActivation: stages.ActivationSigmoid}
	m, err = NewModel(cfg)
	require.NoError(t, err)
	assert.Equal(t, "noisy", m.Config().AdversaryDomainClass)
}

func TestGroupOf(t *testing.T) {
	cfg := testConfig(1, false)
	cfg.Adversary = &HeadConfig{OutputActivation: stages.ActivationSigmoid}
	cfg.Discriminator = &HeadConfig{OutputActivation: stages.ActivationSigmoid}
	m, err := NewModel(cfg)
	require.NoError(t, err)

	assert.Equal(t, "encoder", m.GroupOf("/model/encoder/conv_0"))
	assert.Equal(t, "decoder/clean", m.GroupOf("/model/decoder/clean/fc_0/norm"))
	assert.Equal(t, "discriminator/noisy", m.GroupOf("/discriminator/noisy/output"))
	assert.Equal(t, "adversary", m.GroupOf("/model/adversary/fc_0"))
	assert.Equal(t, "", m.GroupOf("/model/decoder/unknown/fc_0"))
	assert.Equal(t, "", m.GroupOf("/global_step"))
	assert.Equal(t, []string{
		"decoder/clean", "decoder/noisy",
		"discriminator/clean", "discriminator/noisy",
		"adversary", "encoder",
	}, m.Groups())
}

func TestPoolUnpool(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	x := tensors.FromFlatDataAndDimensions([]float32{1, 3, 2, 0, 7}, 1, 1, 5, 1)
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		pooled, indices := maxPoolWidth(x, 2)
		unpooled := maxUnpoolWidth(pooled, indices, 2, 5)
		return []*Node{pooled, indices, unpooled}
	}, x)
	assert.Equal(t, []float32{3, 2}, tensors.MustCopyFlatData[float32](outputs[0]))
	assert.Equal(t, []int32{1, 0}, tensors.MustCopyFlatData[int32](outputs[1]))
	// The last column, dropped by the pooling, is lost.
	assert.Equal(t, []float32{0, 3, 2, 0, 0}, tensors.MustCopyFlatData[float32](outputs[2]))
}

func TestTransposedConv(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	layer := stages.Layer{
		Kind: stages.KindDeconv, Channels: 2, Kernel: spatial.Window{Height: 2, Width: 3},
		Stride: 2, OutputPadding: 1,
	}
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.Float32, testBatch, 3, 40, 4))
		return transposedConv2D(ctx, stages.XavierUniform, x, layer)
	})
	// Height: 3+2-1; width: (40-1)*2+3+1.
	require.NoError(t, got.Shape().Check(dtypes.Float32, testBatch, 4, 82, 2))
}

func testRoundTrip(t *testing.T, backend backends.Backend, cfg Config) {
	m, err := NewModel(cfg)
	require.NoError(t, err)
	wantRecords := 0
	for _, ds := range cfg.Encoder.Downsamples {
		if cfg.Flags.Strided || ds > 0 {
			wantRecords++
		}
	}

	var afterEncode, afterDecode int
	ctx := context.New()
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, testBatch, cfg.TimeDim, cfg.FreqDim))
		enc := m.Encode(ctx, x)
		afterEncode = enc.Inversion.Len()
		reconstruction := m.Decode(ctx, "noisy", enc.Latent, enc.Bridge, enc.Inversion)
		afterDecode = enc.Inversion.Len()
		return reconstruction
	})
	require.NoError(t, got.Shape().Check(dtypes.Float32, testBatch, cfg.TimeDim, cfg.FreqDim))
	assert.Equal(t, wantRecords, afterEncode)
	assert.Equal(t, 0, afterDecode)
}

func TestRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, strided := range []bool{false, true} {
		for depth := 1; depth <= 6; depth++ {
			t.Run(fmt.Sprintf("strided=%v/depth=%d", strided, depth), func(t *testing.T) {
				testRoundTrip(t, backend, deepConfig(depth, strided))
			})
		}
	}
}

func TestRoundTripNormalized(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	if !hasBatchNorm(backend) {
		t.Skipf("backend %q doesn't support batch normalization", backend.Name())
	}
	for _, strided := range []bool{false, true} {
		t.Run(fmt.Sprintf("strided=%v", strided), func(t *testing.T) {
			cfg := testConfig(2, strided)
			cfg.Flags.UseNormalization = true
			testRoundTrip(t, backend, cfg)
		})
	}
}

func TestLatentInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(1, false)
	cfg.Flags.Activation = stages.ActivationTanh
	m, err := NewModel(cfg)
	require.NoError(t, err)
	ctx := context.New()
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return m.Encode(ctx, randomInput(ctx, g)).Latent
	})
	v := ctx.GetVariableByScopeAndName("/"+EncoderScopeName+"/latent", "weights")
	require.NotNil(t, v)

	// Xavier uniform scaled by the tanh gain 5/3, with fan-in 8 (EncoderFC) and fan-out 4 (LatentDim).
	unitBound := math.Sqrt(6.0 / float64(8+4))
	var maxAbs float64
	for _, w := range tensors.MustCopyFlatData[float32](v.MustValue()) {
		maxAbs = max(maxAbs, math.Abs(float64(w)))
	}
	assert.LessOrEqual(t, maxAbs, 5.0/3.0*unitBound+1e-6)
	assert.Greater(t, maxAbs, unitBound, "latent projection initialized without the activation gain")
}

func TestDecodeShapeMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := NewModel(testConfig(2, false))
	require.NoError(t, err)

	var mismatchErr, classErr error
	ctx := context.New().Checked(false)
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		enc := m.Encode(ctx, randomInput(ctx, g))
		mismatchErr = exceptions.TryCatch[error](func() {
			m.Decode(ctx, "clean", enc.Latent, enc.Bridge, &InversionStack{})
		})
		classErr = exceptions.TryCatch[error](func() {
			m.Decode(ctx, "reverberant", enc.Latent, enc.Bridge, enc.Inversion.Clone())
		})
		return m.Decode(ctx, "clean", enc.Latent, enc.Bridge, enc.Inversion)
	})
	require.Error(t, mismatchErr)
	var shapeErr *ShapeMismatchError
	require.True(t, errors.As(mismatchErr, &shapeErr), "got %+v", mismatchErr)
	assert.Equal(t, 1, shapeErr.Layer)
	require.Error(t, classErr)
	assert.True(t, stages.IsConfigurationError(classErr))
}

func TestReparameterize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	for _, training := range []bool{true, false} {
		outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			ctx.SetTraining(g, training)
			mu := Iota(g, shapes.Make(dtypes.Float32, 4, 8), 1)
			logVar := Zeros(g, mu.Shape())
			return []*Node{mu, Reparameterize(ctx, mu, logVar), Reparameterize(ctx, mu, logVar)}
		})
		mu := tensors.MustCopyFlatData[float32](outputs[0])
		first := tensors.MustCopyFlatData[float32](outputs[1])
		second := tensors.MustCopyFlatData[float32](outputs[2])
		if training {
			assert.NotEqual(t, first, second, "sampling must be stochastic while training")
			assert.NotEqual(t, mu, first)
		} else {
			assert.Equal(t, mu, first, "evaluation must return mu exactly")
			assert.Equal(t, mu, second)
		}
	}
}

func TestKLDivergence(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		zeros := Zeros(g, shapes.Make(dtypes.Float32, 2, 3))
		return []*Node{
			KLDivergence(zeros, zeros, 1),
			KLDivergence(OnesLike(zeros), zeros, 3),
		}
	})
	assert.InDelta(t, 0.0, tensors.ToScalar[float32](outputs[0]), 1e-6)
	// Each element contributes -0.5*(1+0-1-1) = 0.5; 6 elements / 3.
	assert.InDelta(t, 1.0, tensors.ToScalar[float32](outputs[1]), 1e-6)
}

func TestReverseGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	x := tensors.FromValue([]float32{1, 2, 3})
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		reversed := ReverseGradient(x, 2.0)
		loss := ReduceAllSum(MulScalar(reversed, 3))
		return []*Node{reversed, Gradient(loss, x)[0]}
	}, x)
	assert.Equal(t, []float32{1, 2, 3}, tensors.MustCopyFlatData[float32](outputs[0]))
	assert.Equal(t, []float32{-6, -6, -6}, tensors.MustCopyFlatData[float32](outputs[1]))
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(2, true)
	cfg.Variational = true
	cfg.Adversary = &HeadConfig{Hidden: []int{4}, HiddenActivation: stages.ActivationReLU,
		OutputActivation: stages.ActivationSigmoid, Weight: 0.5}
	cfg.Discriminator = &HeadConfig{Hidden: []int{6}, HiddenActivation: stages.ActivationLeakyReLU,
		OutputActivation: stages.ActivationSigmoid, Weight: 0.1}
	m, err := NewModel(cfg)
	require.NoError(t, err)

	ctx := context.New()
	ctx.SetParam(ParamNoiseRatio, 0.25)
	for _, spec := range []Spec{
		{Class: "clean", Noise: true},
		{Class: "noisy"},
		{Class: "noisy", ReconstructionOnly: true},
	} {
		outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			ctx.SetTraining(g, true)
			x := randomInput(ctx, g)
			predictions := m.ModelGraph(ctx, spec, []*Node{x})
			loss := m.Loss([]*Node{x}, predictions)
			return append(predictions, loss)
		})
		require.NoError(t, outputs[0].Shape().Check(dtypes.Float32, testBatch, testTimeDim, testFreqDim))
		aux := tensors.ToScalar[float32](outputs[1])
		loss := tensors.ToScalar[float32](outputs[2])
		assert.False(t, math.IsNaN(float64(loss)), "spec %+v", spec)
		if spec.ReconstructionOnly {
			assert.Equal(t, float32(0), aux)
		} else {
			assert.Greater(t, aux, float32(0), "spec %+v", spec)
		}
		assert.GreaterOrEqual(t, loss, aux)
	}

	// Every variable belongs to a parameter group, except the random number generator state.
	for v := range ctx.IterVariables() {
		if v.Name() == context.RNGStateVariableName {
			continue
		}
		assert.NotEmpty(t, m.GroupOf(v.Scope()), "variable %s/%s", v.Scope(), v.Name())
	}
}
