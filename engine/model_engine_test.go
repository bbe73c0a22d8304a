package engine

import (
	"math"
	"math/rand"
	"runtime"
	"testing"

	"github.com/dronepilot/pilotnet/layers"
	"github.com/dronepilot/pilotnet/tensor"
)

func randomInput(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t, err := tensor.RandomNormal(rng, shape, 0, 1)
	if err != nil {
		panic(err)
	}
	return t
}

// weightedLoss returns sum(w * y) over every output in float64.
func weightedLoss(t *testing.T, m *Model, inputs, weights []*tensor.Tensor) float64 {
	t.Helper()
	outs, err := m.Forward(inputs, false)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	var loss float64
	for i, out := range outs {
		for j, v := range out.Data {
			loss += float64(v) * float64(weights[i].Data[j])
		}
	}
	return loss
}

// checkGradients compares analytic parameter gradients with central
// differences for a handful of entries of every parameter.
func checkGradients(t *testing.T, spec *layers.ModelSpec, inputs []*tensor.Tensor) {
	t.Helper()

	m, err := NewModel(spec, 7)
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	outs, err := m.Forward(inputs, false)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	rng := rand.New(rand.NewSource(3))
	weights := make([]*tensor.Tensor, len(outs))
	for i, out := range outs {
		weights[i] = randomInput(rng, out.Shape...)
	}

	m.ZeroGrad()
	if err := m.Backward(weights); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	const eps = 1e-2
	for _, p := range m.Parameters() {
		step := len(p.Value.Data)/5 + 1
		for idx := 0; idx < len(p.Value.Data); idx += step {
			orig := p.Value.Data[idx]
			p.Value.Data[idx] = orig + eps
			plus := weightedLoss(t, m, inputs, weights)
			p.Value.Data[idx] = orig - eps
			minus := weightedLoss(t, m, inputs, weights)
			p.Value.Data[idx] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := float64(p.Grad.Data[idx])
			scale := math.Max(0.1, math.Max(math.Abs(numeric), math.Abs(analytic)))
			if math.Abs(numeric-analytic) > 2e-2*scale {
				t.Errorf("%s[%d]: analytic %.5f, numeric %.5f", p.Name, idx, analytic, numeric)
			}
		}
	}
}

func compile(t *testing.T, mb *layers.ModelBuilder) *layers.ModelSpec {
	t.Helper()
	spec, err := mb.Compile()
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return spec
}

func TestDenseGradients(t *testing.T) {
	mb := layers.NewModelBuilder("dense")
	x := mb.Input("x", 3, 4)
	h := mb.Dense(x, 5, "fc1")
	mb.Output(mb.Dense(h, 2, "fc2"))

	rng := rand.New(rand.NewSource(1))
	checkGradients(t, compile(t, mb), []*tensor.Tensor{randomInput(rng, 2, 3, 4)})
}

func TestConvGradients(t *testing.T) {
	mb := layers.NewModelBuilder("conv")
	x := mb.Input("x", 6, 6, 2)
	h := mb.Dense(x, 3, "pre")
	h = mb.Conv2D(h, 3, 3, 2, 1, "conv")
	h = mb.GlobalAvgPool(h, "pool")
	mb.Output(mb.Dense(h, 2, "post"))

	spec := compile(t, mb)
	if got := spec.Layer("conv").OutputShape; !tensor.ShapesEqual(got, []int{3, 3, 3}) {
		t.Fatalf("conv output shape = %v", got)
	}
	rng := rand.New(rand.NewSource(2))
	checkGradients(t, spec, []*tensor.Tensor{randomInput(rng, 2, 6, 6, 2)})
}

func TestSigmoidLayerNormGradients(t *testing.T) {
	mb := layers.NewModelBuilder("norm")
	x := mb.Input("x", 4, 6)
	h := mb.Dense(x, 6, "pre")
	h = mb.LayerNorm(h, 1e-6, "ln")
	h = mb.Dense(h, 3, "post")
	mb.Output(mb.Sigmoid(h, "sig"))

	rng := rand.New(rand.NewSource(4))
	checkGradients(t, compile(t, mb), []*tensor.Tensor{randomInput(rng, 2, 4, 6)})
}

func TestAttentionBlockGradients(t *testing.T) {
	mb := layers.NewModelBuilder("attention")
	x := mb.Input("x", 3, 4)
	h := mb.Dense(x, 4, "pre")
	h = mb.PositionEmbedding(h, 5, "pos")
	a := mb.MultiHeadAttention(h, 2, 4, "mha")
	h = mb.LayerNorm(mb.Add([]string{h, a}, "res"), 1e-6, "ln")
	h = mb.TokenSelect(h, 0, "first")
	mb.Output(mb.Dense(h, 2, "post"))

	rng := rand.New(rand.NewSource(5))
	checkGradients(t, compile(t, mb), []*tensor.Tensor{randomInput(rng, 2, 3, 4)})
}

func TestConcatReshapeGradients(t *testing.T) {
	mb := layers.NewModelBuilder("concat")
	a := mb.Input("a", 4)
	b := mb.Input("b", 2, 3)
	ta := mb.Reshape(mb.Dense(a, 3, "fa"), []int{1, 3}, "ra")
	tb := mb.Dense(b, 3, "fb")
	seq := mb.Concat([]string{tb, ta}, 0, "cat")
	out1 := mb.Dense(mb.Flatten(seq, "flat"), 1, "head")
	out2 := mb.Dense(mb.Concat([]string{a, mb.Flatten(b, "flat_b")}, -1, "wide"), 2, "side")
	mb.Output(out1, out2)

	rng := rand.New(rand.NewSource(6))
	checkGradients(t, compile(t, mb), []*tensor.Tensor{randomInput(rng, 2, 4), randomInput(rng, 2, 2, 3)})
}

func TestReLUMasksNegativeInputs(t *testing.T) {
	k := &reluKernel{}
	x := tensor.MustNew([]int{1, 4}, []float32{-1, 2, 0, 3})
	y, _ := k.forward([]*tensor.Tensor{x}, true)
	if !y.Equal(tensor.MustNew([]int{1, 4}, []float32{0, 2, 0, 3})) {
		t.Errorf("relu forward = %v", y.Data)
	}
	g, _ := k.backward(tensor.MustNew([]int{1, 4}, []float32{1, 1, 1, 1}), []bool{true})
	if !g[0].Equal(tensor.MustNew([]int{1, 4}, []float32{0, 1, 0, 1})) {
		t.Errorf("relu backward = %v", g[0].Data)
	}
	if x.Data[0] != -1 {
		t.Error("relu must not modify its input")
	}
}

func TestDropoutModes(t *testing.T) {
	mb := layers.NewModelBuilder("dropout")
	x := mb.Input("x", 1000)
	mb.Output(mb.Dropout(x, 0.25, "drop"))
	m, err := NewModel(compile(t, mb), 1)
	if err != nil {
		t.Fatal(err)
	}

	in, _ := tensor.Full([]int{1, 1000}, 1)
	outs, err := m.Forward([]*tensor.Tensor{in}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !outs[0].Equal(in) {
		t.Error("dropout must be the identity outside training")
	}

	outs, err = m.Forward([]*tensor.Tensor{in}, true)
	if err != nil {
		t.Fatal(err)
	}
	zeros := 0
	for _, v := range outs[0].Data {
		switch {
		case v == 0:
			zeros++
		case math.Abs(float64(v)-1/0.75) > 1e-5:
			t.Fatalf("kept activation %v not scaled by 1/(1-rate)", v)
		}
	}
	if zeros < 150 || zeros > 350 {
		t.Errorf("dropped %d of 1000 at rate 0.25", zeros)
	}
}

func TestForwardValidatesInputs(t *testing.T) {
	mb := layers.NewModelBuilder("validate")
	a := mb.Input("a", 3)
	b := mb.Input("b", 2)
	mb.Output(mb.Concat([]string{a, b}, -1, "cat"))
	m, err := NewModel(compile(t, mb), 1)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Forward([]*tensor.Tensor{tensor.Zeros(1, 3)}, false); err == nil {
		t.Error("expected error for missing input")
	}
	if _, err := m.Forward([]*tensor.Tensor{tensor.Zeros(1, 3), tensor.Zeros(1, 4)}, false); err == nil {
		t.Error("expected error for wrong feature shape")
	}
	if _, err := m.Forward([]*tensor.Tensor{tensor.Zeros(2, 3), tensor.Zeros(1, 2)}, false); err == nil {
		t.Error("expected error for inconsistent batch")
	}
	if err := m.Backward([]*tensor.Tensor{tensor.Zeros(1, 5)}); err == nil {
		t.Error("expected error for backward before a successful forward")
	}
}

func TestFrozenScopeReceivesNoGradient(t *testing.T) {
	mb := layers.NewModelBuilder("frozen")
	x := mb.Input("x", 4)
	mb.SetScope("backbone")
	h := mb.Dense(x, 3, "fc")
	mb.SetScope("")
	mb.Output(mb.Dense(h, 1, "head"))

	m, err := NewModel(compile(t, mb), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetFrozen("backbone", true); err != nil {
		t.Fatal(err)
	}
	if got := len(m.TrainableParameters()); got != 2 {
		t.Errorf("trainable parameters = %d, expected 2", got)
	}

	rng := rand.New(rand.NewSource(1))
	if _, err := m.Forward([]*tensor.Tensor{randomInput(rng, 2, 4)}, true); err != nil {
		t.Fatal(err)
	}
	m.ZeroGrad()
	if err := m.Backward([]*tensor.Tensor{tensor.MustNew([]int{2, 1}, []float32{1, 1})}); err != nil {
		t.Fatal(err)
	}
	for _, p := range m.Parameters() {
		nonZero := false
		for _, v := range p.Grad.Data {
			if v != 0 {
				nonZero = true
			}
		}
		if p.Scope == "backbone" && nonZero {
			t.Errorf("frozen %s received a gradient", p.Name)
		}
		if p.Scope == "" && p.Kind == "bias" && !nonZero {
			t.Errorf("trainable %s received no gradient", p.Name)
		}
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	build := func() *layers.ModelSpec {
		mb := layers.NewModelBuilder("weights")
		x := mb.Input("x", 4)
		mb.SetScope("backbone")
		h := mb.Dense(x, 3, "fc")
		mb.SetScope("")
		mb.Output(mb.Sigmoid(mb.Dense(h, 1, "head"), "out"))
		return compile(t, mb)
	}

	src, _ := NewModel(build(), 1)
	dst, _ := NewModel(build(), 2)

	rng := rand.New(rand.NewSource(9))
	in := []*tensor.Tensor{randomInput(rng, 3, 4)}

	if err := dst.LoadScopedWeights("backbone", src.Weights()); err != nil {
		t.Fatalf("LoadScopedWeights failed: %v", err)
	}
	if dst.Parameters()[0].Value.Equal(src.Parameters()[0].Value) == false {
		t.Error("backbone kernel not copied")
	}
	if dst.Parameters()[2].Value.Equal(src.Parameters()[2].Value) {
		t.Error("head kernel should be untouched by scoped load")
	}

	if err := dst.LoadWeights(src.Weights()); err != nil {
		t.Fatalf("LoadWeights failed: %v", err)
	}
	a, _ := src.Forward(in, false)
	b, _ := dst.Forward(in, false)
	if !a[0].AllClose(b[0], 1e-6) {
		t.Error("models with identical weights disagree")
	}
	for _, v := range a[0].Data {
		if v < 0 || v > 1 {
			t.Errorf("sigmoid output %v outside [0, 1]", v)
		}
	}

	ws := src.Weights()
	ws[0].Shape = []int{3, 4}
	if err := dst.LoadWeights(ws); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestLoadWeightsRejectsBeforeCopying(t *testing.T) {
	build := func() *layers.ModelSpec {
		mb := layers.NewModelBuilder("partial")
		x := mb.Input("x", 4)
		h := mb.Dense(x, 3, "fc")
		mb.Output(mb.Dense(h, 1, "head"))
		return compile(t, mb)
	}
	src, _ := NewModel(build(), 1)
	dst, _ := NewModel(build(), 2)
	before := dst.Parameters()[0].Value.Clone()

	ws := src.Weights()
	last := len(ws) - 1
	ws[last].Shape = []int{2}
	ws[last].Data = []float32{1, 2}
	if err := dst.LoadWeights(ws); err == nil {
		t.Fatal("expected shape mismatch error")
	}
	if !dst.Parameters()[0].Value.Equal(before) {
		t.Error("failed load overwrote earlier parameters")
	}
}

func TestSetWorkersDefaultsToCPUCount(t *testing.T) {
	mb := layers.NewModelBuilder("workers")
	mb.Output(mb.Dense(mb.Input("x", 2), 1, "fc"))
	m, err := NewModel(compile(t, mb), 1)
	if err != nil {
		t.Fatal(err)
	}

	m.SetWorkers(0)
	if m.Workers() != runtime.NumCPU() {
		t.Errorf("SetWorkers(0) gave %d workers, want %d", m.Workers(), runtime.NumCPU())
	}
	if runtime.NumCPU() > 1 && m.Workers() < 2 {
		t.Errorf("expected parallel kernels on a %d-CPU host", runtime.NumCPU())
	}
	m.SetWorkers(3)
	if m.Workers() != 3 {
		t.Errorf("Workers = %d, want 3", m.Workers())
	}
}
