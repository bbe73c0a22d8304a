package optimizer

import (
	"encoding/json"
	"math"
	"testing"
)

func approx(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func bind(t *testing.T, opt Optimizer, values ...float32) [][]float32 {
	t.Helper()
	w := [][]float32{append([]float32(nil), values...)}
	if err := opt.SetWeights(w); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	return w
}

func TestAdaBeliefDefaults(t *testing.T) {
	config := DefaultAdaBeliefConfig()
	if config.LearningRate != 1e-4 {
		t.Errorf("Expected learning rate 1e-4, got %g", config.LearningRate)
	}
	if config.Epsilon != 1e-14 {
		t.Errorf("Expected epsilon 1e-14, got %g", config.Epsilon)
	}
	if config.WeightDecay != 1e-4 {
		t.Errorf("Expected weight decay 1e-4, got %g", config.WeightDecay)
	}
	if !config.Rectify || config.SMAThreshold != 5 {
		t.Errorf("Expected rectify with threshold 5, got %v/%g", config.Rectify, config.SMAThreshold)
	}
}

func TestAdaBeliefUnrectifiedStep(t *testing.T) {
	config := DefaultAdaBeliefConfig()
	config.Rectify = false
	config.WeightDecay = 0
	config.LearningRate = 0.1
	opt, err := NewAdaBeliefOptimizer(config, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	w := bind(t, opt, 1)

	// m = 0.05, s = 0.001*0.45^2, so m_hat/sqrt(s_hat) = 0.5/0.45.
	if err := opt.Step([][]float32{{0.5}}); err != nil {
		t.Fatal(err)
	}
	want := float32(1 - 0.1*0.5/0.45)
	if !approx(w[0][0], want, 1e-5) {
		t.Errorf("weight after one step = %v, want %v", w[0][0], want)
	}
	if opt.GetStepCount() != 1 {
		t.Errorf("step count = %d", opt.GetStepCount())
	}
}

func TestAdaBeliefRectifiedWarmup(t *testing.T) {
	config := DefaultAdaBeliefConfig()
	config.WeightDecay = 0
	config.LearningRate = 0.1
	opt, err := NewAdaBeliefOptimizer(config, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	w := bind(t, opt, 1)

	// The SMA length stays below 5 for the first five steps; with a constant
	// gradient the bias-corrected momentum equals the gradient.
	for i := 0; i < 5; i++ {
		if err := opt.Step([][]float32{{0.5}}); err != nil {
			t.Fatal(err)
		}
	}
	if !approx(w[0][0], 0.75, 1e-5) {
		t.Fatalf("weight after warmup = %v, want 0.75", w[0][0])
	}

	if err := opt.Step([][]float32{{0.5}}); err != nil {
		t.Fatal(err)
	}
	if approx(w[0][0], 0.70, 1e-5) {
		t.Errorf("step 6 should use the adaptive update")
	}
	if math.IsNaN(float64(w[0][0])) || math.IsInf(float64(w[0][0]), 0) {
		t.Errorf("weight is not finite: %v", w[0][0])
	}
}

func TestAdaBeliefWeightDecay(t *testing.T) {
	config := DefaultAdaBeliefConfig()
	opt, err := NewAdaBeliefOptimizer(config, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	w := bind(t, opt, 1)
	if err := opt.Step([][]float32{{0.5}}); err != nil {
		t.Fatal(err)
	}
	want := float32(1 - 1e-4*(0.5+1e-4))
	if !approx(w[0][0], want, 1e-6) {
		t.Errorf("weight = %v, want %v", w[0][0], want)
	}
}

func TestStateRoundTrip(t *testing.T) {
	shapes := [][]int{{2, 2}, {2}}
	grads := [][]float32{{0.1, -0.2, 0.3, -0.4}, {0.5, -0.6}}

	for _, name := range []string{NameAdaBelief, NameAdam, NameNadam, NameSGD, NameRMSProp, NameAdaGrad, NameAdaDelta} {
		t.Run(name, func(t *testing.T) {
			a, err := New(name, 0.01, shapes)
			if err != nil {
				t.Fatal(err)
			}
			wa := [][]float32{{1, 2, 3, 4}, {5, 6}}
			if err := a.SetWeights(wa); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 7; i++ {
				if err := a.Step(grads); err != nil {
					t.Fatal(err)
				}
			}

			state, err := a.GetState()
			if err != nil {
				t.Fatal(err)
			}
			raw, err := json.Marshal(state)
			if err != nil {
				t.Fatal(err)
			}
			var decoded OptimizerState
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatal(err)
			}

			b, err := New(name, 0.5, shapes)
			if err != nil {
				t.Fatal(err)
			}
			wb := [][]float32{append([]float32(nil), wa[0]...), append([]float32(nil), wa[1]...)}
			if err := b.SetWeights(wb); err != nil {
				t.Fatal(err)
			}
			if err := b.LoadState(&decoded); err != nil {
				t.Fatal(err)
			}
			if b.GetStepCount() != 7 {
				t.Errorf("step count = %d, want 7", b.GetStepCount())
			}
			if b.LearningRate() != a.LearningRate() {
				t.Errorf("learning rate = %g, want %g", b.LearningRate(), a.LearningRate())
			}

			if err := a.Step(grads); err != nil {
				t.Fatal(err)
			}
			if err := b.Step(grads); err != nil {
				t.Fatal(err)
			}
			for i := range wa {
				for j := range wa[i] {
					if !approx(wa[i][j], wb[i][j], 1e-6) {
						t.Errorf("weight[%d][%d]: %v vs %v", i, j, wa[i][j], wb[i][j])
					}
				}
			}
		})
	}
}

func TestLoadStateRejectsWrongType(t *testing.T) {
	adam, _ := New(NameAdam, 0, [][]int{{1}})
	state, _ := adam.GetState()
	belief, _ := New(NameAdaBelief, 0, [][]int{{1}})
	if err := belief.LoadState(state); err == nil {
		t.Error("expected type mismatch error")
	}
	if err := belief.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
}

func TestLoadStateRejectsSizeMismatch(t *testing.T) {
	a, _ := New(NameAdaBelief, 0, [][]int{{3}})
	state, _ := a.GetState()
	b, _ := New(NameAdaBelief, 0, [][]int{{2}})
	if err := b.LoadState(state); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestSGDMomentum(t *testing.T) {
	opt, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	w := bind(t, opt, 1)
	for _, want := range []float32{0.9, 0.71} {
		if err := opt.Step([][]float32{{1}}); err != nil {
			t.Fatal(err)
		}
		if !approx(w[0][0], want, 1e-6) {
			t.Errorf("weight = %v, want %v", w[0][0], want)
		}
	}

	nesterov, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	w = bind(t, nesterov, 1)
	if err := nesterov.Step([][]float32{{1}}); err != nil {
		t.Fatal(err)
	}
	if !approx(w[0][0], 0.81, 1e-6) {
		t.Errorf("nesterov weight = %v, want 0.81", w[0][0])
	}

	if _, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Nesterov: true}, [][]int{{1}}); err == nil {
		t.Error("nesterov without momentum should be rejected")
	}
}

func TestFirstStepMagnitude(t *testing.T) {
	// Adam and AdaGrad normalise the first step to lr * sign(g).
	adam, _ := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, [][]int{{2}})
	w := bind(t, adam, 1, 1)
	if err := adam.Step([][]float32{{0.5, -3}}); err != nil {
		t.Fatal(err)
	}
	if !approx(w[0][0], 0.9, 1e-5) || !approx(w[0][1], 1.1, 1e-5) {
		t.Errorf("adam weights = %v", w[0])
	}

	adagrad, _ := NewAdaGradOptimizer(DefaultAdaGradConfig(), [][]int{{1}})
	w = bind(t, adagrad, 1)
	if err := adagrad.Step([][]float32{{4}}); err != nil {
		t.Fatal(err)
	}
	if !approx(w[0][0], 0.99, 1e-6) {
		t.Errorf("adagrad weight = %v", w[0][0])
	}
}

func TestOptimizersDescend(t *testing.T) {
	// Minimise (w-3)^2 from w=0.
	for _, name := range []string{NameAdaBelief, NameAdam, NameNadam, NameSGD, NameRMSProp, NameAdaGrad, NameAdaDelta} {
		opt, err := New(name, 0.05, [][]int{{1}})
		if err != nil {
			t.Fatal(err)
		}
		w := bind(t, opt, 0)
		start := float32(9)
		for i := 0; i < 200; i++ {
			if err := opt.Step([][]float32{{2 * (w[0][0] - 3)}}); err != nil {
				t.Fatal(err)
			}
		}
		loss := (w[0][0] - 3) * (w[0][0] - 3)
		if !(loss < start) {
			t.Errorf("%s: loss %v did not decrease", name, loss)
		}
	}
}

func TestStepValidation(t *testing.T) {
	opt, _ := New(NameAdaBelief, 0, [][]int{{2}})
	if err := opt.Step([][]float32{{1, 2}}); err == nil {
		t.Error("expected error before SetWeights")
	}
	if err := opt.SetWeights([][]float32{{1}}); err == nil {
		t.Error("expected size error from SetWeights")
	}
	bind(t, opt, 1, 2)
	if err := opt.Step([][]float32{{1}}); err == nil {
		t.Error("expected gradient size error")
	}
	if err := opt.Step(nil); err == nil {
		t.Error("expected gradient count error")
	}
}

func TestFactory(t *testing.T) {
	opt, err := New("AdaBelief", 0, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	if opt.LearningRate() != 1e-4 {
		t.Errorf("default lr = %g", opt.LearningRate())
	}
	opt.UpdateLearningRate(0.5)
	if opt.LearningRate() != 0.5 {
		t.Errorf("updated lr = %g", opt.LearningRate())
	}
	if _, err := New("lbfgs", 0, [][]int{{1}}); err == nil {
		t.Error("expected unknown optimizer error")
	}
	if _, err := New(NameAdam, 0, nil); err == nil {
		t.Error("expected error for empty shapes")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	idx, err := extractBufferIndex("squared_grad_avg_12")
	if err != nil || idx != 12 {
		t.Errorf("got %d, %v", idx, err)
	}
	for _, bad := range []string{"momentum", "momentum_", "momentum_x"} {
		if _, err := extractBufferIndex(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
