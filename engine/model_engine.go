// Package engine executes compiled layer graphs on the CPU: parameter
// allocation, forward passes and reverse-mode gradients.
package engine

import (
	"math/rand"
	"runtime"

	"github.com/dronepilot/pilotnet/checkpoints"
	"github.com/dronepilot/pilotnet/layers"
	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
)

// Parameter is one learnable tensor of a layer together with its gradient.
type Parameter struct {
	Name      string // "<layer>/<kind>"
	Layer     string
	Kind      string // "kernel", "bias", "gamma", ...
	Scope     string
	Value     *tensor.Tensor
	Grad      *tensor.Tensor
	Trainable bool
}

// kernel is the execution half of a layer. forward caches whatever the
// matching backward needs; backward accumulates parameter gradients and
// returns one input gradient per input (nil where needInput is false).
type kernel interface {
	forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error)
	backward(gradOut *tensor.Tensor, needInput []bool) ([]*tensor.Tensor, error)
}

type node struct {
	spec     *layers.LayerSpec
	inputs   []int
	kernel   kernel
	params   []*Parameter
	out      *tensor.Tensor
	needGrad bool
}

// Model is an executable instance of a compiled ModelSpec.
type Model struct {
	spec    *layers.ModelSpec
	nodes   []*node
	index   map[string]int
	outputs []int
	params  []*Parameter
	rng     *rand.Rand
	workers int

	forwardDone bool
}

// NewModel allocates and initializes every parameter of spec from a
// source seeded with seed.
func NewModel(spec *layers.ModelSpec, seed int64) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model spec not compiled")
	}

	m := &Model{
		spec:    spec,
		index:   make(map[string]int, len(spec.Layers)),
		rng:     rand.New(rand.NewSource(seed)),
		workers: runtime.NumCPU(),
	}

	for i := range spec.Layers {
		ls := &spec.Layers[i]
		n := &node{spec: ls}
		for _, in := range ls.Inputs {
			j, ok := m.index[in]
			if !ok {
				return nil, errors.Errorf("layer %q: unknown input %q", ls.Name, in)
			}
			n.inputs = append(n.inputs, j)
		}

		params, err := m.initParameters(ls)
		if err != nil {
			return nil, errors.Wrapf(err, "initializing %q", ls.Name)
		}
		n.params = params
		m.params = append(m.params, params...)

		k, err := m.newKernel(ls, params)
		if err != nil {
			return nil, errors.Wrapf(err, "building kernel for %q", ls.Name)
		}
		n.kernel = k

		m.index[ls.Name] = len(m.nodes)
		m.nodes = append(m.nodes, n)
	}

	for _, out := range spec.Outputs {
		j, ok := m.index[out]
		if !ok {
			return nil, errors.Errorf("unknown output %q", out)
		}
		m.outputs = append(m.outputs, j)
	}

	m.refreshGradFlow()
	return m, nil
}

// Spec returns the model's architecture.
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// SetWorkers bounds the goroutines used by batch-parallel kernels. Zero or
// a negative n selects one worker per CPU.
func (m *Model) SetWorkers(n int) {
	if n < 1 {
		n = runtime.NumCPU()
	}
	m.workers = n
}

// Workers returns the goroutine bound of batch-parallel kernels.
func (m *Model) Workers() int {
	return m.workers
}

func (m *Model) initParameters(ls *layers.LayerSpec) ([]*Parameter, error) {
	var params []*Parameter
	for i, shape := range ls.ParameterShapes {
		kind := ls.ParameterNames[i]
		value, err := m.initValue(ls, kind, shape)
		if err != nil {
			return nil, err
		}
		params = append(params, &Parameter{
			Name:      ls.Name + "/" + kind,
			Layer:     ls.Name,
			Kind:      kind,
			Scope:     ls.Scope,
			Value:     value,
			Grad:      tensor.Zeros(shape...),
			Trainable: !ls.Frozen,
		})
	}
	return params, nil
}

// initValue follows the usual Keras defaults: Glorot-uniform kernels, zero
// biases, unit scale, small uniform embeddings.
func (m *Model) initValue(ls *layers.LayerSpec, kind string, shape []int) (*tensor.Tensor, error) {
	switch kind {
	case "bias", "beta", "query_bias", "key_bias", "value_bias", "output_bias":
		return tensor.New(shape, nil)
	case "gamma":
		return tensor.Full(shape, 1)
	case "embeddings":
		return tensor.RandomUniform(m.rng, shape, -0.05, 0.05)
	}

	fanIn, fanOut := shape[0], shape[len(shape)-1]
	if ls.Type == layers.Conv2D {
		receptive := shape[0] * shape[1]
		fanIn = receptive * shape[2]
		fanOut = receptive * shape[3]
	}
	return tensor.GlorotUniform(m.rng, shape, fanIn, fanOut)
}

// Forward runs the graph on one batch. inputs are ordered like
// Spec().Inputs and carry a leading batch dimension. One tensor is
// returned per declared output.
func (m *Model) Forward(inputs []*tensor.Tensor, training bool) ([]*tensor.Tensor, error) {
	if len(inputs) != len(m.spec.Inputs) {
		return nil, errors.Errorf("expected %d inputs, got %d", len(m.spec.Inputs), len(inputs))
	}

	batch := -1
	for i, name := range m.spec.Inputs {
		n := m.nodes[m.index[name]]
		in := inputs[i]
		if in == nil || len(in.Shape) != len(n.spec.OutputShape)+1 || !tensor.ShapesEqual(in.Shape[1:], n.spec.OutputShape) {
			var got []int
			if in != nil {
				got = in.Shape
			}
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "input %q: expected (N, %v), got %v", name, n.spec.OutputShape, got)
		}
		if batch >= 0 && in.Shape[0] != batch {
			return nil, errors.Wrapf(tensor.ErrShapeMismatch, "input %q has batch %d, expected %d", name, in.Shape[0], batch)
		}
		batch = in.Shape[0]
		n.out = in
	}

	for _, n := range m.nodes {
		if n.spec.Type == layers.Input {
			continue
		}
		ins := make([]*tensor.Tensor, len(n.inputs))
		for j, idx := range n.inputs {
			ins[j] = m.nodes[idx].out
		}
		out, err := n.kernel.forward(ins, training)
		if err != nil {
			return nil, errors.Wrapf(err, "forward %q", n.spec.Name)
		}
		n.out = out
	}
	m.forwardDone = true

	outs := make([]*tensor.Tensor, len(m.outputs))
	for i, idx := range m.outputs {
		outs[i] = m.nodes[idx].out
	}
	return outs, nil
}

// Backward propagates outputGrads (one per output, same shapes as the last
// Forward results) through the graph and accumulates into Parameter.Grad.
// Call ZeroGrad between batches.
func (m *Model) Backward(outputGrads []*tensor.Tensor) error {
	if !m.forwardDone {
		return errors.New("backward called before forward")
	}
	if len(outputGrads) != len(m.outputs) {
		return errors.Errorf("expected %d output gradients, got %d", len(m.outputs), len(outputGrads))
	}

	grads := make([]*tensor.Tensor, len(m.nodes))
	for i, idx := range m.outputs {
		g := outputGrads[i]
		if g == nil {
			continue
		}
		if !tensor.ShapesEqual(g.Shape, m.nodes[idx].out.Shape) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "gradient for %q: expected %v, got %v",
				m.nodes[idx].spec.Name, m.nodes[idx].out.Shape, g.Shape)
		}
		grads[idx] = accumulate(grads[idx], g)
	}

	for i := len(m.nodes) - 1; i >= 0; i-- {
		n := m.nodes[i]
		if grads[i] == nil || !n.needGrad || n.spec.Type == layers.Input {
			continue
		}
		need := make([]bool, len(n.inputs))
		for j, idx := range n.inputs {
			need[j] = m.nodes[idx].needGrad
		}
		inGrads, err := n.kernel.backward(grads[i], need)
		if err != nil {
			return errors.Wrapf(err, "backward %q", n.spec.Name)
		}
		for j, idx := range n.inputs {
			if need[j] && inGrads[j] != nil {
				grads[idx] = accumulate(grads[idx], inGrads[j])
			}
		}
	}
	return nil
}

// accumulate adds src into dst, allocating dst on first use.
func accumulate(dst, src *tensor.Tensor) *tensor.Tensor {
	if dst == nil {
		return src.Clone()
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return dst
}

// refreshGradFlow marks nodes whose output gradient is needed: those with
// trainable parameters or a trainable ancestor.
func (m *Model) refreshGradFlow() {
	for _, n := range m.nodes {
		n.needGrad = false
		for _, p := range n.params {
			if p.Trainable {
				n.needGrad = true
				break
			}
		}
		for _, idx := range n.inputs {
			if m.nodes[idx].needGrad {
				n.needGrad = true
			}
		}
	}
}

// Parameters returns every parameter in layer order.
func (m *Model) Parameters() []*Parameter {
	return m.params
}

// TrainableParameters returns the parameters the optimizer should update.
func (m *Model) TrainableParameters() []*Parameter {
	var out []*Parameter
	for _, p := range m.params {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// ZeroGrad clears every accumulated gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		p.Grad.Fill(0)
	}
}

// SetFrozen toggles training of every parameter in scope.
func (m *Model) SetFrozen(scope string, frozen bool) error {
	if err := m.spec.Freeze(scope, frozen); err != nil {
		return err
	}
	for _, p := range m.params {
		if p.Scope == scope {
			p.Trainable = !frozen
		}
	}
	m.refreshGradFlow()
	return nil
}

// Weights snapshots every parameter as checkpoint weight tensors.
func (m *Model) Weights() []checkpoints.WeightTensor {
	out := make([]checkpoints.WeightTensor, 0, len(m.params))
	for _, p := range m.params {
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		out = append(out, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: p.Value.Size(),
			Data:  data,
			Layer: p.Layer,
			Type:  p.Kind,
		})
	}
	return out
}

// LoadWeights copies ws into the matching parameters. Every parameter must
// be present with the same shape.
func (m *Model) LoadWeights(ws []checkpoints.WeightTensor) error {
	return m.loadWeights(ws, func(*Parameter) bool { return true })
}

// LoadScopedWeights loads only the parameters in scope; other entries of ws
// are ignored.
func (m *Model) LoadScopedWeights(scope string, ws []checkpoints.WeightTensor) error {
	return m.loadWeights(ws, func(p *Parameter) bool { return p.Scope == scope })
}

func (m *Model) loadWeights(ws []checkpoints.WeightTensor, want func(*Parameter) bool) error {
	byName := make(map[string]checkpoints.WeightTensor, len(ws))
	for _, w := range ws {
		byName[w.Name] = w
	}

	// Check everything first so a bad entry leaves the model untouched.
	var targets []*Parameter
	for _, p := range m.params {
		if !want(p) {
			continue
		}
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("missing weights for %q", p.Name)
		}
		if !tensor.ShapesEqual(w.Shape, p.Value.Shape) || len(w.Data) != p.Value.NumElems {
			return errors.Wrapf(tensor.ErrShapeMismatch, "weights for %q: expected %v, got %v", p.Name, p.Value.Shape, w.Shape)
		}
		targets = append(targets, p)
	}
	if len(targets) == 0 {
		return errors.New("no parameters matched")
	}
	for _, p := range targets {
		copy(p.Value.Data, byName[p.Name].Data)
	}
	return nil
}
