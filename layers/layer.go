package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Input LayerType = iota
	Dense
	Conv2D
	ReLU
	Sigmoid
	Dropout
	Flatten
	Reshape
	Concat
	Add
	LayerNorm
	MultiHeadAttention
	PositionEmbedding
	TokenSelect
	GlobalAvgPool
)

var layerTypeNames = map[LayerType]string{
	Input:              "Input",
	Dense:              "Dense",
	Conv2D:             "Conv2D",
	ReLU:               "ReLU",
	Sigmoid:            "Sigmoid",
	Dropout:            "Dropout",
	Flatten:            "Flatten",
	Reshape:            "Reshape",
	Concat:             "Concat",
	Add:                "Add",
	LayerNorm:          "LayerNorm",
	MultiHeadAttention: "MultiHeadAttention",
	PositionEmbedding:  "PositionEmbedding",
	TokenSelect:        "TokenSelect",
	GlobalAvgPool:      "GlobalAvgPool",
}

func (lt LayerType) String() string {
	if name, ok := layerTypeNames[lt]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText writes the layer type by name so saved architectures stay
// readable and independent of constant ordering.
func (lt LayerType) MarshalText() ([]byte, error) {
	name, ok := layerTypeNames[lt]
	if !ok {
		return nil, errors.Errorf("unknown layer type %d", int(lt))
	}
	return []byte(name), nil
}

func (lt *LayerType) UnmarshalText(text []byte) error {
	parsed, err := ParseLayerType(string(text))
	if err != nil {
		return err
	}
	*lt = parsed
	return nil
}

// ParseLayerType is the inverse of LayerType.String.
func ParseLayerType(name string) (LayerType, error) {
	for lt, n := range layerTypeNames {
		if n == name {
			return lt, nil
		}
	}
	return 0, errors.Errorf("unknown layer type %q", name)
}

// LayerSpec defines one node of the model graph.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Scope      string                 `json:"scope,omitempty"`
	Inputs     []string               `json:"inputs,omitempty"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation, batch excluded)
	InputShapes [][]int `json:"input_shapes,omitempty"`
	OutputShape []int   `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`

	Frozen bool `json:"frozen,omitempty"`
}

// ModelSpec defines a complete neural network model as a graph of layer
// configurations in topological order.
type ModelSpec struct {
	Name    string      `json:"name"`
	Layers  []LayerSpec `json:"layers"`
	Inputs  []string    `json:"inputs"`
	Outputs []string    `json:"outputs"`

	// Compiled model information
	TotalParameters     int64 `json:"total_parameters"`
	TrainableParameters int64 `json:"trainable_parameters"`
	Compiled            bool  `json:"compiled"`
}

// ModelBuilder helps construct neural network models. Every add method
// returns the name of the node it created so it can be fed to later layers.
// The first error is kept and reported by Compile.
type ModelBuilder struct {
	name    string
	layers  []LayerSpec
	index   map[string]int
	counts  map[LayerType]int
	scope   string
	outputs []string
	err     error
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(name string) *ModelBuilder {
	return &ModelBuilder{
		name:   name,
		layers: make([]LayerSpec, 0),
		index:  make(map[string]int),
		counts: make(map[LayerType]int),
	}
}

// SetScope tags every subsequently added layer with scope and prefixes its
// name with "scope/". An empty scope clears it.
func (mb *ModelBuilder) SetScope(scope string) *ModelBuilder {
	mb.scope = scope
	return mb
}

// Err returns the first error recorded while building.
func (mb *ModelBuilder) Err() error {
	return mb.err
}

// AddLayer adds a layer to the model and returns its final name.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) string {
	if mb.err != nil {
		return ""
	}

	mb.counts[layer.Type]++
	if layer.Name == "" {
		layer.Name = fmt.Sprintf("%s_%d", strings.ToLower(layer.Type.String()), mb.counts[layer.Type])
	}
	if mb.scope != "" {
		layer.Scope = mb.scope
		layer.Name = mb.scope + "/" + layer.Name
	}
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}

	if _, exists := mb.index[layer.Name]; exists {
		mb.err = errors.Errorf("duplicate layer name %q", layer.Name)
		return ""
	}
	for _, in := range layer.Inputs {
		if _, ok := mb.index[in]; !ok {
			mb.err = errors.Errorf("layer %q references unknown input %q", layer.Name, in)
			return ""
		}
	}

	mb.index[layer.Name] = len(mb.layers)
	mb.layers = append(mb.layers, layer)
	return layer.Name
}

// Input declares a model input. shape excludes the batch dimension.
func (mb *ModelBuilder) Input(name string, shape ...int) string {
	s := make([]int, len(shape))
	copy(s, shape)
	return mb.AddLayer(LayerSpec{
		Type:       Input,
		Name:       name,
		Parameters: map[string]interface{}{"shape": s},
	})
}

// Dense adds a fully connected layer acting on the last axis.
func (mb *ModelBuilder) Dense(input string, units int, name string) string {
	return mb.AddLayer(LayerSpec{
		Type:   Dense,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"units":    units,
			"use_bias": true,
		},
	})
}

// Conv2D adds an NHWC convolution with square kernels.
func (mb *ModelBuilder) Conv2D(input string, filters, kernelSize, stride, padding int, name string) string {
	return mb.AddLayer(LayerSpec{
		Type:   Conv2D,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"filters":     filters,
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
			"use_bias":    true,
		},
	})
}

// ReLU adds a ReLU activation
func (mb *ModelBuilder) ReLU(input, name string) string {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Inputs: []string{input}})
}

// Sigmoid adds a logistic activation
func (mb *ModelBuilder) Sigmoid(input, name string) string {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name, Inputs: []string{input}})
}

// Dropout adds a Dropout layer
// rate: dropout probability in [0, 1)
func (mb *ModelBuilder) Dropout(input string, rate float64, name string) string {
	return mb.AddLayer(LayerSpec{
		Type:       Dropout,
		Name:       name,
		Inputs:     []string{input},
		Parameters: map[string]interface{}{"rate": rate},
	})
}

// Flatten collapses every non-batch dimension into one.
func (mb *ModelBuilder) Flatten(input, name string) string {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Inputs: []string{input}})
}

// Reshape changes the non-batch shape. One dimension may be -1.
func (mb *ModelBuilder) Reshape(input string, shape []int, name string) string {
	s := make([]int, len(shape))
	copy(s, shape)
	return mb.AddLayer(LayerSpec{
		Type:       Reshape,
		Name:       name,
		Inputs:     []string{input},
		Parameters: map[string]interface{}{"target_shape": s},
	})
}

// Concat joins inputs along axis, counted over non-batch dimensions
// (-1 is the last axis).
func (mb *ModelBuilder) Concat(inputs []string, axis int, name string) string {
	return mb.AddLayer(LayerSpec{
		Type:       Concat,
		Name:       name,
		Inputs:     append([]string(nil), inputs...),
		Parameters: map[string]interface{}{"axis": axis},
	})
}

// Add sums inputs of identical shape.
func (mb *ModelBuilder) Add(inputs []string, name string) string {
	return mb.AddLayer(LayerSpec{Type: Add, Name: name, Inputs: append([]string(nil), inputs...)})
}

// LayerNorm normalizes over the last axis with learnable gamma and beta.
func (mb *ModelBuilder) LayerNorm(input string, epsilon float64, name string) string {
	return mb.AddLayer(LayerSpec{
		Type:       LayerNorm,
		Name:       name,
		Inputs:     []string{input},
		Parameters: map[string]interface{}{"epsilon": epsilon},
	})
}

// MultiHeadAttention adds self-attention over a [tokens, features] sequence.
func (mb *ModelBuilder) MultiHeadAttention(input string, numHeads, keyDim int, name string) string {
	return mb.AddLayer(LayerSpec{
		Type:   MultiHeadAttention,
		Name:   name,
		Inputs: []string{input},
		Parameters: map[string]interface{}{
			"num_heads": numHeads,
			"key_dim":   keyDim,
		},
	})
}

// PositionEmbedding adds a learned per-position vector to every token.
func (mb *ModelBuilder) PositionEmbedding(input string, maxPositions int, name string) string {
	return mb.AddLayer(LayerSpec{
		Type:       PositionEmbedding,
		Name:       name,
		Inputs:     []string{input},
		Parameters: map[string]interface{}{"max_positions": maxPositions},
	})
}

// TokenSelect picks one token out of a [tokens, features] sequence.
func (mb *ModelBuilder) TokenSelect(input string, index int, name string) string {
	return mb.AddLayer(LayerSpec{
		Type:       TokenSelect,
		Name:       name,
		Inputs:     []string{input},
		Parameters: map[string]interface{}{"index": index},
	})
}

// GlobalAvgPool averages an [H, W, C] feature map down to [C].
func (mb *ModelBuilder) GlobalAvgPool(input, name string) string {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool, Name: name, Inputs: []string{input}})
}

// Output declares model outputs in order.
func (mb *ModelBuilder) Output(names ...string) *ModelBuilder {
	mb.outputs = append(mb.outputs, names...)
	return mb
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if mb.err != nil {
		return nil, mb.err
	}
	layers := make([]LayerSpec, len(mb.layers))
	for i, l := range mb.layers {
		layers[i] = l.clone()
	}
	return compileGraph(mb.name, layers, mb.outputs)
}

// Layer returns the named layer, or nil.
func (ms *ModelSpec) Layer(name string) *LayerSpec {
	for i := range ms.Layers {
		if ms.Layers[i].Name == name {
			return &ms.Layers[i]
		}
	}
	return nil
}

// InputShapes returns the declared input shapes, in input order.
func (ms *ModelSpec) InputShapes() [][]int {
	shapes := make([][]int, 0, len(ms.Inputs))
	for _, name := range ms.Inputs {
		if l := ms.Layer(name); l != nil {
			shapes = append(shapes, l.OutputShape)
		}
	}
	return shapes
}

// Scopes lists distinct non-empty layer scopes in first-seen order.
func (ms *ModelSpec) Scopes() []string {
	seen := map[string]bool{}
	var scopes []string
	for _, l := range ms.Layers {
		if l.Scope != "" && !seen[l.Scope] {
			seen[l.Scope] = true
			scopes = append(scopes, l.Scope)
		}
	}
	return scopes
}

// Freeze marks every layer in scope as (non-)trainable and updates the
// trainable parameter count.
func (ms *ModelSpec) Freeze(scope string, frozen bool) error {
	found := false
	for i := range ms.Layers {
		if ms.Layers[i].Scope == scope {
			ms.Layers[i].Frozen = frozen
			found = true
		}
	}
	if !found {
		return errors.Errorf("no layers in scope %q", scope)
	}
	ms.countParameters()
	return nil
}

// SubModel extracts the layers of scope as a standalone model. References
// to layers outside the scope become inputs of the same shape, and scope
// layers consumed outside it (or by nothing) become outputs.
func (ms *ModelSpec) SubModel(scope string) (*ModelSpec, error) {
	if !ms.Compiled {
		return nil, errors.New("model not compiled")
	}

	inScope := map[string]bool{}
	for _, l := range ms.Layers {
		if l.Scope == scope {
			inScope[l.Name] = true
		}
	}
	if len(inScope) == 0 {
		return nil, errors.Errorf("no layers in scope %q", scope)
	}

	var layers []LayerSpec
	added := map[string]bool{}
	for _, l := range ms.Layers {
		if !inScope[l.Name] {
			continue
		}
		for _, in := range l.Inputs {
			if inScope[in] || added[in] {
				continue
			}
			src := ms.Layer(in)
			layers = append(layers, LayerSpec{
				Type:       Input,
				Name:       in,
				Parameters: map[string]interface{}{"shape": append([]int(nil), src.OutputShape...)},
			})
			added[in] = true
		}
		layers = append(layers, l.clone())
	}

	consumedInside := map[string]bool{}
	consumedOutside := map[string]bool{}
	for _, l := range ms.Layers {
		for _, in := range l.Inputs {
			if inScope[l.Name] {
				consumedInside[in] = true
			} else {
				consumedOutside[in] = true
			}
		}
	}
	var outputs []string
	for _, l := range ms.Layers {
		if inScope[l.Name] && (consumedOutside[l.Name] || !consumedInside[l.Name]) {
			outputs = append(outputs, l.Name)
		}
	}

	return compileGraph(ms.Name+"_"+scope, layers, outputs)
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Model: %q\n", ms.Name))
	sb.WriteString(strings.Repeat("─", 96) + "\n")
	sb.WriteString(fmt.Sprintf("%-34s %-20s %-16s %10s  %s\n", "Layer (type)", "Output Shape", "", "Param #", "Connected to"))
	sb.WriteString(strings.Repeat("═", 96) + "\n")
	for _, l := range ms.Layers {
		shape := fmt.Sprintf("(None, %s)", joinInts(l.OutputShape))
		marker := ""
		if l.Frozen && l.ParameterCount > 0 {
			marker = "frozen"
		}
		sb.WriteString(fmt.Sprintf("%-34s %-20s %-16s %10d  %s\n",
			fmt.Sprintf("%s (%s)", l.Name, l.Type), shape, marker, l.ParameterCount, strings.Join(l.Inputs, ", ")))
	}
	sb.WriteString(strings.Repeat("═", 96) + "\n")
	sb.WriteString(fmt.Sprintf("Total params: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Trainable params: %d\n", ms.TrainableParameters))
	sb.WriteString(fmt.Sprintf("Non-trainable params: %d\n", ms.TotalParameters-ms.TrainableParameters))
	return sb.String()
}

func (ms *ModelSpec) countParameters() {
	ms.TotalParameters = 0
	ms.TrainableParameters = 0
	for _, l := range ms.Layers {
		ms.TotalParameters += l.ParameterCount
		if !l.Frozen {
			ms.TrainableParameters += l.ParameterCount
		}
	}
}

func (l LayerSpec) clone() LayerSpec {
	out := l
	out.Inputs = append([]string(nil), l.Inputs...)
	out.Parameters = make(map[string]interface{}, len(l.Parameters))
	for k, v := range l.Parameters {
		out.Parameters[k] = v
	}
	out.InputShapes = nil
	out.OutputShape = nil
	out.ParameterShapes = nil
	out.ParameterNames = nil
	out.ParameterCount = 0
	return out
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}
