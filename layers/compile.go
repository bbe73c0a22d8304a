package layers

import (
	"github.com/pkg/errors"
)

// CompileLayers runs validation and shape inference over an existing layer
// list, e.g. one decoded from a saved architecture. layers are copied.
func CompileLayers(name string, layers []LayerSpec, outputs []string) (*ModelSpec, error) {
	cloned := make([]LayerSpec, len(layers))
	for i, l := range layers {
		cloned[i] = l.clone()
	}
	return compileGraph(name, cloned, outputs)
}

func compileGraph(name string, layers []LayerSpec, outputs []string) (*ModelSpec, error) {
	if len(layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("model %q declares no outputs", name)
	}

	model := &ModelSpec{
		Name:   name,
		Layers: layers,
	}

	index := make(map[string]int, len(layers))
	for i := range model.Layers {
		layer := &model.Layers[i]
		if _, dup := index[layer.Name]; dup {
			return nil, errors.Errorf("duplicate layer name %q", layer.Name)
		}

		if layer.Type == Input && len(layer.Inputs) > 0 {
			return nil, errors.Errorf("input layer %q cannot have inputs", layer.Name)
		}
		if layer.Type != Input && len(layer.Inputs) == 0 {
			return nil, errors.Errorf("layer %q has no inputs", layer.Name)
		}

		inputShapes := make([][]int, 0, len(layer.Inputs))
		for _, in := range layer.Inputs {
			j, ok := index[in]
			if !ok {
				return nil, errors.Errorf("layer %q references unknown input %q", layer.Name, in)
			}
			inputShapes = append(inputShapes, copyShape(model.Layers[j].OutputShape))
		}

		out, paramShapes, paramNames, err := computeLayerInfo(layer, inputShapes)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compute layer %d (%s) info", i, layer.Name)
		}

		layer.InputShapes = inputShapes
		layer.OutputShape = out
		layer.ParameterShapes = paramShapes
		layer.ParameterNames = paramNames
		layer.ParameterCount = 0
		for _, s := range paramShapes {
			layer.ParameterCount += int64(product(s))
		}

		if layer.Type == Input {
			model.Inputs = append(model.Inputs, layer.Name)
		}
		index[layer.Name] = i
	}

	if len(model.Inputs) == 0 {
		return nil, errors.Errorf("model %q declares no inputs", name)
	}
	for _, out := range outputs {
		if _, ok := index[out]; !ok {
			return nil, errors.Errorf("unknown output %q", out)
		}
	}
	model.Outputs = append([]string(nil), outputs...)
	model.countParameters()
	model.Compiled = true
	return model, nil
}

// computeLayerInfo returns the output shape and parameter shapes/names of
// a layer given its input shapes.
func computeLayerInfo(layer *LayerSpec, in [][]int) ([]int, [][]int, []string, error) {
	switch layer.Type {
	case Input:
		shape := layer.Ints("shape")
		if err := checkShape(shape); err != nil {
			return nil, nil, nil, err
		}
		return shape, nil, nil, nil

	case Dense:
		x := in[0]
		if len(x) < 1 {
			return nil, nil, nil, errors.New("dense layer requires at least 1D input")
		}
		units := layer.Int("units", 0)
		if units <= 0 {
			return nil, nil, nil, errors.Errorf("invalid units %d", units)
		}
		inputSize := x[len(x)-1]
		out := copyShape(x)
		out[len(out)-1] = units
		shapes := [][]int{{inputSize, units}}
		names := []string{"kernel"}
		if layer.Bool("use_bias", true) {
			shapes = append(shapes, []int{units})
			names = append(names, "bias")
		}
		return out, shapes, names, nil

	case Conv2D:
		x := in[0]
		if len(x) != 3 {
			return nil, nil, nil, errors.Errorf("Conv2D layer requires [height, width, channels] input, got %v", x)
		}
		filters := layer.Int("filters", 0)
		kernel := layer.Int("kernel_size", 0)
		stride := layer.Int("stride", 1)
		padding := layer.Int("padding", 0)
		if filters <= 0 || kernel <= 0 || stride <= 0 || padding < 0 {
			return nil, nil, nil, errors.Errorf("invalid conv config filters=%d kernel=%d stride=%d padding=%d", filters, kernel, stride, padding)
		}
		outH := (x[0]+2*padding-kernel)/stride + 1
		outW := (x[1]+2*padding-kernel)/stride + 1
		if x[0]+2*padding < kernel || x[1]+2*padding < kernel || outH <= 0 || outW <= 0 {
			return nil, nil, nil, errors.Errorf("kernel %d does not fit input %v", kernel, x)
		}
		shapes := [][]int{{kernel, kernel, x[2], filters}}
		names := []string{"kernel"}
		if layer.Bool("use_bias", true) {
			shapes = append(shapes, []int{filters})
			names = append(names, "bias")
		}
		return []int{outH, outW, filters}, shapes, names, nil

	case ReLU, Sigmoid:
		return copyShape(in[0]), nil, nil, nil

	case Dropout:
		rate := layer.Float("rate", 0)
		if rate < 0 || rate >= 1 {
			return nil, nil, nil, errors.Errorf("dropout rate %v outside [0, 1)", rate)
		}
		return copyShape(in[0]), nil, nil, nil

	case Flatten:
		return []int{product(in[0])}, nil, nil, nil

	case Reshape:
		target, err := resolveReshape(in[0], layer.Ints("target_shape"))
		if err != nil {
			return nil, nil, nil, err
		}
		return target, nil, nil, nil

	case Concat:
		return concatShape(in, layer.Int("axis", -1))

	case Add:
		if len(in) < 2 {
			return nil, nil, nil, errors.New("add requires at least two inputs")
		}
		for _, s := range in[1:] {
			if !shapesEqual(s, in[0]) {
				return nil, nil, nil, errors.Errorf("add inputs differ in shape: %v vs %v", in[0], s)
			}
		}
		return copyShape(in[0]), nil, nil, nil

	case LayerNorm:
		x := in[0]
		if len(x) < 1 {
			return nil, nil, nil, errors.New("layer norm requires at least 1D input")
		}
		d := x[len(x)-1]
		return copyShape(x), [][]int{{d}, {d}}, []string{"gamma", "beta"}, nil

	case MultiHeadAttention:
		x := in[0]
		if len(x) != 2 {
			return nil, nil, nil, errors.Errorf("attention requires [tokens, features] input, got %v", x)
		}
		heads := layer.Int("num_heads", 0)
		keyDim := layer.Int("key_dim", 0)
		if heads <= 0 || keyDim <= 0 {
			return nil, nil, nil, errors.Errorf("invalid attention config heads=%d key_dim=%d", heads, keyDim)
		}
		d, hk := x[1], heads*keyDim
		shapes := [][]int{
			{d, hk}, {hk},
			{d, hk}, {hk},
			{d, hk}, {hk},
			{hk, d}, {d},
		}
		names := []string{
			"query_kernel", "query_bias",
			"key_kernel", "key_bias",
			"value_kernel", "value_bias",
			"output_kernel", "output_bias",
		}
		return copyShape(x), shapes, names, nil

	case PositionEmbedding:
		x := in[0]
		if len(x) != 2 {
			return nil, nil, nil, errors.Errorf("position embedding requires [tokens, features] input, got %v", x)
		}
		maxPos := layer.Int("max_positions", 0)
		if x[0] > maxPos {
			return nil, nil, nil, errors.Errorf("%d tokens exceed max_positions %d", x[0], maxPos)
		}
		return copyShape(x), [][]int{{maxPos, x[1]}}, []string{"embeddings"}, nil

	case TokenSelect:
		x := in[0]
		if len(x) != 2 {
			return nil, nil, nil, errors.Errorf("token select requires [tokens, features] input, got %v", x)
		}
		idx := layer.Int("index", 0)
		if idx < 0 || idx >= x[0] {
			return nil, nil, nil, errors.Errorf("token index %d out of range [0, %d)", idx, x[0])
		}
		return []int{x[1]}, nil, nil, nil

	case GlobalAvgPool:
		x := in[0]
		if len(x) != 3 {
			return nil, nil, nil, errors.Errorf("global average pooling requires [height, width, channels] input, got %v", x)
		}
		return []int{x[2]}, nil, nil, nil

	default:
		return nil, nil, nil, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func concatShape(in [][]int, axis int) ([]int, [][]int, []string, error) {
	if len(in) < 2 {
		return nil, nil, nil, errors.New("concat requires at least two inputs")
	}
	rank := len(in[0])
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, nil, nil, errors.Errorf("concat axis out of range for rank %d", rank)
	}
	out := copyShape(in[0])
	for _, s := range in[1:] {
		if len(s) != rank {
			return nil, nil, nil, errors.Errorf("concat inputs differ in rank: %v vs %v", in[0], s)
		}
		for d := range s {
			if d != axis && s[d] != out[d] {
				return nil, nil, nil, errors.Errorf("concat inputs differ off-axis: %v vs %v", in[0], s)
			}
		}
		out[axis] += s[axis]
	}
	return out, nil, nil, nil
}

func resolveReshape(in, target []int) ([]int, error) {
	if len(target) == 0 {
		return nil, errors.New("reshape requires a target shape")
	}
	out := copyShape(target)
	known, infer := 1, -1
	for i, d := range out {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d <= 0:
			return nil, errors.Errorf("invalid reshape dimension %d", d)
		default:
			known *= d
		}
	}
	total := product(in)
	if infer >= 0 {
		if total%known != 0 {
			return nil, errors.Errorf("cannot reshape %v into %v", in, target)
		}
		out[infer] = total / known
		known = total
	}
	if known != total {
		return nil, errors.Errorf("cannot reshape %v (%d elements) into %v", in, total, target)
	}
	return out, nil
}

func checkShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("input shape has no dimensions")
	}
	for _, d := range shape {
		if d <= 0 {
			return errors.Errorf("input shape %v has non-positive dimension", shape)
		}
	}
	return nil
}

func copyShape(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func product(s []int) int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
