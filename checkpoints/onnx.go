package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"

	"github.com/dronepilot/pilotnet/layers"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

const (
	onnxIRVersion = 8
	onnxOpset     = 17

	metadataArchitecture  = "pilotnet.architecture"
	metadataTrainingState = "pilotnet.training_state"
	metadataCheckpoint    = "pilotnet.metadata"
)

// ONNXExporter handles conversion of pilotnet models to ONNX format.
// Tensors are NHWC throughout; convolutions are wrapped in transposes
// because ONNX Conv is NCHW.
type ONNXExporter struct {
	// HalfPrecision stores parameter initializers as FLOAT16.
	HalfPrecision bool

	graph     *GraphProto
	weightMap map[string]WeightTensor
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX converts a checkpoint to ONNX format and writes it to path
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	model, err := oe.BuildModel(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, model.Marshal(), 0o644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

// BuildModel converts a checkpoint to an in-memory ONNX model.
func (oe *ONNXExporter) BuildModel(checkpoint *Checkpoint) (*ModelProto, error) {
	if checkpoint.ModelSpec == nil || !checkpoint.ModelSpec.Compiled {
		return nil, errors.New("checkpoint model spec is not compiled")
	}

	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build ONNX graph")
	}

	arch, err := json.Marshal(checkpoint.ModelSpec)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode architecture")
	}
	state, err := json.Marshal(checkpoint.TrainingState)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode training state")
	}
	meta, err := json.Marshal(checkpoint.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode metadata")
	}

	return &ModelProto{
		IrVersion:       onnxIRVersion,
		ProducerName:    frameworkName,
		ProducerVersion: frameworkVersion,
		ModelVersion:    1,
		Graph:           graph,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: onnxOpset}},
		MetadataProps: []*StringStringEntryProto{
			{Key: metadataArchitecture, Value: string(arch)},
			{Key: metadataTrainingState, Value: string(state)},
			{Key: metadataCheckpoint, Value: string(meta)},
		},
	}, nil
}

// buildONNXGraph creates the ONNX computation graph. Every layer's final
// output tensor is named after the layer.
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	spec := checkpoint.ModelSpec
	oe.graph = &GraphProto{Name: spec.Name}
	oe.weightMap = make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		oe.weightMap[w.Name] = w
	}

	for _, layer := range spec.Layers {
		var err error
		switch layer.Type {
		case layers.Input:
			oe.graph.Input = append(oe.graph.Input, valueInfo(layer.Name, layer.OutputShape))
		case layers.Dense:
			err = oe.createDenseNodes(layer, layer.Inputs[0], layer.Name)
		case layers.Conv2D:
			err = oe.createConv2DNodes(layer)
		case layers.ReLU:
			oe.node("Relu", layer.Name, layer.Inputs, layer.Name)
		case layers.Sigmoid:
			oe.node("Sigmoid", layer.Name, layer.Inputs, layer.Name)
		case layers.Dropout:
			oe.node("Dropout", layer.Name, layer.Inputs, layer.Name)
		case layers.Flatten:
			oe.node("Flatten", layer.Name, layer.Inputs, layer.Name, intAttr("axis", 1))
		case layers.Reshape:
			oe.reshape(layer.Name, layer.Inputs[0], layer.Name, layer.OutputShape)
		case layers.Concat:
			axis := layer.Int("axis", -1)
			if axis < 0 {
				axis += len(layer.OutputShape)
			}
			oe.node("Concat", layer.Name, layer.Inputs, layer.Name, intAttr("axis", int64(axis+1)))
		case layers.Add:
			oe.node("Sum", layer.Name, layer.Inputs, layer.Name)
		case layers.LayerNorm:
			err = oe.createLayerNormNode(layer)
		case layers.MultiHeadAttention:
			err = oe.createAttentionNodes(layer)
		case layers.PositionEmbedding:
			err = oe.createPositionNodes(layer)
		case layers.TokenSelect:
			idx := oe.int64Initializer(layer.Name+"/index", nil, []int64{int64(layer.Int("index", 0))})
			oe.node("Gather", layer.Name, []string{layer.Inputs[0], idx}, layer.Name, intAttr("axis", 1))
		case layers.GlobalAvgPool:
			oe.node("ReduceMean", layer.Name, layer.Inputs, layer.Name,
				intsAttr("axes", 1, 2), intAttr("keepdims", 0))
		default:
			err = errors.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create ONNX node for layer %s", layer.Name)
		}
	}

	for _, out := range spec.Outputs {
		oe.graph.Output = append(oe.graph.Output, valueInfo(out, spec.Layer(out).OutputShape))
	}
	return oe.graph, nil
}

func (oe *ONNXExporter) node(op, name string, inputs []string, output string, attrs ...*AttributeProto) {
	oe.graph.Node = append(oe.graph.Node, &NodeProto{
		OpType:    op,
		Name:      name,
		Input:     append([]string(nil), inputs...),
		Output:    []string{output},
		Attribute: attrs,
	})
}

func (oe *ONNXExporter) weight(layer layers.LayerSpec, kind string) (WeightTensor, error) {
	name := layer.Name + "/" + kind
	w, ok := oe.weightMap[name]
	if !ok {
		return WeightTensor{}, errors.Errorf("missing weight %q", name)
	}
	return w, nil
}

// paramInitializer adds a layer parameter as an initializer, honoring
// HalfPrecision, and returns its name.
func (oe *ONNXExporter) paramInitializer(name string, shape []int, data []float32) string {
	t := &TensorProto{Name: name, Dims: int64s(shape)}
	if oe.HalfPrecision {
		t.DataType = TensorProto_DataType_FLOAT16
		t.RawData = make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(t.RawData[2*i:], float16.Fromfloat32(v).Bits())
		}
	} else {
		t.DataType = TensorProto_DataType_FLOAT
		t.FloatData = append([]float32(nil), data...)
	}
	oe.graph.Initializer = append(oe.graph.Initializer, t)
	return name
}

func (oe *ONNXExporter) floatConstant(name string, value float32) string {
	oe.graph.Initializer = append(oe.graph.Initializer, &TensorProto{
		Name:      name,
		DataType:  TensorProto_DataType_FLOAT,
		FloatData: []float32{value},
	})
	return name
}

func (oe *ONNXExporter) int64Initializer(name string, dims []int64, values []int64) string {
	oe.graph.Initializer = append(oe.graph.Initializer, &TensorProto{
		Name:      name,
		Dims:      dims,
		DataType:  TensorProto_DataType_INT64,
		Int64Data: values,
	})
	return name
}

// reshape keeps the batch dimension (0 copies it) and sets the rest.
func (oe *ONNXExporter) reshape(name, input, output string, shape []int) {
	target := append([]int64{0}, int64s(shape)...)
	s := oe.int64Initializer(name+"/shape", []int64{int64(len(target))}, target)
	oe.node("Reshape", name, []string{input, s}, output)
}

func (oe *ONNXExporter) transpose(name, input, output string, perm ...int64) {
	oe.node("Transpose", name, []string{input}, output, intsAttr("perm", perm...))
}

// createDenseNodes emits MatMul (+ Add for the bias). The kernel keeps its
// [in, out] layout, which is what ONNX MatMul expects.
func (oe *ONNXExporter) createDenseNodes(layer layers.LayerSpec, input, output string) error {
	kernel, err := oe.weight(layer, "kernel")
	if err != nil {
		return err
	}
	w := oe.paramInitializer(kernel.Name, kernel.Shape, kernel.Data)

	if !layer.Bool("use_bias", true) {
		oe.node("MatMul", layer.Name+"/matmul", []string{input, w}, output)
		return nil
	}
	bias, err := oe.weight(layer, "bias")
	if err != nil {
		return err
	}
	b := oe.paramInitializer(bias.Name, bias.Shape, bias.Data)
	oe.node("MatMul", layer.Name+"/matmul", []string{input, w}, layer.Name+"/matmul")
	oe.node("Add", layer.Name+"/bias_add", []string{layer.Name + "/matmul", b}, output)
	return nil
}

func (oe *ONNXExporter) createConv2DNodes(layer layers.LayerSpec) error {
	kernel, err := oe.weight(layer, "kernel")
	if err != nil {
		return err
	}
	size := int64(layer.Int("kernel_size", 1))
	stride := int64(layer.Int("stride", 1))
	pad := int64(layer.Int("padding", 0))

	oihw, oihwShape := hwioToOIHW(kernel.Data, kernel.Shape)
	inputs := []string{layer.Name + "/nchw", oe.paramInitializer(kernel.Name, oihwShape, oihw)}
	if layer.Bool("use_bias", true) {
		bias, err := oe.weight(layer, "bias")
		if err != nil {
			return err
		}
		inputs = append(inputs, oe.paramInitializer(bias.Name, bias.Shape, bias.Data))
	}

	oe.transpose(layer.Name+"/to_nchw", layer.Inputs[0], layer.Name+"/nchw", 0, 3, 1, 2)
	oe.node("Conv", layer.Name+"/conv", inputs, layer.Name+"/conv",
		intsAttr("kernel_shape", size, size),
		intsAttr("strides", stride, stride),
		intsAttr("pads", pad, pad, pad, pad))
	oe.transpose(layer.Name+"/to_nhwc", layer.Name+"/conv", layer.Name, 0, 2, 3, 1)
	return nil
}

func (oe *ONNXExporter) createLayerNormNode(layer layers.LayerSpec) error {
	gamma, err := oe.weight(layer, "gamma")
	if err != nil {
		return err
	}
	beta, err := oe.weight(layer, "beta")
	if err != nil {
		return err
	}
	oe.node("LayerNormalization", layer.Name, []string{
		layer.Inputs[0],
		oe.paramInitializer(gamma.Name, gamma.Shape, gamma.Data),
		oe.paramInitializer(beta.Name, beta.Shape, beta.Data),
	}, layer.Name,
		intAttr("axis", -1),
		floatAttr("epsilon", float32(layer.Float("epsilon", 1e-6))))
	return nil
}

// createAttentionNodes decomposes self-attention into projections,
// per-head reshapes, scaled scores, softmax and the output projection.
func (oe *ONNXExporter) createAttentionNodes(layer layers.LayerSpec) error {
	x := layer.Inputs[0]
	tokens := int64(layer.OutputShape[0])
	heads := int64(layer.Int("num_heads", 1))
	keyDim := int64(layer.Int("key_dim", 1))
	n := layer.Name

	proj := func(kind string) (string, error) {
		w, err := oe.weight(layer, kind+"_kernel")
		if err != nil {
			return "", err
		}
		b, err := oe.weight(layer, kind+"_bias")
		if err != nil {
			return "", err
		}
		wn := oe.paramInitializer(w.Name, w.Shape, w.Data)
		bn := oe.paramInitializer(b.Name, b.Shape, b.Data)
		oe.node("MatMul", n+"/"+kind+"_matmul", []string{x, wn}, n+"/"+kind+"_matmul")
		oe.node("Add", n+"/"+kind+"_add", []string{n + "/" + kind + "_matmul", bn}, n+"/"+kind)
		oe.reshape(n+"/"+kind+"_split", n+"/"+kind, n+"/"+kind+"_heads", []int{int(tokens), int(heads), int(keyDim)})
		return n + "/" + kind + "_heads", nil
	}

	q, err := proj("query")
	if err != nil {
		return err
	}
	k, err := proj("key")
	if err != nil {
		return err
	}
	v, err := proj("value")
	if err != nil {
		return err
	}

	oe.transpose(n+"/query_t", q, n+"/query_t", 0, 2, 1, 3)
	oe.transpose(n+"/key_t", k, n+"/key_t", 0, 2, 3, 1)
	oe.transpose(n+"/value_t", v, n+"/value_t", 0, 2, 1, 3)

	scale := oe.floatConstant(n+"/scale", float32(1/math.Sqrt(float64(keyDim))))
	oe.node("MatMul", n+"/scores", []string{n + "/query_t", n + "/key_t"}, n+"/scores")
	oe.node("Mul", n+"/scaled", []string{n + "/scores", scale}, n+"/scaled")
	oe.node("Softmax", n+"/probs", []string{n + "/scaled"}, n+"/probs", intAttr("axis", -1))
	oe.node("MatMul", n+"/context", []string{n + "/probs", n + "/value_t"}, n+"/context")
	oe.transpose(n+"/context_t", n+"/context", n+"/context_t", 0, 2, 1, 3)
	oe.reshape(n+"/merge", n+"/context_t", n+"/merged", []int{int(tokens), int(heads * keyDim)})

	wo, err := oe.weight(layer, "output_kernel")
	if err != nil {
		return err
	}
	bo, err := oe.weight(layer, "output_bias")
	if err != nil {
		return err
	}
	won := oe.paramInitializer(wo.Name, wo.Shape, wo.Data)
	bon := oe.paramInitializer(bo.Name, bo.Shape, bo.Data)
	oe.node("MatMul", n+"/output_matmul", []string{n + "/merged", won}, n+"/output_matmul")
	oe.node("Add", n+"/output_add", []string{n + "/output_matmul", bon}, n)
	return nil
}

func (oe *ONNXExporter) createPositionNodes(layer layers.LayerSpec) error {
	table, err := oe.weight(layer, "embeddings")
	if err != nil {
		return err
	}
	tn := oe.paramInitializer(table.Name, table.Shape, table.Data)
	starts := oe.int64Initializer(layer.Name+"/starts", []int64{1}, []int64{0})
	ends := oe.int64Initializer(layer.Name+"/ends", []int64{1}, []int64{int64(layer.OutputShape[0])})
	axes := oe.int64Initializer(layer.Name+"/axes", []int64{1}, []int64{0})
	oe.node("Slice", layer.Name+"/slice", []string{tn, starts, ends, axes}, layer.Name+"/positions")
	oe.node("Add", layer.Name, []string{layer.Inputs[0], layer.Name + "/positions"}, layer.Name)
	return nil
}

func valueInfo(name string, shape []int) *ValueInfoProto {
	dims := []Dimension{{Param: "N"}}
	for _, d := range shape {
		dims = append(dims, Dimension{Value: int64(d)})
	}
	return &ValueInfoProto{Name: name, ElemType: TensorProto_DataType_FLOAT, Shape: dims}
}

func intAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_INT, I: v}
}

func intsAttr(name string, v ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_INTS, Ints: v}
}

func floatAttr(name string, v float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_FLOAT, F: v}
}

func int64s(v []int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

// hwioToOIHW reorders a [kh, kw, in, out] kernel to [out, in, kh, kw].
func hwioToOIHW(data []float32, shape []int) ([]float32, []int) {
	kh, kw, ci, co := shape[0], shape[1], shape[2], shape[3]
	out := make([]float32, len(data))
	for y := 0; y < kh; y++ {
		for x := 0; x < kw; x++ {
			for i := 0; i < ci; i++ {
				for o := 0; o < co; o++ {
					out[((o*ci+i)*kh+y)*kw+x] = data[((y*kw+x)*ci+i)*co+o]
				}
			}
		}
	}
	return out, []int{co, ci, kh, kw}
}

// oihwToHWIO is the inverse of hwioToOIHW.
func oihwToHWIO(data []float32, shape []int) ([]float32, []int) {
	co, ci, kh, kw := shape[0], shape[1], shape[2], shape[3]
	out := make([]float32, len(data))
	for o := 0; o < co; o++ {
		for i := 0; i < ci; i++ {
			for y := 0; y < kh; y++ {
				for x := 0; x < kw; x++ {
					out[((y*kw+x)*ci+i)*co+o] = data[((o*ci+i)*kh+y)*kw+x]
				}
			}
		}
	}
	return out, []int{kh, kw, ci, co}
}

// ONNXImporter reads models written by ONNXExporter back into checkpoints.
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX converts an ONNX model file to a checkpoint
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}

	var model ModelProto
	if err := model.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal ONNX model")
	}
	return oi.ConvertModel(&model)
}

// ConvertModel rebuilds the architecture from the embedded metadata and the
// weights from the graph initializers.
func (oi *ONNXImporter) ConvertModel(model *ModelProto) (*Checkpoint, error) {
	props := make(map[string]string, len(model.MetadataProps))
	for _, kv := range model.MetadataProps {
		props[kv.Key] = kv.Value
	}

	arch, ok := props[metadataArchitecture]
	if !ok {
		return nil, errors.Errorf("model from producer %q carries no %s metadata", model.ProducerName, metadataArchitecture)
	}
	var decoded layers.ModelSpec
	if err := json.Unmarshal([]byte(arch), &decoded); err != nil {
		return nil, errors.Wrap(err, "failed to decode architecture")
	}
	spec, err := layers.CompileLayers(decoded.Name, decoded.Layers, decoded.Outputs)
	if err != nil {
		return nil, errors.Wrap(err, "invalid architecture")
	}

	checkpoint := &Checkpoint{ModelSpec: spec}
	if s, ok := props[metadataTrainingState]; ok {
		if err := json.Unmarshal([]byte(s), &checkpoint.TrainingState); err != nil {
			return nil, errors.Wrap(err, "failed to decode training state")
		}
	}
	if s, ok := props[metadataCheckpoint]; ok {
		if err := json.Unmarshal([]byte(s), &checkpoint.Metadata); err != nil {
			return nil, errors.Wrap(err, "failed to decode metadata")
		}
	}

	if model.Graph == nil {
		return nil, errors.New("model has no graph")
	}
	inits := make(map[string]*TensorProto, len(model.Graph.Initializer))
	for _, t := range model.Graph.Initializer {
		inits[t.Name] = t
	}

	for _, layer := range spec.Layers {
		for i, kind := range layer.ParameterNames {
			name := layer.Name + "/" + kind
			t, ok := inits[name]
			if !ok {
				return nil, errors.Errorf("missing initializer %q", name)
			}
			data, err := tensorFloats(t)
			if err != nil {
				return nil, errors.Wrapf(err, "initializer %q", name)
			}
			shape := make([]int, len(t.Dims))
			for j, d := range t.Dims {
				shape[j] = int(d)
			}
			if layer.Type == layers.Conv2D && kind == "kernel" {
				data, shape = oihwToHWIO(data, shape)
			}
			if !sameShape(shape, layer.ParameterShapes[i]) {
				return nil, errors.Errorf("initializer %q has shape %v, expected %v", name, shape, layer.ParameterShapes[i])
			}
			checkpoint.Weights = append(checkpoint.Weights, WeightTensor{
				Name:  name,
				Shape: shape,
				Data:  data,
				Layer: layer.Name,
				Type:  kind,
			})
		}
	}
	return checkpoint, nil
}

func sameShape(a, b []int) bool {
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

func tensorFloats(t *TensorProto) ([]float32, error) {
	switch t.DataType {
	case TensorProto_DataType_FLOAT:
		if len(t.FloatData) > 0 {
			return t.FloatData, nil
		}
		if len(t.RawData)%4 != 0 {
			return nil, errors.New("raw float data is not a multiple of 4 bytes")
		}
		out := make([]float32, len(t.RawData)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
		}
		return out, nil
	case TensorProto_DataType_FLOAT16:
		if len(t.RawData)%2 != 0 {
			return nil, errors.New("raw float16 data is not a multiple of 2 bytes")
		}
		out := make([]float32, len(t.RawData)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.RawData[2*i:])).Float32()
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported initializer data type %d", t.DataType)
	}
}
