package engine

import (
	"math"

	"github.com/dronepilot/pilotnet/layers"
	"github.com/dronepilot/pilotnet/tensor"
	"github.com/pkg/errors"
)

func (m *Model) newKernel(ls *layers.LayerSpec, params []*Parameter) (kernel, error) {
	switch ls.Type {
	case layers.Input:
		return nil, nil
	case layers.Dense:
		k := &denseKernel{kernel: params[0]}
		if len(params) > 1 {
			k.bias = params[1]
		}
		return k, nil
	case layers.Conv2D:
		k := &conv2DKernel{
			model:   m,
			kernel:  params[0],
			size:    ls.Int("kernel_size", 1),
			stride:  ls.Int("stride", 1),
			padding: ls.Int("padding", 0),
			outH:    ls.OutputShape[0],
			outW:    ls.OutputShape[1],
		}
		if len(params) > 1 {
			k.bias = params[1]
		}
		return k, nil
	case layers.ReLU:
		return &reluKernel{}, nil
	case layers.Sigmoid:
		return &sigmoidKernel{}, nil
	case layers.Dropout:
		return &dropoutKernel{model: m, rate: float32(ls.Float("rate", 0))}, nil
	case layers.Flatten, layers.Reshape:
		return &reshapeKernel{shape: ls.OutputShape}, nil
	case layers.Concat:
		axis := ls.Int("axis", -1)
		if axis < 0 {
			axis += len(ls.OutputShape)
		}
		return &concatKernel{axis: axis}, nil
	case layers.Add:
		return &addKernel{}, nil
	case layers.LayerNorm:
		return &layerNormKernel{gamma: params[0], beta: params[1], eps: float32(ls.Float("epsilon", 1e-6))}, nil
	case layers.MultiHeadAttention:
		return newAttentionKernel(ls, params), nil
	case layers.PositionEmbedding:
		return &positionKernel{table: params[0]}, nil
	case layers.TokenSelect:
		return &tokenSelectKernel{index: ls.Int("index", 0)}, nil
	case layers.GlobalAvgPool:
		return &globalAvgPoolKernel{}, nil
	default:
		return nil, errors.Errorf("unsupported layer type: %s", ls.Type)
	}
}

// denseKernel computes y = x·W + b over the last axis.
type denseKernel struct {
	kernel *Parameter
	bias   *Parameter
	x      *tensor.Tensor
}

func (k *denseKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := in[0]
	inSize, units := k.kernel.Value.Shape[0], k.kernel.Value.Shape[1]
	rows := x.NumElems / inSize

	outShape := append(x.Size()[:len(x.Shape)-1], units)
	y := tensor.Zeros(outShape...)
	if k.bias != nil {
		for r := 0; r < rows; r++ {
			copy(y.Data[r*units:(r+1)*units], k.bias.Value.Data)
		}
	}
	tensor.Gemm(false, false, rows, units, inSize, 1, x.Data, k.kernel.Value.Data, 1, y.Data)
	k.x = x
	return y, nil
}

func (k *denseKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	inSize, units := k.kernel.Value.Shape[0], k.kernel.Value.Shape[1]
	rows := dy.NumElems / units

	if k.kernel.Trainable {
		tensor.Gemm(true, false, inSize, units, rows, 1, k.x.Data, dy.Data, 1, k.kernel.Grad.Data)
	}
	if k.bias != nil && k.bias.Trainable {
		db := k.bias.Grad.Data
		for r := 0; r < rows; r++ {
			row := dy.Data[r*units : (r+1)*units]
			for j, v := range row {
				db[j] += v
			}
		}
	}

	if !need[0] {
		return []*tensor.Tensor{nil}, nil
	}
	dx := tensor.Zeros(k.x.Shape...)
	tensor.Gemm(false, true, rows, inSize, units, 1, dy.Data, k.kernel.Value.Data, 0, dx.Data)
	return []*tensor.Tensor{dx}, nil
}

type reluKernel struct {
	y *tensor.Tensor
}

func (k *reluKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y := in[0].Clone()
	for i, v := range y.Data {
		if v < 0 {
			y.Data[i] = 0
		}
	}
	k.y = y
	return y, nil
}

func (k *reluKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	dx := dy.Clone()
	for i, v := range k.y.Data {
		if v <= 0 {
			dx.Data[i] = 0
		}
	}
	return []*tensor.Tensor{dx}, nil
}

type sigmoidKernel struct {
	y *tensor.Tensor
}

func (k *sigmoidKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y := in[0].Clone()
	for i, v := range y.Data {
		y.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	k.y = y
	return y, nil
}

func (k *sigmoidKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	dx := dy.Clone()
	for i, s := range k.y.Data {
		dx.Data[i] *= s * (1 - s)
	}
	return []*tensor.Tensor{dx}, nil
}

// dropoutKernel uses inverted dropout: kept activations are scaled by
// 1/(1-rate) during training so inference is the identity.
type dropoutKernel struct {
	model *Model
	rate  float32
	mask  []float32
}

func (k *dropoutKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := in[0]
	if !training || k.rate == 0 {
		k.mask = nil
		return x, nil
	}
	scale := 1 / (1 - k.rate)
	y := x.Clone()
	k.mask = make([]float32, x.NumElems)
	for i := range y.Data {
		if k.model.rng.Float32() >= k.rate {
			k.mask[i] = scale
		}
		y.Data[i] *= k.mask[i]
	}
	return y, nil
}

func (k *dropoutKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	if k.mask == nil {
		return []*tensor.Tensor{dy}, nil
	}
	dx := dy.Clone()
	for i := range dx.Data {
		dx.Data[i] *= k.mask[i]
	}
	return []*tensor.Tensor{dx}, nil
}

// reshapeKernel serves both Flatten and Reshape.
type reshapeKernel struct {
	shape   []int
	inShape []int
}

func (k *reshapeKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	k.inShape = in[0].Size()
	return in[0].Reshape(append([]int{in[0].Shape[0]}, k.shape...))
}

func (k *reshapeKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	dx, err := dy.Reshape(k.inShape)
	return []*tensor.Tensor{dx}, err
}

// concatKernel joins inputs along a non-batch axis (axis counts from the
// first non-batch dimension).
type concatKernel struct {
	axis   int
	shapes [][]int
}

func (k *concatKernel) blocks(shape []int) (outer, width int) {
	outer = shape[0]
	for _, d := range shape[1 : k.axis+1] {
		outer *= d
	}
	width = 1
	for _, d := range shape[k.axis+1:] {
		width *= d
	}
	return outer, width
}

func (k *concatKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	k.shapes = k.shapes[:0]
	outShape := in[0].Size()
	for i, x := range in {
		k.shapes = append(k.shapes, x.Size())
		if i > 0 {
			outShape[k.axis+1] += x.Shape[k.axis+1]
		}
	}
	y := tensor.Zeros(outShape...)
	outer, outWidth := k.blocks(outShape)

	offset := 0
	for _, x := range in {
		_, w := k.blocks(x.Shape)
		for o := 0; o < outer; o++ {
			copy(y.Data[o*outWidth+offset:o*outWidth+offset+w], x.Data[o*w:(o+1)*w])
		}
		offset += w
	}
	return y, nil
}

func (k *concatKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	outer, outWidth := k.blocks(dy.Shape)
	grads := make([]*tensor.Tensor, len(k.shapes))
	offset := 0
	for i, shape := range k.shapes {
		_, w := k.blocks(shape)
		if need[i] {
			dx := tensor.Zeros(shape...)
			for o := 0; o < outer; o++ {
				copy(dx.Data[o*w:(o+1)*w], dy.Data[o*outWidth+offset:o*outWidth+offset+w])
			}
			grads[i] = dx
		}
		offset += w
	}
	return grads, nil
}

type addKernel struct {
	n int
}

func (k *addKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	k.n = len(in)
	y := in[0].Clone()
	for _, x := range in[1:] {
		for i, v := range x.Data {
			y.Data[i] += v
		}
	}
	return y, nil
}

func (k *addKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	grads := make([]*tensor.Tensor, k.n)
	for i := range grads {
		if need[i] {
			grads[i] = dy
		}
	}
	return grads, nil
}

// positionKernel adds row t of the embedding table to token t.
type positionKernel struct {
	table *Parameter
}

func (k *positionKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := in[0]
	tokens, width := x.Shape[1], x.Shape[2]
	y := x.Clone()
	for n := 0; n < x.Shape[0]; n++ {
		for t := 0; t < tokens; t++ {
			row := y.Data[(n*tokens+t)*width : (n*tokens+t+1)*width]
			emb := k.table.Value.Data[t*width : (t+1)*width]
			for j := range row {
				row[j] += emb[j]
			}
		}
	}
	return y, nil
}

func (k *positionKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	if k.table.Trainable {
		tokens, width := dy.Shape[1], dy.Shape[2]
		g := k.table.Grad.Data
		for n := 0; n < dy.Shape[0]; n++ {
			for t := 0; t < tokens; t++ {
				row := dy.Data[(n*tokens+t)*width : (n*tokens+t+1)*width]
				for j, v := range row {
					g[t*width+j] += v
				}
			}
		}
	}
	if !need[0] {
		return []*tensor.Tensor{nil}, nil
	}
	return []*tensor.Tensor{dy}, nil
}

type tokenSelectKernel struct {
	index   int
	inShape []int
}

func (k *tokenSelectKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := in[0]
	k.inShape = x.Size()
	batch, tokens, width := x.Shape[0], x.Shape[1], x.Shape[2]
	y := tensor.Zeros(batch, width)
	for n := 0; n < batch; n++ {
		src := (n*tokens + k.index) * width
		copy(y.Data[n*width:(n+1)*width], x.Data[src:src+width])
	}
	return y, nil
}

func (k *tokenSelectKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	dx := tensor.Zeros(k.inShape...)
	batch, tokens, width := k.inShape[0], k.inShape[1], k.inShape[2]
	for n := 0; n < batch; n++ {
		dst := (n*tokens + k.index) * width
		copy(dx.Data[dst:dst+width], dy.Data[n*width:(n+1)*width])
	}
	return []*tensor.Tensor{dx}, nil
}

type globalAvgPoolKernel struct {
	inShape []int
}

func (k *globalAvgPoolKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := in[0]
	k.inShape = x.Size()
	batch, spatial, channels := x.Shape[0], x.Shape[1]*x.Shape[2], x.Shape[3]
	y := tensor.Zeros(batch, channels)
	inv := 1 / float32(spatial)
	for n := 0; n < batch; n++ {
		out := y.Data[n*channels : (n+1)*channels]
		for s := 0; s < spatial; s++ {
			px := x.Data[(n*spatial+s)*channels : (n*spatial+s+1)*channels]
			for c, v := range px {
				out[c] += v
			}
		}
		for c := range out {
			out[c] *= inv
		}
	}
	return y, nil
}

func (k *globalAvgPoolKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	dx := tensor.Zeros(k.inShape...)
	batch, spatial, channels := k.inShape[0], k.inShape[1]*k.inShape[2], k.inShape[3]
	inv := 1 / float32(spatial)
	for n := 0; n < batch; n++ {
		g := dy.Data[n*channels : (n+1)*channels]
		for s := 0; s < spatial; s++ {
			px := dx.Data[(n*spatial+s)*channels : (n*spatial+s+1)*channels]
			for c, v := range g {
				px[c] = v * inv
			}
		}
	}
	return []*tensor.Tensor{dx}, nil
}
