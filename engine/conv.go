package engine

import (
	"sync"

	"github.com/dronepilot/pilotnet/tensor"
)

// conv2DKernel lowers each NHWC sample to an im2col matrix of
// [outH*outW, size*size*inC] and multiplies it by the HWIO kernel viewed as
// [size*size*inC, filters]. Samples run in parallel.
type conv2DKernel struct {
	model   *Model
	kernel  *Parameter
	bias    *Parameter
	size    int
	stride  int
	padding int
	outH    int
	outW    int

	x *tensor.Tensor
}

func (k *conv2DKernel) im2col(x []float32, h, w, c int, cols []float32) {
	patch := k.size * k.size * c
	for oy := 0; oy < k.outH; oy++ {
		for ox := 0; ox < k.outW; ox++ {
			row := cols[(oy*k.outW+ox)*patch : (oy*k.outW+ox+1)*patch]
			for ky := 0; ky < k.size; ky++ {
				iy := oy*k.stride + ky - k.padding
				for kx := 0; kx < k.size; kx++ {
					ix := ox*k.stride + kx - k.padding
					dst := row[(ky*k.size+kx)*c : (ky*k.size+kx+1)*c]
					if iy < 0 || iy >= h || ix < 0 || ix >= w {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					copy(dst, x[(iy*w+ix)*c:(iy*w+ix+1)*c])
				}
			}
		}
	}
}

func (k *conv2DKernel) col2im(cols []float32, h, w, c int, dx []float32) {
	patch := k.size * k.size * c
	for oy := 0; oy < k.outH; oy++ {
		for ox := 0; ox < k.outW; ox++ {
			row := cols[(oy*k.outW+ox)*patch : (oy*k.outW+ox+1)*patch]
			for ky := 0; ky < k.size; ky++ {
				iy := oy*k.stride + ky - k.padding
				if iy < 0 || iy >= h {
					continue
				}
				for kx := 0; kx < k.size; kx++ {
					ix := ox*k.stride + kx - k.padding
					if ix < 0 || ix >= w {
						continue
					}
					src := row[(ky*k.size+kx)*c : (ky*k.size+kx+1)*c]
					px := dx[(iy*w+ix)*c : (iy*w+ix+1)*c]
					for i, v := range src {
						px[i] += v
					}
				}
			}
		}
	}
}

func (k *conv2DKernel) forward(in []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x := in[0]
	batch, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	filters := k.kernel.Value.Shape[3]
	patch := k.size * k.size * c
	positions := k.outH * k.outW

	y := tensor.Zeros(batch, k.outH, k.outW, filters)
	forEach(batch, k.model.workers, func(n int) {
		cols := make([]float32, positions*patch)
		k.im2col(x.Data[n*h*w*c:(n+1)*h*w*c], h, w, c, cols)

		out := y.Data[n*positions*filters : (n+1)*positions*filters]
		if k.bias != nil {
			for p := 0; p < positions; p++ {
				copy(out[p*filters:(p+1)*filters], k.bias.Value.Data)
			}
		}
		tensor.Gemm(false, false, positions, filters, patch, 1, cols, k.kernel.Value.Data, 1, out)
	})

	k.x = x
	return y, nil
}

func (k *conv2DKernel) backward(dy *tensor.Tensor, need []bool) ([]*tensor.Tensor, error) {
	x := k.x
	batch, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	filters := k.kernel.Value.Shape[3]
	patch := k.size * k.size * c
	positions := k.outH * k.outW

	var dx *tensor.Tensor
	if need[0] {
		dx = tensor.Zeros(x.Shape...)
	}

	var mu sync.Mutex
	forEach(batch, k.model.workers, func(n int) {
		g := dy.Data[n*positions*filters : (n+1)*positions*filters]
		cols := make([]float32, positions*patch)

		if k.kernel.Trainable {
			k.im2col(x.Data[n*h*w*c:(n+1)*h*w*c], h, w, c, cols)
			dW := make([]float32, patch*filters)
			tensor.Gemm(true, false, patch, filters, positions, 1, cols, g, 0, dW)

			var db []float32
			if k.bias != nil && k.bias.Trainable {
				db = make([]float32, filters)
				for p := 0; p < positions; p++ {
					for f, v := range g[p*filters : (p+1)*filters] {
						db[f] += v
					}
				}
			}

			mu.Lock()
			for i, v := range dW {
				k.kernel.Grad.Data[i] += v
			}
			for f, v := range db {
				k.bias.Grad.Data[f] += v
			}
			mu.Unlock()
		}

		if dx != nil {
			tensor.Gemm(false, true, positions, patch, filters, 1, g, k.kernel.Value.Data, 0, cols)
			k.col2im(cols, h, w, c, dx.Data[n*h*w*c:(n+1)*h*w*c])
		}
	})

	return []*tensor.Tensor{dx}, nil
}
