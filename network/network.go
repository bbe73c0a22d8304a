// Package network assembles the pilot models: two inputs (camera image and
// flight metadata) and four sigmoid heads (roll, pitch, yaw, throttle).
package network

import (
	"fmt"
	"strings"

	"github.com/dronepilot/pilotnet/layers"
	"github.com/pkg/errors"
)

// Input layer names shared by every variant.
const (
	ImageInput    = "image"
	MetadataInput = "path_distance_in"
)

// BackboneScope is the layer scope of the image feature extractor.
const BackboneScope = "backbone"

// ConvSpec describes one convolution of an encoder or backbone.
type ConvSpec struct {
	Filters int `mapstructure:"filters" json:"filters"`
	Kernel  int `mapstructure:"kernel" json:"kernel"`
	Stride  int `mapstructure:"stride" json:"stride"`
}

// Hyperparameters configure the builders.
type Hyperparameters struct {
	ImageShape    []int // H, W, C
	MetadataSize  int   // target distance, path distance, heading delta, speed, altitude, x, y, z
	LatentDim     int   // transformer token width and image projection width
	Dropout       float64
	Heads         int        // attention heads
	FFDim         int        // transformer feed-forward width
	MaxPositions  int        // position embedding table size
	HeadWidth     int        // units per hidden layer of an output head
	HeadDepth     int        // hidden layers per output head
	EncoderConvs  []ConvSpec // end-to-end encoder
	BackboneConvs []ConvSpec // transfer backbone, followed by global average pooling
}

// DefaultHyperparameters returns the configuration of the trained models.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		ImageShape:   []int{300, 300, 3},
		MetadataSize: 8,
		LatentDim:    256,
		Dropout:      0.1,
		Heads:        2,
		FFDim:        32,
		MaxPositions: 10,
		HeadWidth:    64,
		HeadDepth:    4,
		EncoderConvs: []ConvSpec{
			{24, 5, 2},
			{32, 5, 2},
			{64, 3, 2},
			{64, 3, 2},
			{64, 3, 1},
		},
		BackboneConvs: []ConvSpec{
			{32, 3, 2},
			{64, 3, 2},
			{128, 3, 2},
			{256, 3, 2},
			{256, 3, 1},
		},
	}
}

// Validate checks the hyperparameters for values no builder can use.
func (hp Hyperparameters) Validate() error {
	if len(hp.ImageShape) != 3 {
		return errors.Errorf("image shape must be [height, width, channels], got %v", hp.ImageShape)
	}
	for _, d := range hp.ImageShape {
		if d <= 0 {
			return errors.Errorf("invalid image shape %v", hp.ImageShape)
		}
	}
	switch {
	case hp.MetadataSize <= 0:
		return errors.Errorf("metadata size must be positive, got %d", hp.MetadataSize)
	case hp.LatentDim <= 0:
		return errors.Errorf("latent dim must be positive, got %d", hp.LatentDim)
	case hp.Dropout < 0 || hp.Dropout >= 1:
		return errors.Errorf("dropout %v outside [0, 1)", hp.Dropout)
	case hp.HeadWidth <= 0 || hp.HeadDepth < 0:
		return errors.Errorf("invalid head layout %dx%d", hp.HeadWidth, hp.HeadDepth)
	}
	return nil
}

func (hp Hyperparameters) validateBackbone() error {
	if err := hp.Validate(); err != nil {
		return err
	}
	if len(hp.BackboneConvs) == 0 {
		return errors.New("backbone needs at least one convolution")
	}
	return nil
}

// Backbone identifies the image feature extractor inside a built model.
type Backbone struct {
	Scope    string // layer scope, "backbone"
	Input    string // image input layer feeding the backbone
	Output   string // pooled feature layer
	Features int    // width of Output
}

// Freeze marks the backbone layers of spec as non-trainable.
func (b *Backbone) Freeze(spec *layers.ModelSpec) error {
	return spec.Freeze(b.Scope, true)
}

// Unfreeze makes the backbone layers of spec trainable again.
func (b *Backbone) Unfreeze(spec *layers.ModelSpec) error {
	return spec.Freeze(b.Scope, false)
}

// Model extracts the backbone from spec as a standalone model.
func (b *Backbone) Model(spec *layers.ModelSpec) (*layers.ModelSpec, error) {
	return spec.SubModel(b.Scope)
}

// Builder is the common signature of the model constructors.
type Builder func(hp Hyperparameters) (*layers.ModelSpec, *Backbone, error)

// Variant names accepted by Lookup.
var variants = map[string]Builder{
	"conv":           BuildConvModel,
	"transfer":       BuildTransferModel,
	"transfer-image": BuildTransferImageOnlyModel,
	"transformer":    BuildTransformerModel,
}

// Variants lists the registered variant names.
func Variants() []string {
	return []string{"conv", "transfer", "transfer-image", "transformer"}
}

// Lookup returns the builder registered under name.
func Lookup(name string) (Builder, error) {
	b, ok := variants[strings.ToLower(name)]
	if !ok {
		return nil, errors.Errorf("unknown model variant %q (want one of %s)", name, strings.Join(Variants(), ", "))
	}
	return b, nil
}

// denseReLU adds Dense(units) followed by ReLU.
func denseReLU(mb *layers.ModelBuilder, in string, units int, name string) string {
	return mb.ReLU(mb.Dense(in, units, name), name+"_relu")
}

// denseDropout adds Dense(units), ReLU and dropout.
func denseDropout(mb *layers.ModelBuilder, in string, units int, rate float64, name string) string {
	return mb.Dropout(denseReLU(mb, in, units, name), rate, name+"_dropout")
}

// metadataBranch widens the metadata vector 8 -> 14 -> 28 -> 56.
func metadataBranch(mb *layers.ModelBuilder, in string) string {
	y := denseReLU(mb, in, 14, "meta_dense_1")
	y = denseReLU(mb, y, 28, "meta_dense_2")
	return denseReLU(mb, y, 56, "meta_dense_3")
}

// addHeads adds the four output branches on the shared features z and
// declares them as model outputs out_0..out_3.
func addHeads(mb *layers.ModelBuilder, z string, hp Hyperparameters) {
	for i := 0; i < 4; i++ {
		a := z
		for j := 1; j <= hp.HeadDepth; j++ {
			a = denseDropout(mb, a, hp.HeadWidth, hp.Dropout, fmt.Sprintf("head_%d_dense_%d", i, j))
		}
		logit := mb.Dense(a, 1, fmt.Sprintf("out_%d_logit", i))
		mb.Output(mb.Sigmoid(logit, fmt.Sprintf("out_%d", i)))
	}
}

// convStack adds ReLU convolutions with valid padding.
func convStack(mb *layers.ModelBuilder, in string, convs []ConvSpec, prefix string) string {
	x := in
	for i, c := range convs {
		name := fmt.Sprintf("%s_%d", prefix, i+1)
		x = mb.ReLU(mb.Conv2D(x, c.Filters, c.Kernel, c.Stride, 0, name), name+"_relu")
	}
	return x
}

// addBackbone adds the scoped feature extractor on image.
func addBackbone(mb *layers.ModelBuilder, image string, hp Hyperparameters) (*Backbone, string) {
	mb.SetScope(BackboneScope)
	x := convStack(mb, image, hp.BackboneConvs, "conv")
	out := mb.GlobalAvgPool(x, "avg_pool")
	mb.SetScope("")
	return &Backbone{
		Scope:    BackboneScope,
		Input:    image,
		Output:   out,
		Features: hp.BackboneConvs[len(hp.BackboneConvs)-1].Filters,
	}, out
}

// BuildConvModel builds the end-to-end model: a convolutional encoder on the
// image, a widening metadata branch, and a small fusion MLP.
func BuildConvModel(hp Hyperparameters) (*layers.ModelSpec, *Backbone, error) {
	if err := hp.Validate(); err != nil {
		return nil, nil, err
	}
	if len(hp.EncoderConvs) == 0 {
		return nil, nil, errors.New("conv model needs at least one encoder convolution")
	}

	mb := layers.NewModelBuilder("pilotnet_conv")
	img := mb.Input(ImageInput, hp.ImageShape...)
	meta := mb.Input(MetadataInput, hp.MetadataSize)

	x := convStack(mb, img, hp.EncoderConvs, "encoder_conv")
	x = mb.Flatten(x, "flattened")
	x = denseDropout(mb, x, 100, hp.Dropout, "encoder_dense")
	x = denseDropout(mb, x, 100, hp.Dropout, "image_dense")

	y := metadataBranch(mb, meta)

	z := mb.Concat([]string{x, y}, -1, "fusion")
	z = denseDropout(mb, z, 50, hp.Dropout, "fusion_dense_1")
	z = denseDropout(mb, z, 50, hp.Dropout, "fusion_dense_2")
	addHeads(mb, z, hp)

	spec, err := mb.Compile()
	if err != nil {
		return nil, nil, errors.Wrap(err, "building conv model")
	}
	return spec, nil, nil
}

// BuildTransferModel builds the backbone variant with metadata fusion.
func BuildTransferModel(hp Hyperparameters) (*layers.ModelSpec, *Backbone, error) {
	if err := hp.validateBackbone(); err != nil {
		return nil, nil, err
	}

	mb := layers.NewModelBuilder("pilotnet_transfer")
	img := mb.Input(ImageInput, hp.ImageShape...)
	meta := mb.Input(MetadataInput, hp.MetadataSize)

	backbone, features := addBackbone(mb, img, hp)
	x := denseReLU(mb, features, 256, "image_dense")
	y := metadataBranch(mb, meta)

	z := mb.Concat([]string{x, y}, -1, "fusion")
	z = denseDropout(mb, z, 128, hp.Dropout, "fusion_dense_1")
	z = denseDropout(mb, z, 128, hp.Dropout, "fusion_dense_2")
	addHeads(mb, z, hp)

	spec, err := mb.Compile()
	if err != nil {
		return nil, nil, errors.Wrap(err, "building transfer model")
	}
	return spec, backbone, nil
}

// BuildTransferImageOnlyModel builds the backbone variant without the
// metadata input.
func BuildTransferImageOnlyModel(hp Hyperparameters) (*layers.ModelSpec, *Backbone, error) {
	if err := hp.validateBackbone(); err != nil {
		return nil, nil, err
	}

	mb := layers.NewModelBuilder("pilotnet_transfer_image")
	img := mb.Input(ImageInput, hp.ImageShape...)

	backbone, features := addBackbone(mb, img, hp)
	x := denseReLU(mb, features, 256, "image_dense")
	x = denseDropout(mb, x, 128, hp.Dropout, "fusion_dense_1")
	x = denseDropout(mb, x, 128, hp.Dropout, "fusion_dense_2")
	addHeads(mb, x, hp)

	spec, err := mb.Compile()
	if err != nil {
		return nil, nil, errors.Wrap(err, "building image-only transfer model")
	}
	return spec, backbone, nil
}

// BuildTransformerModel builds the attention variant. Each metadata scalar
// becomes a token, the image features become one more, and a single
// transformer block mixes them; the first token feeds the heads.
func BuildTransformerModel(hp Hyperparameters) (*layers.ModelSpec, *Backbone, error) {
	if err := hp.validateBackbone(); err != nil {
		return nil, nil, err
	}
	if hp.Heads <= 0 || hp.FFDim <= 0 {
		return nil, nil, errors.Errorf("invalid transformer config heads=%d ff_dim=%d", hp.Heads, hp.FFDim)
	}
	if hp.MaxPositions < hp.MetadataSize+1 {
		return nil, nil, errors.Errorf("max positions %d cannot hold %d tokens", hp.MaxPositions, hp.MetadataSize+1)
	}

	d := hp.LatentDim
	mb := layers.NewModelBuilder("pilotnet_transformer")
	img := mb.Input(ImageInput, hp.ImageShape...)
	meta := mb.Input(MetadataInput, hp.MetadataSize)

	backbone, features := addBackbone(mb, img, hp)
	x := denseReLU(mb, features, d, "image_dense")
	x = mb.Reshape(x, []int{1, d}, "image_token")

	y := mb.Reshape(meta, []int{hp.MetadataSize, 1}, "metadata_scalars")
	y = mb.Dense(y, d, "metadata_tokens")

	z := mb.Concat([]string{y, x}, 0, "tokens")
	z = mb.PositionEmbedding(z, hp.MaxPositions, "position_embedding")
	z = transformerBlock(mb, z, hp)

	z = mb.TokenSelect(z, 0, "first_token")
	z = denseDropout(mb, z, 128, hp.Dropout, "fusion_dense_1")
	z = denseDropout(mb, z, 128, hp.Dropout, "fusion_dense_2")
	addHeads(mb, z, hp)

	spec, err := mb.Compile()
	if err != nil {
		return nil, nil, errors.Wrap(err, "building transformer model")
	}
	return spec, backbone, nil
}

// transformerBlock: post-norm self-attention and feed-forward sublayers.
func transformerBlock(mb *layers.ModelBuilder, in string, hp Hyperparameters) string {
	const eps = 1e-6

	attn := mb.MultiHeadAttention(in, hp.Heads, hp.LatentDim, "block_attention")
	attn = mb.Dropout(attn, hp.Dropout, "block_attention_dropout")
	out1 := mb.LayerNorm(mb.Add([]string{in, attn}, "block_residual_1"), eps, "block_norm_1")

	ffn := denseReLU(mb, out1, hp.FFDim, "block_ffn_1")
	ffn = mb.Dense(ffn, hp.LatentDim, "block_ffn_2")
	ffn = mb.Dropout(ffn, hp.Dropout, "block_ffn_dropout")
	return mb.LayerNorm(mb.Add([]string{out1, ffn}, "block_residual_2"), eps, "block_norm_2")
}
