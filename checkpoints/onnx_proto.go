package checkpoints

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// The subset of onnx.proto needed to write and read pilotnet models,
// encoded directly with protowire. Field numbers follow onnx.proto.

const (
	TensorProto_DataType_FLOAT   int32 = 1
	TensorProto_DataType_INT64   int32 = 7
	TensorProto_DataType_FLOAT16 int32 = 10
)

const (
	AttributeProto_FLOAT  int32 = 1
	AttributeProto_INT    int32 = 2
	AttributeProto_STRING int32 = 3
	AttributeProto_INTS   int32 = 7
)

type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
	MetadataProps   []*StringStringEntryProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type StringStringEntryProto struct {
	Key   string
	Value string
}

type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
}

type AttributeProto struct {
	Name string
	Type int32
	F    float32
	I    int64
	S    []byte
	Ints []int64
}

type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Int64Data []int64
	Name      string
	RawData   []byte
}

// ValueInfoProto flattens TypeProto.Tensor into an element type and shape.
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Shape    []Dimension
}

// Dimension is either a fixed size or a symbolic name.
type Dimension struct {
	Value int64
	Param string
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// Marshal encodes the model in protobuf wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.IrVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendVarint(b, 5, m.ModelVersion)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendString(ob, 1, op.Domain)
		ob = appendVarint(ob, 2, op.Version)
		b = appendMessage(b, 8, ob)
	}
	for _, kv := range m.MetadataProps {
		var kb []byte
		kb = appendString(kb, 1, kv.Key)
		kb = appendString(kb, 2, kv.Value)
		b = appendMessage(b, 14, kb)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessage(b, 1, n.marshal())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, t.marshal())
	}
	for _, v := range g.Input {
		b = appendMessage(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessage(b, 12, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessage(b, 5, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeProto_FLOAT:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProto_INT:
		b = appendVarint(b, 3, a.I)
	case AttributeProto_STRING:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeProto_INTS:
		for _, v := range a.Ints {
			b = appendVarint(b, 8, v)
		}
	}
	b = appendVarint(b, 20, int64(a.Type))
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarint(b, 1, d)
	}
	b = appendVarint(b, 2, int64(t.DataType))
	if len(t.FloatData) > 0 {
		packed := make([]byte, 0, 4*len(t.FloatData))
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessage(b, 4, packed)
	}
	if len(t.Int64Data) > 0 {
		var packed []byte
		for _, v := range t.Int64Data {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = appendMessage(b, 7, packed)
	}
	b = appendString(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var db []byte
		if d.Param != "" {
			db = appendString(db, 2, d.Param)
		} else {
			db = appendVarint(db, 1, d.Value)
		}
		shape = appendMessage(shape, 1, db)
	}
	var tensorType []byte
	tensorType = appendVarint(tensorType, 1, int64(v.ElemType))
	tensorType = appendMessage(tensorType, 2, shape)
	var typeProto []byte
	typeProto = appendMessage(typeProto, 1, tensorType)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendMessage(b, 2, typeProto)
	return b
}

// walkFields calls fn for every field of a message. fn receives the raw
// field value for bytes fields and the decoded integer for varint and
// fixed fields.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(b)
			v = uint64(f)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

// consumeInts reads a repeated integer field that may be packed.
func consumeInts(typ protowire.Type, v uint64, raw []byte, dst []int64) ([]int64, error) {
	if typ == protowire.VarintType {
		return append(dst, int64(v)), nil
	}
	for len(raw) > 0 {
		x, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		dst = append(dst, int64(x))
		raw = raw[n:]
	}
	return dst, nil
}

// Unmarshal decodes a model written by Marshal or any ONNX producer using
// the same fields; unknown fields are skipped.
func (m *ModelProto) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			m.IrVersion = int64(v)
		case 2:
			m.ProducerName = string(raw)
		case 3:
			m.ProducerVersion = string(raw)
		case 5:
			m.ModelVersion = int64(v)
		case 7:
			m.Graph = &GraphProto{}
			return errors.Wrap(m.Graph.unmarshal(raw), "graph")
		case 8:
			op := &OperatorSetIdProto{}
			m.OpsetImport = append(m.OpsetImport, op)
			return walkFields(raw, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
				switch num {
				case 1:
					op.Domain = string(raw)
				case 2:
					op.Version = int64(v)
				}
				return nil
			})
		case 14:
			kv := &StringStringEntryProto{}
			m.MetadataProps = append(m.MetadataProps, kv)
			return walkFields(raw, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
				switch num {
				case 1:
					kv.Key = string(raw)
				case 2:
					kv.Value = string(raw)
				}
				return nil
			})
		}
		return nil
	})
}

func (g *GraphProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			n := &NodeProto{}
			g.Node = append(g.Node, n)
			return n.unmarshal(raw)
		case 2:
			g.Name = string(raw)
		case 5:
			t := &TensorProto{}
			g.Initializer = append(g.Initializer, t)
			return t.unmarshal(raw)
		case 11, 12:
			vi := &ValueInfoProto{}
			if err := vi.unmarshal(raw); err != nil {
				return err
			}
			if num == 11 {
				g.Input = append(g.Input, vi)
			} else {
				g.Output = append(g.Output, vi)
			}
		}
		return nil
	})
}

func (n *NodeProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			n.Input = append(n.Input, string(raw))
		case 2:
			n.Output = append(n.Output, string(raw))
		case 3:
			n.Name = string(raw)
		case 4:
			n.OpType = string(raw)
		case 5:
			a := &AttributeProto{}
			n.Attribute = append(n.Attribute, a)
			return a.unmarshal(raw)
		}
		return nil
	})
}

func (a *AttributeProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		var err error
		switch num {
		case 1:
			a.Name = string(raw)
		case 2:
			a.F = math.Float32frombits(uint32(v))
		case 3:
			a.I = int64(v)
		case 4:
			a.S = append([]byte(nil), raw...)
		case 8:
			a.Ints, err = consumeInts(typ, v, raw, a.Ints)
		case 20:
			a.Type = int32(v)
		}
		return err
	})
}

func (t *TensorProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		var err error
		switch num {
		case 1:
			t.Dims, err = consumeInts(typ, v, raw, t.Dims)
		case 2:
			t.DataType = int32(v)
		case 4:
			if typ == protowire.Fixed32Type {
				t.FloatData = append(t.FloatData, math.Float32frombits(uint32(v)))
				return nil
			}
			if len(raw)%4 != 0 {
				return errors.New("malformed packed float_data")
			}
			for i := 0; i < len(raw); i += 4 {
				t.FloatData = append(t.FloatData, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
			}
		case 7:
			t.Int64Data, err = consumeInts(typ, v, raw, t.Int64Data)
		case 8:
			t.Name = string(raw)
		case 9:
			t.RawData = append([]byte(nil), raw...)
		}
		return err
	})
}

func (vi *ValueInfoProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
		switch num {
		case 1:
			vi.Name = string(raw)
		case 2:
			// TypeProto.tensor_type
			return walkFields(raw, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
				if num != 1 {
					return nil
				}
				return walkFields(raw, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
					switch num {
					case 1:
						vi.ElemType = int32(v)
					case 2:
						return walkFields(raw, func(num protowire.Number, _ protowire.Type, _ uint64, raw []byte) error {
							if num != 1 {
								return nil
							}
							var d Dimension
							err := walkFields(raw, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
								switch num {
								case 1:
									d.Value = int64(v)
								case 2:
									d.Param = string(raw)
								}
								return nil
							})
							vi.Shape = append(vi.Shape, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
}
