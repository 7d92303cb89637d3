package checkpoint

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"netforge/internal/model"
	"netforge/internal/optimizer"
	"netforge/internal/tensor"
)

// Record is one snapshot of training state.
//
// Wire layout (protobuf):
//
//	message Record {
//	  int64 step = 1;
//	  repeated Variable variables = 2;
//	  int64 optimizer_iterations = 3;
//	  repeated Variable slots = 4;
//	}
//	message Variable {
//	  string name = 1;
//	  repeated int64 shape = 2 [packed];
//	  repeated double data = 3 [packed];
//	}
type Record struct {
	Step                int64
	Variables           []Variable
	OptimizerIterations int64
	Slots               []Variable
}

// Variable is a named tensor.
type Variable struct {
	Name  string
	Shape []int
	Data  []float64
}

const (
	fieldStep      protowire.Number = 1
	fieldVariables protowire.Number = 2
	fieldOptIters  protowire.Number = 3
	fieldSlots     protowire.Number = 4
	fieldVarName   protowire.Number = 1
	fieldVarShape  protowire.Number = 2
	fieldVarData   protowire.Number = 3
)

// Marshal encodes r in protobuf wire format.
func (r *Record) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Step))
	for _, v := range r.Variables {
		b = protowire.AppendTag(b, fieldVariables, protowire.BytesType)
		b = protowire.AppendBytes(b, v.marshal())
	}
	b = protowire.AppendTag(b, fieldOptIters, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.OptimizerIterations))
	for _, v := range r.Slots {
		b = protowire.AppendTag(b, fieldSlots, protowire.BytesType)
		b = protowire.AppendBytes(b, v.marshal())
	}
	return b
}

func (v *Variable) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVarName, protowire.BytesType)
	b = protowire.AppendString(b, v.Name)

	var shape []byte
	for _, d := range v.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldVarShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 8*len(v.Data))
	for _, f := range v.Data {
		data = protowire.AppendFixed64(data, math.Float64bits(f))
	}
	b = protowire.AppendTag(b, fieldVarData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// Unmarshal decodes a Record, skipping unknown fields.
func Unmarshal(b []byte) (*Record, error) {
	r := &Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "checkpoint: tag")
		}
		b = b[n:]
		switch {
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "checkpoint: step")
			}
			r.Step = int64(v)
			b = b[n:]
		case num == fieldOptIters && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "checkpoint: optimizer iterations")
			}
			r.OptimizerIterations = int64(v)
			b = b[n:]
		case (num == fieldVariables || num == fieldSlots) && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "checkpoint: variable")
			}
			v, err := unmarshalVariable(raw)
			if err != nil {
				return nil, err
			}
			if num == fieldVariables {
				r.Variables = append(r.Variables, v)
			} else {
				r.Slots = append(r.Slots, v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "checkpoint: unknown field")
			}
			b = b[n:]
		}
	}
	return r, nil
}

func unmarshalVariable(b []byte) (Variable, error) {
	var v Variable
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return v, errors.Wrap(protowire.ParseError(n), "checkpoint: variable tag")
		}
		b = b[n:]
		if typ != protowire.BytesType || num < fieldVarName || num > fieldVarData {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return v, errors.Wrap(protowire.ParseError(n), "checkpoint: variable field")
			}
			b = b[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return v, errors.Wrap(protowire.ParseError(n), "checkpoint: variable payload")
		}
		b = b[n:]
		switch num {
		case fieldVarName:
			v.Name = string(raw)
		case fieldVarShape:
			for len(raw) > 0 {
				d, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return v, errors.Wrap(protowire.ParseError(n), "checkpoint: shape")
				}
				v.Shape = append(v.Shape, int(d))
				raw = raw[n:]
			}
		case fieldVarData:
			if len(raw)%8 != 0 {
				return v, errors.Errorf("checkpoint: %s data length %d is not a multiple of 8", v.Name, len(raw))
			}
			v.Data = make([]float64, 0, len(raw)/8)
			for len(raw) > 0 {
				bits, n := protowire.ConsumeFixed64(raw)
				if n < 0 {
					return v, errors.Wrap(protowire.ParseError(n), "checkpoint: data")
				}
				v.Data = append(v.Data, math.Float64frombits(bits))
				raw = raw[n:]
			}
		}
	}
	if tensor.Volume(v.Shape) != len(v.Data) {
		return v, errors.Errorf("checkpoint: %s has shape %v but %d values", v.Name, v.Shape, len(v.Data))
	}
	return v, nil
}

func toVariable(p *model.Param) Variable {
	return Variable{
		Name:  p.Name,
		Shape: append([]int(nil), p.Value.Shape...),
		Data:  append([]float64(nil), p.Value.Data...),
	}
}

// Capture snapshots every network variable and, when opt is non-nil, the
// optimizer state.
func Capture(net *model.Network, opt optimizer.Optimizer, step int64) *Record {
	r := &Record{Step: step}
	for _, p := range net.Variables() {
		r.Variables = append(r.Variables, toVariable(p))
	}
	if opt != nil {
		r.OptimizerIterations = opt.Iterations()
		for _, s := range opt.Slots() {
			r.Slots = append(r.Slots, toVariable(s))
		}
	}
	return r
}

// Apply loads r into net and, when opt is non-nil, into the optimizer.
// Every network variable must be present with a matching shape; a nil opt
// ignores the optimizer part of the record.
func Apply(r *Record, net *model.Network, opt optimizer.Optimizer) error {
	byName := make(map[string]Variable, len(r.Variables))
	for _, v := range r.Variables {
		byName[v.Name] = v
	}
	for _, p := range net.Variables() {
		v, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("checkpoint: variable %s missing", p.Name)
		}
		if !tensor.EqualShape(v.Shape, p.Value.Shape) {
			return errors.Errorf("checkpoint: variable %s has shape %v, model wants %v", p.Name, v.Shape, p.Value.Shape)
		}
		copy(p.Value.Data, v.Data)
	}
	if opt == nil {
		return nil
	}
	slots := make(map[string]*tensor.Tensor, len(r.Slots))
	for _, v := range r.Slots {
		t, err := tensor.FromData(append([]float64(nil), v.Data...), v.Shape...)
		if err != nil {
			return errors.Wrapf(err, "checkpoint: slot %s", v.Name)
		}
		slots[v.Name] = t
	}
	return opt.Restore(r.OptimizerIterations, slots)
}
