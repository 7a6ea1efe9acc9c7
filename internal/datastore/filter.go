package datastore

import (
	"encoding/json"

	"github.com/plenumd/plenum/internal/model"
)

// Filter is a predicate tree evaluated against instances of one collection.
// The variants are And, Or, Not, and Cmp.
type Filter interface {
	isFilter()
}

// And matches when every branch matches. An empty And matches everything.
type And []Filter

func (And) isFilter() {}

// Or matches when any branch matches. An empty Or matches nothing.
type Or []Filter

func (Or) isFilter() {}

// Not inverts its branch.
type Not struct {
	F Filter
}

func (Not) isFilter() {}

// CmpOp enumerates the comparison operators.
type CmpOp string

const (
	OpEq CmpOp = "="
	OpNe CmpOp = "!="
	OpLt CmpOp = "<"
	OpGt CmpOp = ">"
	OpLe CmpOp = "<="
	OpGe CmpOp = ">="
)

// Cmp compares one field against a constant.
type Cmp struct {
	Field string
	Op    CmpOp
	Value model.Value
}

func (Cmp) isFilter() {}

// Eval evaluates the predicate against a partial instance. Used by the
// in-process store; the remote store evaluates server-side.
func Eval(f Filter, obj model.Object) bool {
	switch ft := f.(type) {
	case And:
		for _, branch := range ft {
			if !Eval(branch, obj) {
				return false
			}
		}
		return true
	case Or:
		for _, branch := range ft {
			if Eval(branch, obj) {
				return true
			}
		}
		return false
	case Not:
		return !Eval(ft.F, obj)
	case Cmp:
		return evalCmp(ft, obj)
	default:
		return false
	}
}

func evalCmp(c Cmp, obj model.Object) bool {
	val := obj[c.Field]
	switch c.Op {
	case OpEq:
		return model.Equal(val, c.Value)
	case OpNe:
		return !model.Equal(val, c.Value)
	case OpLt, OpGt, OpLe, OpGe:
		a, aok := val.(model.Int)
		b, bok := c.Value.(model.Int)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case OpLt:
			return a < b
		case OpGt:
			return a > b
		case OpLe:
			return a <= b
		default:
			return a >= b
		}
	default:
		return false
	}
}

// MarshalJSON encodes the tree for the remote filter endpoint.
func (f And) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"and_filter": []Filter(f)})
}

func (f Or) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"or_filter": []Filter(f)})
}

func (f Not) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"not_filter": f.F})
}

func (c Cmp) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"field":    c.Field,
		"operator": string(c.Op),
		"value":    model.ToGo(c.Value),
	})
}

// FieldEquals is a convenience constructor for the common equality filter.
func FieldEquals(field string, value model.Value) Filter {
	return Cmp{Field: field, Op: OpEq, Value: value}
}
