// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expression

import (
	"fmt"
	"strings"

	"github.com/pingcap/errors"
	"github.com/relstore/idxbuild/pkg/types"
)

// Op is the operator of a predicate node.
type Op string

// Predicate operators.
const (
	OpEQ        Op = "eq"
	OpNE        Op = "ne"
	OpLT        Op = "lt"
	OpLE        Op = "le"
	OpGT        Op = "gt"
	OpGE        Op = "ge"
	OpAnd       Op = "and"
	OpOr        Op = "or"
	OpNot       Op = "not"
	OpIsNull    Op = "isnull"
	OpIsNotNull Op = "isnotnull"
)

// Constant is the serializable form of a literal.
type Constant struct {
	Kind byte   `json:"kind"`
	Int  int64  `json:"int,omitempty"`
	Str  []byte `json:"str,omitempty"`
}

// Datum converts the constant to a datum.
func (c *Constant) Datum() types.Datum {
	switch c.Kind {
	case types.KindInt64:
		return types.NewIntDatum(c.Int)
	case types.KindString:
		return types.NewStringDatum(string(c.Str))
	case types.KindBytes:
		return types.NewBytesDatum(c.Str)
	}
	return types.Datum{}
}

// NewConstant converts a datum to its serializable form.
func NewConstant(d types.Datum) *Constant {
	c := &Constant{Kind: d.Kind()}
	switch d.Kind() {
	case types.KindInt64:
		c.Int = d.GetInt64()
	case types.KindString, types.KindBytes:
		c.Str = append([]byte(nil), d.GetBytes()...)
	}
	return c
}

// Expr is a predicate over the columns of one row. It is stored in the
// catalog as part of a partial index definition, so it must stay JSON
// serializable.
type Expr struct {
	Op    Op        `json:"op"`
	Col   int       `json:"col,omitempty"`
	Const *Constant `json:"const,omitempty"`
	Args  []*Expr   `json:"args,omitempty"`
}

// Compare builds `col <op> value`.
func Compare(op Op, col int, value types.Datum) *Expr {
	return &Expr{Op: op, Col: col, Const: NewConstant(value)}
}

// GT builds `col > value`.
func GT(col int, value types.Datum) *Expr { return Compare(OpGT, col, value) }

// EQ builds `col = value`.
func EQ(col int, value types.Datum) *Expr { return Compare(OpEQ, col, value) }

// LT builds `col < value`.
func LT(col int, value types.Datum) *Expr { return Compare(OpLT, col, value) }

// And builds the conjunction of args.
func And(args ...*Expr) *Expr { return &Expr{Op: OpAnd, Args: args} }

// Or builds the disjunction of args.
func Or(args ...*Expr) *Expr { return &Expr{Op: OpOr, Args: args} }

// Not negates arg.
func Not(arg *Expr) *Expr { return &Expr{Op: OpNot, Args: []*Expr{arg}} }

// IsNull builds `col IS NULL`.
func IsNull(col int) *Expr { return &Expr{Op: OpIsNull, Col: col} }

// IsNotNull builds `col IS NOT NULL`.
func IsNotNull(col int) *Expr { return &Expr{Op: OpIsNotNull, Col: col} }

// Validate checks that every column reference is inside a row of nFields.
func (e *Expr) Validate(nFields int) error {
	switch e.Op {
	case OpEQ, OpNE, OpLT, OpLE, OpGT, OpGE:
		if e.Const == nil {
			return errors.Errorf("predicate %s has no constant", e.Op)
		}
		fallthrough
	case OpIsNull, OpIsNotNull:
		if e.Col < 0 || e.Col >= nFields {
			return errors.Errorf("predicate references column %d of %d", e.Col, nFields)
		}
	case OpAnd, OpOr:
		if len(e.Args) == 0 {
			return errors.Errorf("predicate %s has no arguments", e.Op)
		}
		for _, a := range e.Args {
			if err := a.Validate(nFields); err != nil {
				return err
			}
		}
	case OpNot:
		if len(e.Args) != 1 {
			return errors.New("predicate not needs exactly one argument")
		}
		return e.Args[0].Validate(nFields)
	default:
		return errors.Errorf("unknown predicate operator %q", e.Op)
	}
	return nil
}

// EvalBool evaluates the predicate. A NULL result counts as false.
func (e *Expr) EvalBool(row []types.Datum) bool {
	v, null := e.eval(row)
	return v && !null
}

// eval follows three-valued logic.
func (e *Expr) eval(row []types.Datum) (val bool, null bool) {
	switch e.Op {
	case OpIsNull:
		return row[e.Col].IsNull(), false
	case OpIsNotNull:
		return !row[e.Col].IsNull(), false
	case OpNot:
		v, n := e.Args[0].eval(row)
		return !v, n
	case OpAnd:
		sawNull := false
		for _, a := range e.Args {
			v, n := a.eval(row)
			if n {
				sawNull = true
			} else if !v {
				return false, false
			}
		}
		return !sawNull, sawNull
	case OpOr:
		sawNull := false
		for _, a := range e.Args {
			v, n := a.eval(row)
			if n {
				sawNull = true
			} else if v {
				return true, false
			}
		}
		return false, sawNull
	}
	d := &row[e.Col]
	if d.IsNull() || e.Const.Kind == types.KindNull {
		return false, true
	}
	c := e.Const.Datum()
	r := d.Compare(&c)
	switch e.Op {
	case OpEQ:
		return r == 0, false
	case OpNE:
		return r != 0, false
	case OpLT:
		return r < 0, false
	case OpLE:
		return r <= 0, false
	case OpGT:
		return r > 0, false
	default:
		return r >= 0, false
	}
}

// String implements fmt.Stringer.
func (e *Expr) String() string {
	switch e.Op {
	case OpIsNull, OpIsNotNull:
		return fmt.Sprintf("%s(#%d)", e.Op, e.Col)
	case OpAnd, OpOr, OpNot:
		parts := make([]string, 0, len(e.Args))
		for _, a := range e.Args {
			parts = append(parts, a.String())
		}
		return fmt.Sprintf("%s(%s)", e.Op, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s(#%d, %s)", e.Op, e.Col, e.Const.Datum())
}
