// Package row implements the data-plane primitives of the engine: dynamically
// typed values, rows, signed deltas and row Z-sets (multisets with integer
// multiplicities). A delta is a row tagged with a sign: +1 for an insertion,
// -1 for a retraction. Updates are always modeled as a retraction followed by
// an insertion, so every propagation step in the engine reduces to applying a
// batch of signed rows.
package row

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a dynamically typed scalar cell. Legal concrete types are int64,
// float64, string, bool and nil. Declared column types in a recipe are
// advisory only and never enforced against values.
type Value any

// Row is an ordered list of values.
type Row []Value

// Delta is a signed row: Sign is +1 for an insertion and -1 for a retraction.
type Delta struct {
	Row  Row
	Sign int
}

// Insert returns an insertion delta for r.
func Insert(r Row) Delta { return Delta{Row: r, Sign: 1} }

// Retract returns a retraction delta for r.
func Retract(r Row) Delta { return Delta{Row: r, Sign: -1} }

// Normalize coerces v into one of the canonical value types. Integer types
// narrow to int64, float32 widens to float64. Unsupported types return an
// error so that malformed input can be rejected at ingestion.
func Normalize(v Value) (Value, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64, float64, string, bool:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case float32:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// NormalizeRow normalizes every cell of r in a fresh row.
func NormalizeRow(r Row) (Row, error) {
	out := make(Row, len(r))
	for i, v := range r {
		nv, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		out[i] = nv
	}
	return out, nil
}

// Compare orders two values. Numeric values compare numerically across int64
// and float64, strings lexicographically, bools false<true, nil sorts before
// everything. Values of incomparable types compare by type name so that the
// order is still total.
func Compare(a, b Value) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if an, aok := asFloat(a); aok {
		if bn, bok := asFloat(b); bok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			default:
				return 0
			}
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}

	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	}

	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

func asFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// Equal reports whether two values are equal under Compare semantics.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// Copy returns a copy of r. Values are immutable scalars so a shallow copy of
// the backing slice is a full copy.
func (r Row) Copy() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Project returns the sub-row of r at the given column positions.
func (r Row) Project(cols []int) Row {
	out := make(Row, len(cols))
	for i, c := range cols {
		out[i] = r[c]
	}
	return out
}

// EncodeKey builds a unique string encoding of the values of r at the given
// column positions. The encoding is used as a map key for Z-sets and keyed
// state; it is type-tagged so that int64(1) and "1" never collide.
func (r Row) EncodeKey(cols []int) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		encodeValue(&b, r[c])
	}
	return b.String()
}

// Encode builds the unique string encoding of the full row.
func (r Row) Encode() string {
	cols := make([]int, len(r))
	for i := range r {
		cols[i] = i
	}
	return r.EncodeKey(cols)
}

// EncodeValues encodes a bare value list, e.g. bound lookup parameters.
func EncodeValues(vals []Value) string {
	var b strings.Builder
	for i, v := range vals {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		encodeValue(&b, v)
	}
	return b.String()
}

// keyEscaper keeps the field separator out of string payloads: the escape
// byte doubles and \x1f becomes \x1e\x01. Every encoded value is uniquely
// decodable, so distinct rows never share a key.
var keyEscaper = strings.NewReplacer("\x1e", "\x1e\x1e", "\x1f", "\x1e\x01")

func encodeValue(b *strings.Builder, v Value) {
	switch x := v.(type) {
	case nil:
		b.WriteString("n:")
	case int64:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString("f:")
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case string:
		b.WriteString("s:")
		keyEscaper.WriteString(b, x)
	case bool:
		b.WriteString("b:")
		b.WriteString(strconv.FormatBool(x))
	default:
		// Normalize rejects these at ingestion; keep the key total anyway.
		fmt.Fprintf(b, "?:%v", x)
	}
}

// String returns a debug representation of the delta.
func (d Delta) String() string {
	sign := "+"
	if d.Sign < 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s%v", sign, []Value(d.Row))
}
