package row

import (
	"fmt"
	"strings"
)

// ZSet implements Z-sets over rows: a multiset in which every row carries an
// integer multiplicity. Positive multiplicities are live rows, negative ones
// pending retractions. A Z-set whose multiplicities are all zero is empty.
type ZSet struct {
	rows   map[string]Row // encoded key -> row
	counts map[string]int // encoded key -> multiplicity
}

// NewZSet creates an empty Z-set.
func NewZSet() *ZSet {
	return &ZSet{
		rows:   make(map[string]Row),
		counts: make(map[string]int),
	}
}

// AddRow adds r with the given multiplicity in place. Entries whose
// multiplicity reaches zero are removed.
func (z *ZSet) AddRow(r Row, count int) {
	if count == 0 {
		return
	}
	key := r.Encode()
	if _, ok := z.counts[key]; ok {
		z.counts[key] += count
	} else {
		z.rows[key] = r.Copy()
		z.counts[key] = count
	}
	if z.counts[key] == 0 {
		delete(z.counts, key)
		delete(z.rows, key)
	}
}

// AddDelta applies a signed row.
func (z *ZSet) AddDelta(d Delta) { z.AddRow(d.Row, d.Sign) }

// Add performs Z-set addition (union with multiplicity) in place.
func (z *ZSet) Add(other *ZSet) {
	if other == nil {
		return
	}
	for key, count := range other.counts {
		z.AddRow(other.rows[key], count)
	}
}

// Subtract performs Z-set subtraction in place.
func (z *ZSet) Subtract(other *ZSet) {
	if other == nil {
		return
	}
	for key, count := range other.counts {
		z.AddRow(other.rows[key], -count)
	}
}

// Multiplicity returns the multiplicity of r.
func (z *ZSet) Multiplicity(r Row) int { return z.counts[r.Encode()] }

// Contains reports whether r is present with positive multiplicity.
func (z *ZSet) Contains(r Row) bool { return z.Multiplicity(r) > 0 }

// IsZero reports whether the Z-set is empty.
func (z *ZSet) IsZero() bool { return len(z.counts) == 0 }

// Size returns the total number of rows counting positive multiplicities.
func (z *ZSet) Size() int {
	total := 0
	for _, count := range z.counts {
		if count > 0 {
			total += count
		}
	}
	return total
}

// Rows returns all rows with positive multiplicity, each repeated
// multiplicity times.
func (z *ZSet) Rows() []Row {
	var out []Row
	for key, count := range z.counts {
		for i := 0; i < count; i++ {
			out = append(out, z.rows[key].Copy())
		}
	}
	return out
}

// Entries returns every row with its multiplicity, including negative ones.
func (z *ZSet) Entries() []Delta {
	out := make([]Delta, 0, len(z.counts))
	for key, count := range z.counts {
		out = append(out, Delta{Row: z.rows[key].Copy(), Sign: count})
	}
	return out
}

// Deltas expands the Z-set into unit deltas: a row with multiplicity n yields
// |n| deltas of sign sgn(n). This is the form in which state is replayed
// during backfills and upqueries.
func (z *ZSet) Deltas() []Delta {
	var out []Delta
	for key, count := range z.counts {
		sign, n := 1, count
		if count < 0 {
			sign, n = -1, -count
		}
		for i := 0; i < n; i++ {
			out = append(out, Delta{Row: z.rows[key].Copy(), Sign: sign})
		}
	}
	return out
}

// Copy returns a deep copy of the Z-set.
func (z *ZSet) Copy() *ZSet {
	out := NewZSet()
	for key, r := range z.rows {
		out.rows[key] = r.Copy()
		out.counts[key] = z.counts[key]
	}
	return out
}

// FromRows creates a Z-set from rows, each with multiplicity 1.
func FromRows(rows []Row) *ZSet {
	z := NewZSet()
	for _, r := range rows {
		z.AddRow(r, 1)
	}
	return z
}

// String returns a string representation of the Z-set for debugging.
func (z *ZSet) String() string {
	if z.IsZero() {
		return "∅"
	}
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for key, count := range z.counts {
		if !first {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v×%d", []Value(z.rows[key]), count)
		first = false
	}
	b.WriteByte('}')
	return b.String()
}
