package asm

// DefaultMaxLiteralPoolEntries bounds a LiteralPool created with a zero maximum.
const DefaultMaxLiteralPoolEntries = 1024

// LiteralPool holds the constants of one compilation unit which are too wide
// for an instruction's immediate field. Entries are referenced by index and
// never removed; the pool is dropped together with its unit.
type LiteralPool struct {
	values []uint64
	max    int
}

// NewLiteralPool returns an empty pool holding at most max entries.
func NewLiteralPool(max int) *LiteralPool {
	if max <= 0 {
		max = DefaultMaxLiteralPoolEntries
	}
	return &LiteralPool{max: max}
}

// LookupOrInsert returns the index of value, appending it if it is not in the
// pool yet. Indexes are assigned in insertion order.
func (p *LiteralPool) LookupOrInsert(value uint64) (int, error) {
	for i, v := range p.values {
		if v == value {
			return i, nil
		}
	}
	if len(p.values) >= p.max {
		return 0, Exhaustedf("literal pool is full with %d entries", p.max)
	}
	p.values = append(p.values, value)
	return len(p.values) - 1, nil
}

// Len returns the number of entries.
func (p *LiteralPool) Len() int {
	return len(p.values)
}

// Value returns the constant at index.
func (p *LiteralPool) Value(index int) uint64 {
	return p.values[index]
}

// Entries returns the constants ordered by index.
func (p *LiteralPool) Entries() []uint64 {
	return p.values
}
