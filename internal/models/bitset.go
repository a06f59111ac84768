package models

import "encoding/json"

// Bitset is a growable bit vector used to track which chunk indices have
// been received in a streaming session. A plain []uint64 word slice keeps
// membership checks O(1) without pulling in an external bitset library,
// even across multi-hour sessions with tens of thousands of chunks.
type Bitset struct {
	words []uint64
}

// NewBitset returns an empty bitset.
func NewBitset() *Bitset {
	return &Bitset{}
}

func (b *Bitset) ensure(word int) {
	for len(b.words) <= word {
		b.words = append(b.words, 0)
	}
}

// Set marks idx as present.
func (b *Bitset) Set(idx int) {
	if idx < 0 {
		return
	}
	word, bit := idx/64, uint(idx%64)
	b.ensure(word)
	b.words[word] |= 1 << bit
}

// Has reports whether idx is present.
func (b *Bitset) Has(idx int) bool {
	if idx < 0 {
		return false
	}
	word, bit := idx/64, uint(idx%64)
	if word >= len(b.words) {
		return false
	}
	return b.words[word]&(1<<bit) != 0
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.words {
		for w != 0 {
			w &= w - 1
			n++
		}
	}
	return n
}

// MarshalJSON serializes the underlying word slice.
func (b *Bitset) MarshalJSON() ([]byte, error) {
	if b == nil {
		return json.Marshal([]uint64{})
	}
	return json.Marshal(b.words)
}

// UnmarshalJSON restores the underlying word slice.
func (b *Bitset) UnmarshalJSON(data []byte) error {
	var words []uint64
	if err := json.Unmarshal(data, &words); err != nil {
		return err
	}
	b.words = words
	return nil
}

// Missing returns the sorted indices in [0, total) not present in the set.
func (b *Bitset) Missing(total int) []int {
	missing := make([]int, 0)
	for i := 0; i < total; i++ {
		if !b.Has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}
