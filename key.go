package cpra

import (
	"fmt"
	"strings"
)

// Key identifies a variant within a sorted stream: chromosome rank,
// position, reference allele and alternate allele.
type Key struct {
	Chrom int
	Pos   int64
	Ref   string
	Alt   string
}

// Compare returns -1 if k sorts before other, 0 if they are equal and 1 if k
// sorts after other.
func (k Key) Compare(other Key) int {
	switch {
	case k.Chrom < other.Chrom:
		return -1
	case k.Chrom > other.Chrom:
		return 1
	case k.Pos < other.Pos:
		return -1
	case k.Pos > other.Pos:
		return 1
	}
	if c := strings.Compare(k.Ref, other.Ref); c != 0 {
		return c
	}
	return strings.Compare(k.Alt, other.Alt)
}

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// Chromosome returns the symbol of the key's chromosome.
func (k Key) Chromosome() string {
	return Chromosome(k.Chrom)
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", Chromosome(k.Chrom), k.Pos, k.Ref, k.Alt)
}
