package cpra

// NChromosomes is the size of the fixed chromosome enumeration.
const NChromosomes = 25

var chromosomeOrder = [NChromosomes]string{
	"1", "2", "3", "4", "5", "6", "7", "8", "9", "10",
	"11", "12", "13", "14", "15", "16", "17", "18", "19", "20",
	"21", "22", "X", "Y", "MT",
}

var chromosomeRank = func() map[string]int {
	m := make(map[string]int, NChromosomes)
	for i, c := range chromosomeOrder {
		m[c] = i
	}
	return m
}()

// Chromosome takes a chromosome rank and returns its standard string
// translation. Ranks outside the enumeration return "NA".
func Chromosome(rank int) string {
	if rank < 0 || rank >= NChromosomes {
		return "NA"
	}
	return chromosomeOrder[rank]
}

// ChromosomeRank returns the position of chrom within the enumeration
// 1..22, X, Y, MT. Ordering of variants uses this rank, never the lexical
// order of the symbol.
func ChromosomeRank(chrom string) (int, bool) {
	rank, ok := chromosomeRank[chrom]
	return rank, ok
}
