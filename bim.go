package cpra

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/carbocation/genomisc"
	"github.com/carbocation/pfx"
)

// BIMRowFromRecord describes rec as a PLINK .bim row. The variant id is the
// first rsid when the record carries one, and chrom:pos:ref:alt otherwise.
// Allele1 is the alternate allele, as PLINK expects.
func BIMRowFromRecord(rec *Record) (genomisc.BIMRow, error) {
	if rec.Key.Pos > math.MaxUint32 {
		return genomisc.BIMRow{}, fmt.Errorf("%s: position does not fit a .bim coordinate", rec.Key)
	}

	id := rec.Key.String()
	if rsids, ok := rec.Str("rsids"); ok && rsids != "" {
		id = strings.Split(rsids, ",")[0]
	}

	return genomisc.BIMRow{
		Chromosome: rec.Key.Chromosome(),
		Coordinate: uint32(rec.Key.Pos),
		VariantID:  id,
		Allele1:    rec.Key.Alt,
		Allele2:    rec.Key.Ref,
	}, nil
}

// WriteBIM writes every record of src to w as .bim rows and returns the
// number of rows written.
func WriteBIM(w io.Writer, src RecordSource) (int, error) {
	bw := bufio.NewWriter(w)

	cols := make([]string, genomisc.Allele2+1)
	n := 0
	for rec := src.Read(); rec != nil; rec = src.Read() {
		row, err := BIMRowFromRecord(rec)
		if err != nil {
			return n, err
		}

		cols[genomisc.Chromosome] = row.Chromosome
		cols[genomisc.VariantID] = row.VariantID
		cols[genomisc.Morgans] = "0"
		cols[genomisc.Coordinate] = strconv.FormatUint(uint64(row.Coordinate), 10)
		cols[genomisc.Allele1] = row.Allele1
		cols[genomisc.Allele2] = row.Allele2

		if _, err := bw.WriteString(strings.Join(cols, "\t") + "\n"); err != nil {
			return n, pfx.Err(err)
		}
		n++
	}
	if err := src.Error(); err != nil {
		return n, err
	}

	if err := bw.Flush(); err != nil {
		return n, pfx.Err(err)
	}
	return n, nil
}

// WriteBIMFile writes every record of src as .bim rows to path. Nothing
// appears under path unless all rows were written.
func WriteBIMFile(path string, src RecordSource) (int, error) {
	af, err := createAtomic(path)
	if err != nil {
		return 0, err
	}
	n, err := WriteBIM(af, src)
	if err != nil {
		af.Abort()
		return n, err
	}
	if err := af.Commit(); err != nil {
		return n, err
	}
	return n, nil
}
