package cpra

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"
)

// DefaultBlockRecords is the number of records packed into a block unless
// IndexOptions says otherwise.
const DefaultBlockRecords = 4096

// IndexOptions control how BuildIndexed packs a stream.
type IndexOptions struct {
	Compression Compression

	// BlockRecords is the target number of records per block. A block may
	// hold more so that all records of one position stay together, and fewer
	// at the end of a chromosome.
	BlockRecords int
}

// blockPacker accumulates the encoded lines of the current block.
type blockPacker struct {
	opts   IndexOptions
	out    *atomicFile
	offset int64

	current BlockIndex
	raw     []byte
	packed  []byte
	blocks  []BlockIndex
}

func (p *blockPacker) add(rec *Record, line []byte) error {
	c := &p.current
	if c.NRecords > 0 && (rec.Key.Chrom != c.Chromosome || (c.NRecords >= p.opts.BlockRecords && rec.Key.Pos != c.LastPosition)) {
		if err := p.flush(); err != nil {
			return err
		}
	}
	if c.NRecords == 0 {
		c.Chromosome = rec.Key.Chrom
		c.FirstPosition = rec.Key.Pos
	}
	c.LastPosition = rec.Key.Pos
	c.NRecords++
	p.raw = append(p.raw, line...)
	return nil
}

func (p *blockPacker) flush() error {
	if p.current.NRecords == 0 {
		return nil
	}
	var err error
	p.packed, err = compressBlock(p.opts.Compression, p.packed, p.raw)
	if err != nil {
		return pfx.Err(err)
	}
	if _, err := p.out.Write(p.packed); err != nil {
		return pfx.Err(err)
	}

	p.current.FileStartPosition = p.offset
	p.current.SizeInBytes = int64(len(p.packed))
	p.offset += p.current.SizeInBytes
	p.blocks = append(p.blocks, p.current)

	p.current = BlockIndex{}
	p.raw = p.raw[:0]
	return nil
}

// BuildIndexed packs the sorted stream at in into compressed blocks under
// out and writes the block index to out+IndexSuffix. Nothing appears under
// either path unless the whole stream was valid and both files were written.
func BuildIndexed(ctx context.Context, opener *Opener, schema *Schema, in, out string, opts IndexOptions) (*IndexMetadata, error) {
	if opts.BlockRecords < 1 {
		opts.BlockRecords = DefaultBlockRecords
	}

	r, err := opener.OpenReader(ctx, in, schema, ReaderOptions{AllowExtraFields: true})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	af, err := createAtomic(out)
	if err != nil {
		return nil, err
	}
	if _, err := af.Write([]byte(MagicNumber)); err != nil {
		af.Abort()
		return nil, pfx.Err(err)
	}

	p := &blockPacker{opts: opts, out: af, offset: int64(len(MagicNumber))}
	meta := &IndexMetadata{
		Filename: filepath.Base(out),
		Codec:    opts.Compression.String(),
		Header:   string(appendLine(nil, append(KeyFields[:len(KeyFields):len(KeyFields)], r.Fields()...))),
	}
	meta.Header = meta.Header[:len(meta.Header)-1]

	var (
		prev *Record
		cols []string
		line []byte
	)
	for rec := r.Read(); rec != nil; rec = r.Read() {
		if prev != nil && rec.Key.Compare(prev.Key) <= 0 {
			af.Abort()
			return nil, &OrderingError{File: r.Name, Line: r.Line(), Previous: prev.Key, Current: rec.Key}
		}
		prev = rec

		cols = append(cols[:0], Chromosome(rec.Key.Chrom), strconv.FormatInt(rec.Key.Pos, 10), rec.Key.Ref, rec.Key.Alt)
		for _, v := range rec.Values {
			cols = append(cols, v.Format())
		}
		line = appendLine(line[:0], cols)
		if err := p.add(rec, line); err != nil {
			af.Abort()
			return nil, err
		}
		meta.NRecords++
	}
	if err := r.Error(); err != nil {
		af.Abort()
		return nil, err
	}
	if err := p.flush(); err != nil {
		af.Abort()
		return nil, err
	}
	meta.FileSize = p.offset

	idxPart, err := writeBlockIndex(out+IndexSuffix, meta, p.blocks)
	if err != nil {
		af.Abort()
		return nil, err
	}
	if err := af.Commit(); err != nil {
		os.Remove(idxPart)
		return nil, err
	}
	if err := renameDurable(idxPart, out+IndexSuffix); err != nil {
		os.Remove(idxPart)
		return nil, err
	}

	log.Printf("Indexed %d variants into %d %s blocks (%s)\n", meta.NRecords, len(p.blocks), meta.Codec, bytefmt.ByteSize(uint64(meta.FileSize)))
	return meta, nil
}

// writeBlockIndex writes a new SQLite index to a part file beside path and
// returns the part file's name. The caller renames it into place.
func writeBlockIndex(path string, meta *IndexMetadata, blocks []BlockIndex) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*"+partSuffix)
	if err != nil {
		return "", pfx.Err(err)
	}
	part := f.Name()
	f.Close()

	if err := fillBlockIndex(part, meta, blocks); err != nil {
		os.Remove(part)
		return "", err
	}

	f, err = os.Open(part)
	if err != nil {
		os.Remove(part)
		return "", pfx.Err(err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		os.Remove(part)
		return "", pfx.Err(err)
	}
	return part, nil
}

func fillBlockIndex(path string, meta *IndexMetadata, blocks []BlockIndex) error {
	db, err := openIndexDB(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer db.Close()

	if _, err := db.Exec(indexSchema); err != nil {
		return pfx.Err(err)
	}

	tx, err := db.Beginx()
	if err != nil {
		return pfx.Err(err)
	}
	if err := insertBlocks(tx, blocks); err != nil {
		tx.Rollback()
		return err
	}

	meta.IndexCreationTime = Time(time.Now())
	if _, err := tx.Exec(`INSERT INTO Metadata (filename, file_size, codec, header, number_of_records, index_creation_time) VALUES (?, ?, ?, ?, ?, ?)`,
		meta.Filename, meta.FileSize, meta.Codec, meta.Header, meta.NRecords, time.Time(meta.IndexCreationTime).Unix()); err != nil {
		tx.Rollback()
		return pfx.Err(err)
	}

	if err := tx.Commit(); err != nil {
		return pfx.Err(err)
	}
	if err := db.Close(); err != nil {
		return pfx.Err(err)
	}
	return nil
}

func insertBlocks(tx *sqlx.Tx, blocks []BlockIndex) error {
	stmt, err := tx.PrepareNamed(`INSERT INTO Block (chromosome, first_position, last_position, file_start_position, size_in_bytes, number_of_records)
	VALUES (:chromosome, :first_position, :last_position, :file_start_position, :size_in_bytes, :number_of_records)`)
	if err != nil {
		return pfx.Err(err)
	}
	defer stmt.Close()

	for _, b := range blocks {
		if _, err := stmt.Exec(b); err != nil {
			return pfx.Err(err)
		}
	}
	return nil
}
