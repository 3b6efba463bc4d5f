package cpra

import (
	"github.com/jmoiron/sqlx"
)

// IndexSuffix names the SQLite block index that accompanies an indexed store.
const IndexSuffix = ".idx"

// MagicNumber opens every indexed store's data file.
const MagicNumber = "cpra"

const indexSchema = `
CREATE TABLE Block (
	chromosome INTEGER NOT NULL,
	first_position INTEGER NOT NULL,
	last_position INTEGER NOT NULL,
	file_start_position INTEGER NOT NULL,
	size_in_bytes INTEGER NOT NULL,
	number_of_records INTEGER NOT NULL
);
CREATE INDEX Block_chromosome_first_position ON Block (chromosome, first_position);
CREATE TABLE Metadata (
	filename TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	codec TEXT NOT NULL,
	header TEXT NOT NULL,
	number_of_records INTEGER NOT NULL,
	index_creation_time INTEGER NOT NULL
);
`

// BlockIndex conforms to the rows of the SQLite table "Block" and can be
// easily parsed with sqlx. Chromosome is the chromosome rank. A block never
// spans two chromosomes and never splits the records of one position.
type BlockIndex struct {
	Chromosome        int   `db:"chromosome"`
	FirstPosition     int64 `db:"first_position"`
	LastPosition      int64 `db:"last_position"`
	FileStartPosition int64 `db:"file_start_position"`
	SizeInBytes       int64 `db:"size_in_bytes"`
	NRecords          int   `db:"number_of_records"`
}

// IndexMetadata conforms to the single row of the SQLite table "Metadata".
type IndexMetadata struct {
	Filename          string `db:"filename"`
	FileSize          int64  `db:"file_size"`
	Codec             string `db:"codec"`
	Header            string `db:"header"`
	NRecords          int64  `db:"number_of_records"`
	IndexCreationTime Time   `db:"index_creation_time"`
}

// BlockIndexDB is an open block index.
type BlockIndexDB struct {
	DB       *sqlx.DB
	Metadata *IndexMetadata
}

func (b *BlockIndexDB) Close() error {
	return b.DB.Close()
}

// OpenBlockIndex opens the index at path for reading.
func OpenBlockIndex(path string) (*BlockIndexDB, error) {
	db, err := openIndexDB(path)
	if err != nil {
		return nil, err
	}
	idx := &BlockIndexDB{
		DB:       db,
		Metadata: &IndexMetadata{},
	}

	if err := idx.DB.Get(idx.Metadata, "SELECT * FROM Metadata LIMIT 1"); err != nil {
		db.Close()
		return nil, err
	}

	return idx, nil
}

// blocksOverlapping returns, in file order, the blocks of chromosome rank
// chrom that may hold positions in [start, end). The first candidate is the
// last block starting at or before start; later blocks qualify while they
// start before end.
func (b *BlockIndexDB) blocksOverlapping(chrom int, start, end int64) ([]BlockIndex, error) {
	var blocks []BlockIndex
	err := b.DB.Select(&blocks, `
	SELECT * FROM Block
	WHERE chromosome = ?
	AND first_position >= (
		SELECT COALESCE(MAX(first_position), 0) FROM Block
		WHERE chromosome = ? AND first_position <= ?
	)
	AND first_position < ?
	ORDER BY first_position`, chrom, chrom, start, end)
	return blocks, err
}

// blocksAt returns the block that holds position pos of chromosome chrom, if
// any.
func (b *BlockIndexDB) blocksAt(chrom int, pos int64) ([]BlockIndex, error) {
	var blocks []BlockIndex
	err := b.DB.Select(&blocks, `
	SELECT * FROM Block
	WHERE chromosome = ? AND first_position <= ? AND last_position >= ?
	ORDER BY first_position`, chrom, pos, pos)
	return blocks, err
}
