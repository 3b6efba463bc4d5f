package cpra

import (
	"path/filepath"
	"strings"
)

// WhichSQLiteDriver names the database/sql driver used for block indexes. It
// depends on whether the package was built with cgo.
func WhichSQLiteDriver() string {
	return whichSQLiteDriver
}

// PhenoName derives a phenotype's name from the path of its association
// stream by dropping the directory and any compression and format
// extensions.
func PhenoName(path string) string {
	name := filepath.Base(path)
	for _, ext := range []string{".gz", ".xz", ".zst", ".tsv", ".txt"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}
