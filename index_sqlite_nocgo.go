//go:build !cgo

package cpra

// If cgo is not enabled, we will use the modernc.org/sqlite non-cgo sqlite
// driver. It is slower than the sqlite3 cgo driver.

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

const whichSQLiteDriver = "sqlite"

func openIndexDB(path string) (*sqlx.DB, error) {
	// URI filenames have to begin with 'file:'; see
	// https://www.sqlite.org/c3ref/open.html . It seems that sqlite3 permitted
	// URI filenames without the file: prefix, but that is not standard.
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}

	db, err := sqlx.Connect(whichSQLiteDriver, path)
	if err != nil {
		return nil, err
	}

	// See https://www.rockyourcode.com/til-sqlite-foreign-key-support-with-go/
	// and https://twitter.com/frioux/status/1483235674228596739
	_, err = db.DB.Exec(`
	PRAGMA journal_mode = OFF;
	PRAGMA synchronous = OFF;
	PRAGMA auto_vacuum = NONE;
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to set pragmas: %w", err)
	}

	return db, nil
}
