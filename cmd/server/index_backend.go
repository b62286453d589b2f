package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/hu6789/MacroImmunet-demo/internal/persistence/indexdb"
	"github.com/hu6789/MacroImmunet-demo/internal/sim/center"
)

// openIndex opens the sqlite read model under storeDir. LC_INDEX_BACKEND=none
// disables it like --disable-db.
func openIndex(storeDir string, disable bool) (*indexdb.SQLiteIndex, error) {
	if disable {
		return nil, nil
	}
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("LC_INDEX_BACKEND")))
	switch backend {
	case "", "sqlite":
		return indexdb.OpenSQLite(filepath.Join(storeDir, "index", "store.sqlite"))
	case "none", "off", "disabled":
		return nil, nil
	default:
		return nil, errors.Newf("unsupported LC_INDEX_BACKEND: %s", backend)
	}
}

// tickTee fans a tick entry out to every logger. The JSONL log comes first and is
// the only one whose error is reported.
type tickTee []center.TickLogger

func (t tickTee) WriteTick(entry center.TickLogEntry) error {
	var first error
	for i, l := range t {
		if err := l.WriteTick(entry); err != nil && i == 0 {
			first = err
		}
	}
	return first
}

type auditTee []center.AuditLogger

func (t auditTee) WriteAudit(entry center.AuditEntry) error {
	var first error
	for i, l := range t {
		if err := l.WriteAudit(entry); err != nil && i == 0 {
			first = err
		}
	}
	return first
}
