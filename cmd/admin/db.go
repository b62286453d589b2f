package main

import (
	"database/sql"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

type dbFlags struct {
	store  string
	dbPath string
	tick   uint64
	label  uint64
	code   string
	actor  string
	limit  int
}

func newDBCmd(out io.Writer, dataDir *string) *cobra.Command {
	var f dbFlags
	cmd := &cobra.Command{
		Use:   "db snapshots|ticks|intents|rejections|audits",
		Short: "Query the sqlite index of a store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := "snapshots"
			if len(args) > 0 {
				q = strings.TrimSpace(args[0])
			}
			path := strings.TrimSpace(f.dbPath)
			if path == "" {
				if strings.TrimSpace(f.store) == "" {
					return errors.New("missing --store or --db")
				}
				path = filepath.Join(*dataDir, f.store, "index", "store.sqlite")
			}
			db, err := sql.Open("sqlite", path)
			if err != nil {
				return err
			}
			defer db.Close()
			if f.limit <= 0 {
				f.limit = 20
			}
			return runQuery(out, db, q, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.store, "store", "", "store id (required unless --db)")
	fl.StringVar(&f.dbPath, "db", "", "sqlite db path")
	fl.Uint64Var(&f.tick, "tick", 0, "tick filter (intents, rejections)")
	fl.Uint64Var(&f.label, "label", 0, "label filter (intents, audits)")
	fl.StringVar(&f.code, "code", "", "error code filter (rejections)")
	fl.StringVar(&f.actor, "actor", "", "actor filter (audits)")
	fl.IntVar(&f.limit, "limit", 20, "result limit")
	return cmd
}

type snapshotRow struct {
	Tick   uint64 `json:"tick"`
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Labels int    `json:"labels"`
	Owned  int    `json:"owned"`
	Fields int    `json:"fields"`
}

type tickRow struct {
	Tick     uint64 `json:"tick"`
	Digest   string `json:"digest"`
	Intents  int    `json:"intents"`
	Applied  int    `json:"applied"`
	Rejected int    `json:"rejected"`
}

type intentRow struct {
	Tick      uint64          `json:"tick"`
	Seq       uint64          `json:"seq"`
	Submitter string          `json:"submitter,omitempty"`
	Kind      string          `json:"kind"`
	Label     uint64          `json:"label,omitempty"`
	Intent    json.RawMessage `json:"intent"`
}

type rejectionRow struct {
	Tick   uint64 `json:"tick"`
	Seq    uint64 `json:"seq"`
	Kind   string `json:"kind"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

type auditRow struct {
	Tick      uint64 `json:"tick"`
	Seq       uint64 `json:"seq"`
	Actor     string `json:"actor,omitempty"`
	Action    string `json:"action"`
	Label     uint64 `json:"label"`
	Successor uint64 `json:"successor,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// where builds an AND clause from the non-zero filters.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, arg)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func runQuery(out io.Writer, db *sql.DB, q string, f dbFlags) error {
	var w where
	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,digest,labels,owned,fields FROM snapshots ORDER BY tick DESC LIMIT ?`, f.limit)
		if err != nil {
			return errors.Wrap(err, "query")
		}
		defer rows.Close()
		for rows.Next() {
			var r snapshotRow
			if err := rows.Scan(&r.Tick, &r.Path, &r.Digest, &r.Labels, &r.Owned, &r.Fields); err != nil {
				return errors.Wrap(err, "scan")
			}
			printJSON(out, r)
		}
		return rows.Err()

	case "ticks":
		rows, err := db.Query(`SELECT tick,digest,intents,applied,rejected FROM ticks ORDER BY tick DESC LIMIT ?`, f.limit)
		if err != nil {
			return errors.Wrap(err, "query")
		}
		defer rows.Close()
		for rows.Next() {
			var r tickRow
			if err := rows.Scan(&r.Tick, &r.Digest, &r.Intents, &r.Applied, &r.Rejected); err != nil {
				return errors.Wrap(err, "scan")
			}
			printJSON(out, r)
		}
		return rows.Err()

	case "intents":
		if f.tick != 0 {
			w.add("tick=?", f.tick)
		}
		if f.label != 0 {
			w.add("label=?", f.label)
		}
		rows, err := db.Query(`SELECT tick,seq,submitter,kind,label,intent_json FROM intents`+w.String()+` ORDER BY tick DESC, seq DESC LIMIT ?`, append(w.args, f.limit)...)
		if err != nil {
			return errors.Wrap(err, "query")
		}
		defer rows.Close()
		for rows.Next() {
			var r intentRow
			var raw string
			if err := rows.Scan(&r.Tick, &r.Seq, &r.Submitter, &r.Kind, &r.Label, &raw); err != nil {
				return errors.Wrap(err, "scan")
			}
			r.Intent = json.RawMessage(raw)
			printJSON(out, r)
		}
		return rows.Err()

	case "rejections":
		if f.tick != 0 {
			w.add("tick=?", f.tick)
		}
		if f.code != "" {
			w.add("code=?", f.code)
		}
		rows, err := db.Query(`SELECT tick,seq,kind,code,COALESCE(reason,'') FROM rejections`+w.String()+` ORDER BY tick DESC, seq DESC LIMIT ?`, append(w.args, f.limit)...)
		if err != nil {
			return errors.Wrap(err, "query")
		}
		defer rows.Close()
		for rows.Next() {
			var r rejectionRow
			if err := rows.Scan(&r.Tick, &r.Seq, &r.Kind, &r.Code, &r.Reason); err != nil {
				return errors.Wrap(err, "scan")
			}
			printJSON(out, r)
		}
		return rows.Err()

	case "audits":
		if f.label != 0 {
			w.add("(label=? OR successor=?)", f.label)
			w.args = append(w.args, f.label)
		}
		if f.actor != "" {
			w.add("actor=?", f.actor)
		}
		rows, err := db.Query(`SELECT tick,seq,actor,action,label,successor,COALESCE(reason,'') FROM audits`+w.String()+` ORDER BY tick DESC, seq DESC LIMIT ?`, append(w.args, f.limit)...)
		if err != nil {
			return errors.Wrap(err, "query")
		}
		defer rows.Close()
		for rows.Next() {
			var r auditRow
			if err := rows.Scan(&r.Tick, &r.Seq, &r.Actor, &r.Action, &r.Label, &r.Successor, &r.Reason); err != nil {
				return errors.Wrap(err, "scan")
			}
			printJSON(out, r)
		}
		return rows.Err()

	default:
		return errors.Newf("unknown query %q (want snapshots|ticks|intents|rejections|audits)", q)
	}
}
