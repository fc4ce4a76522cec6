package audit

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/lib/pq"

	"github.com/hadijannat/TwinOps/pkg/contracts"
)

// PostgresProjector mirrors committed audit entries into a Postgres table
// for query convenience. It is never the log of record; Verify always
// re-derives the hash chain from the JSONL file, never from this table.
type PostgresProjector struct {
	db *sql.DB
}

func NewPostgresProjector(db *sql.DB) *PostgresProjector {
	return &PostgresProjector{db: db}
}

// Project satisfies audit.Projector.
func (p *PostgresProjector) Project(entry contracts.AuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}

	_, err = p.db.Exec(
		`INSERT INTO audit_entries
			(seq, ts, actor, roles, event, tool, args_digest, decision, result_digest, details, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (seq) DO NOTHING`,
		entry.Seq, entry.TS, entry.Actor, pq.Array(entry.Roles), entry.Event, entry.Tool,
		entry.ArgsDigest, entry.Decision, entry.ResultDigest, details, entry.PrevHash, entry.Hash,
	)
	if err != nil {
		slog.Error("audit: postgres projection failed", "seq", entry.Seq, "error", err)
	}
	return err
}
