package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository menulis dan membaca tabel authz_audit.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert appends an entry.
func (r *PGRepository) Insert(ctx context.Context, entry Entry) error {
	var detail []byte
	if len(entry.Detail) > 0 {
		var err error
		detail, err = json.Marshal(entry.Detail)
		if err != nil {
			return err
		}
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO authz_audit (subject_id, menu_code, action_kind, outcome, actor, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.SubjectID, entry.MenuCode, entry.ActionKind, string(entry.Outcome), entry.Actor, detail, entry.At)
	return err
}

// Timeline returns one window of entries, newest first.
func (r *PGRepository) Timeline(ctx context.Context, q TimelineQuery) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, subject_id, menu_code, action_kind, outcome, actor, detail, occurred_at
		FROM authz_audit
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at < $2)
		  AND ($3::text IS NULL OR actor = $3)
		  AND ($4::text IS NULL OR subject_id = $4)
		  AND ($5::text IS NULL OR menu_code = $5)
		  AND ($6::text IS NULL OR action_kind = $6)
		  AND ($7::text IS NULL OR outcome = $7)
		ORDER BY occurred_at DESC, id DESC
		OFFSET $8 LIMIT $9`,
		toPgTime(q.From), toPgTime(q.To),
		optionalText(q.Actor), optionalText(q.Subject), optionalText(q.Menu),
		optionalText(q.ActionKind), optionalText(q.Outcome),
		q.Offset, q.Limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e       Entry
			outcome string
			detail  []byte
		)
		if err := row.Scan(&e.ID, &e.SubjectID, &e.MenuCode, &e.ActionKind, &outcome, &e.Actor, &detail, &e.At); err != nil {
			return Entry{}, err
		}
		e.Outcome = Outcome(outcome)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return Entry{}, err
			}
		}
		return e, nil
	})
}

// RepeatedDenials aggregates check denials since the given instant.
func (r *PGRepository) RepeatedDenials(ctx context.Context, since time.Time, threshold int) ([]DenialHotspot, error) {
	rows, err := r.pool.Query(ctx, `SELECT subject_id, menu_code, COUNT(*) AS denials, MAX(occurred_at)
		FROM authz_audit
		WHERE action_kind = $1 AND outcome = $2 AND occurred_at >= $3
		GROUP BY subject_id, menu_code
		HAVING COUNT(*) >= $4
		ORDER BY denials DESC, subject_id, menu_code`,
		KindCheck, string(OutcomeDeny), since, threshold)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (DenialHotspot, error) {
		var h DenialHotspot
		err := row.Scan(&h.SubjectID, &h.MenuCode, &h.Denials, &h.LastAt)
		return h, err
	})
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
