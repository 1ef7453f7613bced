package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditStore persists policy-evaluation audit entries next to their
// session snapshots so both survive a restart together.
type AuditStore struct {
	db *pgxpool.Pool
}

func NewAuditStore(db *pgxpool.Pool) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Append(ctx context.Context, e *domain.AuditEntry) error {
	violations, err := json.Marshal(e.Violations)
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO audit_entries (id, session_id, rule_set, verdict, violations, action_type, amount, currency, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.SessionID, e.RuleSet, e.Verdict, violations, e.ActionType, e.Amount, e.Currency, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *AuditStore) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]domain.AuditEntry, error) {
	return s.list(ctx,
		`SELECT id, session_id, rule_set, verdict, violations, action_type, amount, currency, created_at
		 FROM audit_entries WHERE session_id = $1
		 ORDER BY created_at`,
		sessionID,
	)
}

func (s *AuditStore) ListRecent(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx,
		`SELECT id, session_id, rule_set, verdict, violations, action_type, amount, currency, created_at
		 FROM audit_entries
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
}

func (s *AuditStore) list(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var violations []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RuleSet, &e.Verdict, &violations, &e.ActionType, &e.Amount, &e.Currency, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if len(violations) > 0 {
			if err := json.Unmarshal(violations, &e.Violations); err != nil {
				return nil, fmt.Errorf("unmarshal violations: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
