package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arbiterlabs/arbiter/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// SessionStore persists session snapshots. The full record is stored as a
// JSON document next to the columns queries filter on, so a snapshot
// restores exactly what was saved — including a pending escalation after a
// process restart.
type SessionStore struct {
	db *pgxpool.Pool
}

func NewSessionStore(db *pgxpool.Pool) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Save(ctx context.Context, rec *domain.SessionRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	var embedding *pgvector.Vector
	if len(rec.Embedding) > 0 {
		v := pgvector.NewVector(rec.Embedding)
		embedding = &v
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO sessions (id, state, human_status, reason_code, input_text, record, embedding, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id)
		 DO UPDATE SET state = EXCLUDED.state,
		               human_status = EXCLUDED.human_status,
		               reason_code = EXCLUDED.reason_code,
		               record = EXCLUDED.record,
		               embedding = EXCLUDED.embedding,
		               updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.State, rec.HumanStatus, rec.ReasonCode, rec.InputText, doc, embedding, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.SessionRecord, error) {
	var doc []byte
	var embedding *pgvector.Vector
	err := s.db.QueryRow(ctx,
		`SELECT record, embedding FROM sessions WHERE id = $1`, id,
	).Scan(&doc, &embedding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return unmarshalSession(doc, embedding)
}

func (s *SessionStore) ListPendingEscalations(ctx context.Context) ([]domain.SessionRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT record, embedding FROM sessions
		 WHERE human_status = $1 AND state <> $2
		 ORDER BY created_at`,
		domain.HumanPending, domain.StateTerminal,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.SessionRecord
	for rows.Next() {
		var doc []byte
		var embedding *pgvector.Vector
		if err := rows.Scan(&doc, &embedding); err != nil {
			return nil, err
		}
		rec, err := unmarshalSession(doc, embedding)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// FindSimilar retrieves terminal sessions closest to the given embedding,
// for precedent recall on escalation summaries.
func (s *SessionStore) FindSimilar(ctx context.Context, embedding []float32, limit int) ([]domain.Precedent, error) {
	if limit <= 0 {
		limit = 3
	}
	vec := pgvector.NewVector(embedding)

	rows, err := s.db.Query(ctx,
		`SELECT id, input_text, record, 1 - (embedding <=> $1) AS score
		 FROM sessions
		 WHERE state = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		vec, domain.StateTerminal, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("precedent query: %w", err)
	}
	defer rows.Close()

	var precedents []domain.Precedent
	for rows.Next() {
		var p domain.Precedent
		var doc []byte
		if err := rows.Scan(&p.SessionID, &p.InputText, &doc, &p.Score); err != nil {
			return nil, fmt.Errorf("scan precedent row: %w", err)
		}
		rec, err := unmarshalSession(doc, nil)
		if err != nil {
			return nil, err
		}
		p.Verdict = rec.PolicyVerdict
		p.ReasonCode = rec.ReasonCode
		precedents = append(precedents, p)
	}
	return precedents, rows.Err()
}

// unmarshalSession restores a record from its JSON document. The embedding
// lives in its own vector column, not the document, so it is spliced back in
// here when the caller selected it.
func unmarshalSession(doc []byte, embedding *pgvector.Vector) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if embedding != nil {
		rec.Embedding = embedding.Slice()
	}
	return &rec, nil
}
