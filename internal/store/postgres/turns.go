package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/askdb/askdb/internal/session"
)

// TurnRepository is the durable append-only audit log of conversation turns.
type TurnRepository struct {
	db *sql.DB
}

func NewTurnRepository(db *sql.DB) *TurnRepository {
	return &TurnRepository{db: db}
}

func (r *TurnRepository) AppendTurn(ctx context.Context, sessionID string, turn session.Turn) error {
	query := `
INSERT INTO conversation_turn (turn_id, session_id, role, text, database_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	var payload any
	if len(turn.Payload) > 0 {
		payload = []byte(turn.Payload)
	}
	if _, err := r.db.ExecContext(ctx, query, turn.TurnID, sessionID, string(turn.Role), turn.Text, turn.DatabaseID, payload, turn.CreatedAt); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// ListTurns returns a session's turns in insertion order.
func (r *TurnRepository) ListTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT turn_id, role, text, database_id, payload, created_at
FROM conversation_turn
WHERE session_id = $1
ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]session.Turn, 0)
	for rows.Next() {
		var turn session.Turn
		var role string
		var payload []byte
		if err := rows.Scan(&turn.TurnID, &role, &turn.Text, &turn.DatabaseID, &payload, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Role = session.Role(role)
		if len(payload) > 0 {
			turn.Payload = payload
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}
