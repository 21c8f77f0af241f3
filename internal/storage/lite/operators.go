package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/storage"
)

// CreateOperator inserts a new operator. Returns storage.ErrConflict if operator_id is taken.
func (s *Store) CreateOperator(ctx context.Context, op model.Operator) (model.Operator, error) {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operators (id, operator_id, name, role, api_key_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID, op.OperatorID, op.Name, string(op.Role), op.APIKeyHash, ns(op.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Operator{}, fmt.Errorf("lite: operator %s: %w", op.OperatorID, storage.ErrConflict)
		}
		return model.Operator{}, fmt.Errorf("lite: create operator: %w", err)
	}
	return op, nil
}

// GetOperator retrieves an operator by operator_id.
func (s *Store) GetOperator(ctx context.Context, operatorID string) (model.Operator, error) {
	var op model.Operator
	var hash sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, operator_id, name, role, api_key_hash, created_at
		 FROM operators WHERE operator_id = ?`, operatorID,
	).Scan(&op.ID, &op.OperatorID, &op.Name, &op.Role, &hash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Operator{}, fmt.Errorf("lite: operator %s: %w", operatorID, storage.ErrNotFound)
		}
		return model.Operator{}, fmt.Errorf("lite: get operator: %w", err)
	}
	op.APIKeyHash = stringPtr(hash)
	op.CreatedAt = fromNS(created)
	return op, nil
}
