package postgres

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/sheikh-saqib/coins-ledger-system/internal/models"
)

// Postgres SQLSTATE codes the stores translate into domain errors.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeCheckViolation       = "23514"
	codeUniqueViolation      = "23505"
)

// mapError turns driver errors into the ledger's error taxonomy.
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case codeLockNotAvailable:
		return fmt.Errorf("%s: %w", pqErr.Message, models.ErrTimeout)
	case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
		return fmt.Errorf("%s: %w", pqErr.Message, models.ErrConflict)
	case codeCheckViolation:
		return fmt.Errorf("%s: %w", pqErr.Message, models.ErrInsufficientFunds)
	}
	return err
}
