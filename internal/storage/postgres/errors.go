package postgres

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

// mapError translates driver errors into the importer taxonomy. onUnique is
// the sentinel a unique violation should become for the calling operation.
// When constraints are named, only violations of those constraints map to
// onUnique.
func mapError(op string, err error, onUnique error, constraints ...string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			if onUnique != nil && (len(constraints) == 0 || slices.Contains(constraints, pgErr.ConstraintName)) {
				return fmt.Errorf("%s: %w", op, onUnique)
			}
		case pgerrcode.TooManyConnections,
			pgerrcode.CannotConnectNow,
			pgerrcode.SerializationFailure,
			pgerrcode.DeadlockDetected,
			pgerrcode.LockNotAvailable:
			return fmt.Errorf("%s: %w: %s", op, importer.ErrRateLimited, pgErr.Code)
		case pgerrcode.CheckViolation, pgerrcode.NotNullViolation, pgerrcode.StringDataRightTruncationDataException:
			return fmt.Errorf("%s: %w: %s", op, importer.ErrValidation, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
