package database

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kosarica/marketplace-service/internal/errx"
)

// Postgres SQLSTATE codes this service reacts to
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
)

// IsNoRows reports whether err is pgx.ErrNoRows
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// ConstraintName returns the violated constraint for a Postgres error
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// MapError converts constraint violations into operational errors. Other
// errors, including transient connection failures, are returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case uniqueViolation:
		return errx.Conflict("duplicate value violates %s", pgErr.ConstraintName).Wrap(err)
	case foreignKeyViolation:
		return errx.NotFound("referenced row does not exist (%s)", pgErr.ConstraintName).Wrap(err)
	case checkViolation:
		return errx.Invalid("value violates %s", pgErr.ConstraintName).Wrap(err)
	}
	return err
}
