package users

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestUniqueViolationDetection(t *testing.T) {
	wrapped := fmt.Errorf("users: insert: %w", &pgconn.PgError{Code: "23505"})
	require.True(t, isUniqueViolation(wrapped))

	require.False(t, isUniqueViolation(fmt.Errorf("users: insert: %w", &pgconn.PgError{Code: "23503"})))
	require.False(t, isUniqueViolation(errors.New("users: insert: connection reset")))
	require.False(t, isUniqueViolation(nil))
}
