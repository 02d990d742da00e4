package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{"pgx", &pgconn.PgError{Code: "23505"}, true},
		{"pq", &pq.Error{Code: "23505"}, true},
		{"sqlite", errors.New("UNIQUE constraint failed: entitlements.user_id, entitlements.item_id"), true},
		{"mysql", errors.New("Error 1062: Duplicate entry"), true},
		{"other", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsDuplicateKeyErr(tc.err); got != tc.want {
				t.Fatalf("IsDuplicateKeyErr(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestLockAndSerializationCodes(t *testing.T) {
	if !IsLockNotAvailable(&pgconn.PgError{Code: "55P03"}) {
		t.Fatalf("expected lock not available")
	}
	if !IsSerializationFailure(&pq.Error{Code: "40001"}) {
		t.Fatalf("expected serialization failure")
	}
	if IsDriverError(gorm.ErrRecordNotFound) {
		t.Fatalf("record not found is not a driver error")
	}
}
