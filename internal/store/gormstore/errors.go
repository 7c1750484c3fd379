package gormstore

import (
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolationCode  = "23505"
	pgLockNotAvailableCode = "55P03"
	pgDeadlockDetectedCode = "40P01"
	pgSerializationFailure = "40001"
	sqlitePrimaryCodeMask  = 0xFF
	sqliteBusyCode         = 5
	sqliteLockedCode       = 6
	sqliteConstraintCode   = 19
)

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&sqlitePrimaryCodeMask == sqliteConstraintCode
	}
	return false
}

// isLockFailure reports database errors that mean the unit lost a lock race
// and may be retried unchanged.
func isLockFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailableCode, pgDeadlockDetectedCode, pgSerializationFailure:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & sqlitePrimaryCodeMask
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
