// Package supervisor provides the failure classification, retry policy and
// error history shared by every I/O performing component.
package supervisor

import (
	"context"
	"database/sql/driver"
	stderrors "errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ajitpratap0/starsync/pkg/errors"
)

// Class is the recovery class of a failure.
type Class string

const (
	// ClassTransient failures are retried with backoff
	ClassTransient Class = "transient"
	// ClassData failures affect one row, are never retried and go to dead-letter
	ClassData Class = "data"
	// ClassFatal failures halt the job
	ClassFatal Class = "fatal"
)

// MySQL/StarRocks error numbers.
const (
	mysqlDupEntry          = 1062
	mysqlBadNull           = 1048
	mysqlTooManyConns      = 1040
	mysqlServerShutdown    = 1053
	mysqlAccessDenied      = 1045
	mysqlUnknownDB         = 1049
	mysqlLockWaitTimeout   = 1205
	mysqlDeadlock          = 1213
	mysqlNoSuchTable       = 1146
	mysqlDataOutOfRange    = 1264
	mysqlDataTruncated     = 1265
	mysqlTruncatedWrongVal = 1292
	mysqlIncorrectValue    = 1366
	mysqlDataTooLong       = 1406
)

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"rate limit",
	"deadlock",
	"i/o error",
	"too many versions",
	"try again",
}

// Classify maps err onto a recovery class.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	if stderrors.Is(err, context.Canceled) {
		return ClassFatal
	}

	// Structured types are authoritative when present.
	var se *errors.Error
	if stderrors.As(err, &se) {
		switch se.Type {
		case errors.ErrorTypeData, errors.ErrorTypeValidation:
			return ClassData
		case errors.ErrorTypeConfig, errors.ErrorTypeReplication:
			return ClassFatal
		case errors.ErrorTypeConnection, errors.ErrorTypeTimeout, errors.ErrorTypeRateLimit, errors.ErrorTypeCheckpoint:
			return ClassTransient
		}
		// other types fall through to the cause
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		return classifyMySQL(myErr)
	}

	if stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, driver.ErrBadConn) ||
		stderrors.Is(err, mysql.ErrInvalidConn) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return ClassTransient
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}

	return ClassFatal
}

func classifySQLState(code string) Class {
	switch {
	case pgerrcode.IsConnectionException(code),
		pgerrcode.IsTransactionRollback(code),
		pgerrcode.IsInsufficientResources(code),
		code == pgerrcode.AdminShutdown,
		code == pgerrcode.CrashShutdown,
		code == pgerrcode.CannotConnectNow,
		code == pgerrcode.QueryCanceled,
		code == pgerrcode.LockNotAvailable:
		return ClassTransient
	case pgerrcode.IsDataException(code),
		pgerrcode.IsIntegrityConstraintViolation(code):
		return ClassData
	default:
		// invalid authorization, undefined objects (slot or publication gone),
		// object not in prerequisite state (slot invalidated) and the rest
		return ClassFatal
	}
}

func classifyMySQL(err *mysql.MySQLError) Class {
	switch err.Number {
	case mysqlDataOutOfRange, mysqlDataTruncated, mysqlTruncatedWrongVal,
		mysqlIncorrectValue, mysqlDataTooLong, mysqlBadNull, mysqlDupEntry:
		return ClassData
	case mysqlTooManyConns, mysqlServerShutdown, mysqlLockWaitTimeout, mysqlDeadlock:
		return ClassTransient
	case mysqlAccessDenied, mysqlUnknownDB, mysqlNoSuchTable:
		return ClassFatal
	}

	msg := strings.ToLower(err.Message)
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassFatal
}

// IsSlotInvalidated reports whether err means the replication slot can no
// longer serve changes and the job must be re-initialised from a snapshot.
func IsSlotInvalidated(err error) bool {
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.ObjectNotInPrerequisiteState:
		return strings.Contains(pgErr.Message, "replication slot")
	case pgerrcode.UndefinedObject:
		return strings.Contains(pgErr.Message, "replication slot")
	}
	return false
}
