package quarry

import (
	"errors"
	"fmt"
)

// Standard sentinel errors. Every typed error below reports true for
// errors.Is against its sentinel.
var (
	// ErrNotFound is returned when a query expecting a row returns none.
	ErrNotFound = errors.New("quarry: entity not found")

	// ErrUnmappedEntity is the sentinel for UnmappedEntityError.
	ErrUnmappedEntity = errors.New("quarry: unmapped entity")

	// ErrCompilation is the sentinel for CompilationError.
	ErrCompilation = errors.New("quarry: compilation failed")

	// ErrUnsupportedExpression is the sentinel for UnsupportedExpressionError.
	ErrUnsupportedExpression = errors.New("quarry: unsupported expression")

	// ErrJoinShapeMismatch is the sentinel for JoinShapeMismatchError.
	ErrJoinShapeMismatch = errors.New("quarry: shape mismatch")

	// ErrAmbiguousAlias is the sentinel for AmbiguousAliasError.
	ErrAmbiguousAlias = errors.New("quarry: ambiguous alias")

	// ErrShardingUnresolved is the sentinel for ShardingUnresolvedError.
	ErrShardingUnresolved = errors.New("quarry: sharding unresolved")

	// ErrBatchResultMismatch is the sentinel for BatchResultMismatchError.
	ErrBatchResultMismatch = errors.New("quarry: batch result mismatch")

	// ErrInvalidPaging is returned when a page number or size is not positive.
	ErrInvalidPaging = errors.New("quarry: page number and page size must be positive")

	// ErrMissingWhere is returned when an update or delete has no predicate.
	ErrMissingWhere = errors.New("quarry: update and delete statements require a WHERE clause")
)

// UnmappedEntityError is returned when a type has no entity mapping in the registry.
type UnmappedEntityError struct {
	Type string
}

// Error returns the error string.
func (e *UnmappedEntityError) Error() string {
	return fmt.Sprintf("quarry: entity %s is not mapped", e.Type)
}

// Is reports whether the target error matches UnmappedEntityError.
func (e *UnmappedEntityError) Is(err error) bool {
	return err == ErrUnmappedEntity
}

// NewUnmappedEntityError returns a new UnmappedEntityError for the given type name.
func NewUnmappedEntityError(typ string) *UnmappedEntityError {
	return &UnmappedEntityError{Type: typ}
}

// IsUnmappedEntity returns true if the error is an UnmappedEntityError.
func IsUnmappedEntity(err error) bool {
	if err == nil {
		return false
	}
	var e *UnmappedEntityError
	return errors.As(err, &e)
}

// CompilationError is returned when an expression cannot be translated,
// for example an unknown member or an unmapped method call.
type CompilationError struct {
	Subject string // offending member, method or node
	Reason  string
	Err     error // optional cause
}

// Error returns the error string.
func (e *CompilationError) Error() string {
	msg := fmt.Sprintf("quarry: cannot compile %s: %s", e.Subject, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether the target error matches CompilationError.
func (e *CompilationError) Is(err error) bool {
	return err == ErrCompilation
}

// Unwrap returns the underlying error.
func (e *CompilationError) Unwrap() error {
	return e.Err
}

// NewCompilationError returns a new CompilationError.
func NewCompilationError(subject, reason string) *CompilationError {
	return &CompilationError{Subject: subject, Reason: reason}
}

// IsCompilationError returns true if the error is a CompilationError.
func IsCompilationError(err error) bool {
	if err == nil {
		return false
	}
	var e *CompilationError
	return errors.As(err, &e)
}

// UnsupportedExpressionError is returned for expression shapes the engine
// cannot express in SQL, or for statements exceeding the configured limits.
type UnsupportedExpressionError struct {
	Expr   string
	Reason string
}

// Error returns the error string.
func (e *UnsupportedExpressionError) Error() string {
	return fmt.Sprintf("quarry: unsupported expression %s: %s", e.Expr, e.Reason)
}

// Is reports whether the target error matches UnsupportedExpressionError.
func (e *UnsupportedExpressionError) Is(err error) bool {
	return err == ErrUnsupportedExpression
}

// NewUnsupportedExpressionError returns a new UnsupportedExpressionError.
func NewUnsupportedExpressionError(expr, reason string) *UnsupportedExpressionError {
	return &UnsupportedExpressionError{Expr: expr, Reason: reason}
}

// IsUnsupportedExpression returns true if the error is an UnsupportedExpressionError.
func IsUnsupportedExpression(err error) bool {
	if err == nil {
		return false
	}
	var e *UnsupportedExpressionError
	return errors.As(err, &e)
}

// JoinShapeMismatchError is returned when the branches of a union or a
// recursive CTE project incompatible column lists.
type JoinShapeMismatchError struct {
	Op     string // "union" or "cte"
	Left   int    // column count of the first branch
	Right  int    // column count of the second branch
	Column int    // offending column index, -1 for an arity mismatch
	Detail string
}

// Error returns the error string.
func (e *JoinShapeMismatchError) Error() string {
	if e.Column < 0 {
		return fmt.Sprintf("quarry: %s branches differ in arity (%d vs %d)", e.Op, e.Left, e.Right)
	}
	return fmt.Sprintf("quarry: %s column %d is incompatible: %s", e.Op, e.Column, e.Detail)
}

// Is reports whether the target error matches JoinShapeMismatchError.
func (e *JoinShapeMismatchError) Is(err error) bool {
	return err == ErrJoinShapeMismatch
}

// NewArityMismatchError returns a JoinShapeMismatchError for differing column counts.
func NewArityMismatchError(op string, left, right int) *JoinShapeMismatchError {
	return &JoinShapeMismatchError{Op: op, Left: left, Right: right, Column: -1}
}

// NewColumnMismatchError returns a JoinShapeMismatchError for an incompatible column.
func NewColumnMismatchError(op string, column int, detail string) *JoinShapeMismatchError {
	return &JoinShapeMismatchError{Op: op, Column: column, Detail: detail}
}

// IsJoinShapeMismatch returns true if the error is a JoinShapeMismatchError.
func IsJoinShapeMismatch(err error) bool {
	if err == nil {
		return false
	}
	var e *JoinShapeMismatchError
	return errors.As(err, &e)
}

// AmbiguousAliasError is returned when an alias or a parameter name would
// be assigned twice within one statement.
type AmbiguousAliasError struct {
	Alias string
}

// Error returns the error string.
func (e *AmbiguousAliasError) Error() string {
	return fmt.Sprintf("quarry: alias %q is already in use", e.Alias)
}

// Is reports whether the target error matches AmbiguousAliasError.
func (e *AmbiguousAliasError) Is(err error) bool {
	return err == ErrAmbiguousAlias
}

// NewAmbiguousAliasError returns a new AmbiguousAliasError.
func NewAmbiguousAliasError(alias string) *AmbiguousAliasError {
	return &AmbiguousAliasError{Alias: alias}
}

// IsAmbiguousAlias returns true if the error is an AmbiguousAliasError.
func IsAmbiguousAlias(err error) bool {
	if err == nil {
		return false
	}
	var e *AmbiguousAliasError
	return errors.As(err, &e)
}

// ShardingUnresolvedError is returned when a sharding rule exists for an
// entity but yields no physical table.
type ShardingUnresolvedError struct {
	Entity string
	Values []any
}

// Error returns the error string.
func (e *ShardingUnresolvedError) Error() string {
	if len(e.Values) > 0 {
		return fmt.Sprintf("quarry: no physical table for %s (values=%v)", e.Entity, e.Values)
	}
	return fmt.Sprintf("quarry: no physical table for %s", e.Entity)
}

// Is reports whether the target error matches ShardingUnresolvedError.
func (e *ShardingUnresolvedError) Is(err error) bool {
	return err == ErrShardingUnresolved
}

// NewShardingUnresolvedError returns a new ShardingUnresolvedError.
func NewShardingUnresolvedError(entity string, values ...any) *ShardingUnresolvedError {
	return &ShardingUnresolvedError{Entity: entity, Values: values}
}

// IsShardingUnresolved returns true if the error is a ShardingUnresolvedError.
func IsShardingUnresolved(err error) bool {
	if err == nil {
		return false
	}
	var e *ShardingUnresolvedError
	return errors.As(err, &e)
}

// BatchResultMismatchError is returned when the backend yields fewer
// result sets than the batch expects.
type BatchResultMismatchError struct {
	Expected int
	Got      int
}

// Error returns the error string.
func (e *BatchResultMismatchError) Error() string {
	return fmt.Sprintf("quarry: batch expected %d result sets, got %d", e.Expected, e.Got)
}

// Is reports whether the target error matches BatchResultMismatchError.
func (e *BatchResultMismatchError) Is(err error) bool {
	return err == ErrBatchResultMismatch
}

// NewBatchResultMismatchError returns a new BatchResultMismatchError.
func NewBatchResultMismatchError(expected, got int) *BatchResultMismatchError {
	return &BatchResultMismatchError{Expected: expected, Got: got}
}

// IsBatchResultMismatch returns true if the error is a BatchResultMismatchError.
func IsBatchResultMismatch(err error) bool {
	if err == nil {
		return false
	}
	var e *BatchResultMismatchError
	return errors.As(err, &e)
}

// IsBuildError reports whether err was raised while assembling a statement,
// before anything was sent to the backend.
func IsBuildError(err error) bool {
	for _, target := range []error{
		ErrUnmappedEntity, ErrCompilation, ErrUnsupportedExpression, ErrJoinShapeMismatch,
		ErrAmbiguousAlias, ErrShardingUnresolved, ErrInvalidPaging, ErrMissingWhere,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
