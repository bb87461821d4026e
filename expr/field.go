package expr

import "cmp"

// Field is a typed member reference that provides type-safe predicate methods.
// Declare one per entity member and reuse it across queries:
//
//	var (
//	    UserName = expr.Field[string]("Name")
//	    UserAge  = expr.Ordered[int]("Age")
//	)
//	q.Where(UserAge.GT(18))
type Field[T any] string

// Name returns the member name.
func (f Field[T]) Name() string { return string(f) }

// Ref returns the member reference on table 0.
func (f Field[T]) Ref() Member { return C(string(f)) }

// On returns the member reference on the given table.
func (f Field[T]) On(table int) Member { return Member{Table: table, Path: splitPath([]string{string(f)})} }

// EQ returns a predicate that checks if the field equals the given value.
func (f Field[T]) EQ(v T) Binary { return Eq(f.Ref(), v) }

// NEQ returns a predicate that checks if the field does not equal the given value.
func (f Field[T]) NEQ(v T) Binary { return Ne(f.Ref(), v) }

// In returns a predicate that checks if the field value is in the given list.
func (f Field[T]) In(vs ...T) Call {
	args := make([]any, len(vs))
	for i, v := range vs {
		args[i] = v
	}
	return Call{Method: "In", Args: []Expr{f.Ref(), List{Items: of(args)}}}
}

// NotIn returns a predicate that checks if the field value is not in the given list.
func (f Field[T]) NotIn(vs ...T) Unary { return Not(f.In(vs...)) }

// IsNull returns a predicate that checks if the field is NULL.
func (f Field[T]) IsNull() Binary { return IsNull(f.Ref()) }

// NotNull returns a predicate that checks if the field is not NULL.
func (f Field[T]) NotNull() Binary { return NotNull(f.Ref()) }

// Ordered is a typed member reference over an ordered type.
type Ordered[T cmp.Ordered] string

// Field returns the untyped comparison helpers.
func (f Ordered[T]) Field() Field[T] { return Field[T](f) }

// Ref returns the member reference on table 0.
func (f Ordered[T]) Ref() Member { return C(string(f)) }

// EQ returns a predicate that checks if the field equals the given value.
func (f Ordered[T]) EQ(v T) Binary { return Eq(f.Ref(), v) }

// NEQ returns a predicate that checks if the field does not equal the given value.
func (f Ordered[T]) NEQ(v T) Binary { return Ne(f.Ref(), v) }

// In returns a predicate that checks if the field value is in the given list.
func (f Ordered[T]) In(vs ...T) Call { return f.Field().In(vs...) }

// GT returns a predicate that checks if the field is greater than the given value.
func (f Ordered[T]) GT(v T) Binary { return Gt(f.Ref(), v) }

// GTE returns a predicate that checks if the field is greater than or equal to the given value.
func (f Ordered[T]) GTE(v T) Binary { return Ge(f.Ref(), v) }

// LT returns a predicate that checks if the field is less than the given value.
func (f Ordered[T]) LT(v T) Binary { return Lt(f.Ref(), v) }

// LTE returns a predicate that checks if the field is less than or equal to the given value.
func (f Ordered[T]) LTE(v T) Binary { return Le(f.Ref(), v) }

// Between returns a predicate that checks if the field lies in the closed range.
func (f Ordered[T]) Between(lo, hi T) Expr { return Between(f.Ref(), lo, hi) }

// String is a typed reference to a string member.
type String string

// Ref returns the member reference on table 0.
func (f String) Ref() Member { return C(string(f)) }

// EQ returns a predicate that checks if the field equals the given value.
func (f String) EQ(v string) Binary { return Eq(f.Ref(), v) }

// Contains returns a predicate that checks if the field contains the given substring.
func (f String) Contains(v string) Call { return Contains(f.Ref(), v) }

// HasPrefix returns a predicate that checks if the field has the given prefix.
func (f String) HasPrefix(v string) Call { return StartsWith(f.Ref(), v) }

// HasSuffix returns a predicate that checks if the field has the given suffix.
func (f String) HasSuffix(v string) Call { return EndsWith(f.Ref(), v) }

// EqualFold returns a predicate that checks if the field equals the given value (case-insensitive).
func (f String) EqualFold(v string) Binary {
	return Eq(Fn("ToLower", f.Ref()), Fn("ToLower", v))
}

// Bool is a typed reference to a boolean member.
type Bool string

// Ref returns the member reference on table 0.
func (f Bool) Ref() Member { return C(string(f)) }

// IsTrue returns a predicate that checks if the field is true.
func (f Bool) IsTrue() Member { return f.Ref() }

// IsFalse returns a predicate that checks if the field is false.
func (f Bool) IsFalse() Unary { return Not(f.Ref()) }
