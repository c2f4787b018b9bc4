// Package either provides a two-variant result type used throughout the
// resolution pipeline to carry recoverable failures (lookup misses, malformed
// responses) as values instead of errors that unwind
// the call stack. Programmer and configuration errors are not represented
// here; those stay plain Go errors returned alongside the Either.
package either

// Either holds exactly one of a left (failure) or right (success) value.
// The zero value is a Left carrying the zero L.
type Either[L, R any] struct {
	left    L
	right   R
	isRight bool
}

// Left constructs a failure value.
func Left[L, R any](l L) Either[L, R] {
	return Either[L, R]{left: l}
}

// Right constructs a success value.
func Right[L, R any](r R) Either[L, R] {
	return Either[L, R]{right: r, isRight: true}
}

// IsRight reports whether the Either holds a success value.
func (e Either[L, R]) IsRight() bool { return e.isRight }

// IsLeft reports whether the Either holds a failure value.
func (e Either[L, R]) IsLeft() bool { return !e.isRight }

// Unwrap returns both variants plus the discriminator. Only the variant
// matching the discriminator is meaningful.
func (e Either[L, R]) Unwrap() (L, R, bool) {
	return e.left, e.right, e.isRight
}

// Left returns the failure value. Meaningful only when IsLeft.
func (e Either[L, R]) Left() L { return e.left }

// Right returns the success value. Meaningful only when IsRight.
func (e Either[L, R]) Right() R { return e.right }

// E is the common specialization: a recoverable error on the left.
type E[R any] = Either[error, R]

// Err builds an E[R] failure from an error.
func Err[R any](err error) E[R] {
	return Left[error, R](err)
}

// Ok builds an E[R] success.
func Ok[R any](r R) E[R] {
	return Right[error, R](r)
}

// MapRight applies fn to the success value, passing failures through.
func MapRight[L, R, R2 any](e Either[L, R], fn func(R) R2) Either[L, R2] {
	if e.isRight {
		return Right[L, R2](fn(e.right))
	}
	return Left[L, R2](e.left)
}
