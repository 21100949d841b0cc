package twap

import "errors"

var (
	// ErrInvalidOrdering is returned when the current timestamp precedes the previous one.
	ErrInvalidOrdering = errors.New("current snapshot precedes previous snapshot")
	// ErrDivisionByZero is returned for a zero time difference or an empty reserve.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrNoData means the pair was just bootstrapped and has no window yet.
	ErrNoData = errors.New("no twap data yet")
	// ErrUnknownCurrency is returned for a currency with no configured pair.
	ErrUnknownCurrency = errors.New("currency not supported")
)
