package emdb

import (
	retry "github.com/avast/retry-go/v4"
)

type retryKind int

const (
	retryNever retryKind = iota
	retryForever
	retryUpTo
	retryPredicate
)

// RetryPolicy is the BUSY-retry sum type from spec.md §4.6: Never, Forever,
// UpTo(n), or a caller-supplied Predicate(attempt, err). It is consulted
// only outside an active transaction — flush.go skips it entirely whenever
// a transaction is open, including the one Manager.Flush opens, per §4.6.
type RetryPolicy struct {
	kind retryKind
	n    uint
	pred func(attempt int, err error) bool
}

func RetryNever() RetryPolicy { return RetryPolicy{kind: retryNever} }
func RetryForever() RetryPolicy { return RetryPolicy{kind: retryForever} }
func RetryUpTo(n uint) RetryPolicy { return RetryPolicy{kind: retryUpTo, n: n} }
func RetryPredicate(fn func(attempt int, err error) bool) RetryPolicy {
	return RetryPolicy{kind: retryPredicate, pred: fn}
}

// run executes op, retrying on a driver BUSY error according to the policy.
// Non-BUSY errors are never retried.
func (p RetryPolicy) run(op func() error) error {
	switch p.kind {
	case retryNever:
		return op()
	case retryForever:
		return retry.Do(op, retry.Attempts(0), retry.RetryIf(isBusy), retry.LastErrorOnly(true))
	case retryUpTo:
		return retry.Do(op, retry.Attempts(p.n), retry.RetryIf(isBusy), retry.LastErrorOnly(true))
	case retryPredicate:
		attempt := 0
		for {
			err := op()
			if err == nil || !isBusy(err) {
				return err
			}
			attempt++
			if !p.pred(attempt, err) {
				return err
			}
		}
	default:
		return op()
	}
}
