// Package util provides shared utility functions for mdcfs.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// Sqlite surfaces SQLITE_BUSY as a textual "database is locked" error.
// A short linear backoff (100ms, 200ms, 300ms) clears the common case of
// the daemon and tooling holding the same file; anything that survives
// three attempts is a wedged writer and the caller should see the error.
func databaseOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.Context(ctx),
	}
}

// RetryDatabase runs fn, retrying transient database lock errors.
// Any other error fails fast.
func RetryDatabase(ctx context.Context, fn func() error) error {
	return retry.Do(fn, databaseOptions(ctx)...)
}

// RetryDatabaseResult is RetryDatabase for operations that produce a
// value; the value from the last attempt is returned alongside its error.
func RetryDatabaseResult[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return retry.DoWithData(fn, databaseOptions(ctx)...)
}

// IsDatabaseLocked reports whether err is a transient sqlite lock error.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}
