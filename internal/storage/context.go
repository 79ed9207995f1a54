package storage

import "context"

type contextKey string

const noSyncKey contextKey = "storage.no_sync"

// ContextWithNoSync marks storage writes as best-effort (no fsync) for
// backends that write to local disk.
func ContextWithNoSync(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, noSyncKey, true)
}

// NoSyncFromContext reports whether the storage write should skip fsync.
func NoSyncFromContext(ctx context.Context) bool {
	value := ctx.Value(noSyncKey)
	if value == nil {
		return false
	}
	enabled, ok := value.(bool)
	return ok && enabled
}
