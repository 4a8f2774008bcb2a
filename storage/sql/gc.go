package sql

import (
	"context"
	"time"

	"github.com/puzed/darkauth/storage"
)

// Sweep runs every expiry-driven sweeper in one call, the SQL flavor's
// implementation of the periodic sweep described in spec §5 "Scheduling".
// It is not part of the storage.Storage interface: callers that want a
// single-type sweep should call the relevant SweepExpired* method directly.
func Sweep(ctx context.Context, s storage.Storage, now time.Time) (storage.GCResult, error) {
	var result storage.GCResult
	var err error

	if result.PendingAuth, err = s.SweepExpiredPendingAuth(ctx, now); err != nil {
		return result, err
	}
	if result.AuthCodes, err = s.SweepExpiredAuthCodes(ctx, now); err != nil {
		return result, err
	}
	if result.Sessions, err = s.SweepExpiredSessions(ctx, now); err != nil {
		return result, err
	}
	if result.OpaqueLogin, err = s.SweepExpiredOpaqueLoginSessions(ctx, now); err != nil {
		return result, err
	}
	return result, nil
}
