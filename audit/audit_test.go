package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/storage/memory"
)

func TestRecordWritesEntry(t *testing.T) {
	ctx := context.Background()
	store := memory.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	logger := New(store, clockwork.NewFakeClock(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NotPanics(t, func() {
		logger.Success(ctx, "sub-1", "user.login", "user", "sub-1", map[string]string{"method": "opaque"})
		logger.Failure(ctx, "sub-1", "user.login", "user", "sub-1", map[string]string{"reason": "invalid_credentials"})
	})
}
