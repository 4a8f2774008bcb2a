package otp

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/storage"
	"github.com/puzed/darkauth/storage/memory"
)

func TestSetupAndVerify(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.New(nil)
	e := New(store, store, clock, "DarkAuth")

	secret, uri, err := e.SetupInit(ctx, storage.DomainUser, "jane@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	require.Contains(t, uri, "otpauth://")

	code, err := totp.GenerateCode(secret, clock.Now())
	require.NoError(t, err)

	result, err := e.SetupVerify(ctx, storage.DomainUser, "jane@example.com", code)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.BackupCodes, backupCodeCount)
}

func TestVerifyRejectsReplay(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.New(nil)
	e := New(store, store, clock, "DarkAuth")

	secret, _, err := e.SetupInit(ctx, storage.DomainUser, "jane@example.com")
	require.NoError(t, err)
	code, err := totp.GenerateCode(secret, clock.Now())
	require.NoError(t, err)
	_, err = e.SetupVerify(ctx, storage.DomainUser, "jane@example.com", code)
	require.NoError(t, err)

	ok, err := e.Verify(ctx, storage.DomainUser, "jane@example.com", code)
	require.NoError(t, err)
	require.False(t, ok, "a code already accepted at setup must not verify again")
}

func TestVerifyAcceptsBackupCodeOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.New(nil)
	e := New(store, store, clock, "DarkAuth")

	secret, _, err := e.SetupInit(ctx, storage.DomainUser, "jane@example.com")
	require.NoError(t, err)
	code, err := totp.GenerateCode(secret, clock.Now())
	require.NoError(t, err)
	result, err := e.SetupVerify(ctx, storage.DomainUser, "jane@example.com", code)
	require.NoError(t, err)
	require.True(t, result.Success)

	backup := result.BackupCodes[0]
	ok, err := e.Verify(ctx, storage.DomainUser, "jane@example.com", backup)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Verify(ctx, storage.DomainUser, "jane@example.com", backup)
	require.NoError(t, err)
	require.False(t, ok, "a backup code must be single-use")
}

func TestVerifyStepWindow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.New(nil)
	e := New(store, store, clock, "DarkAuth")

	secret, _, err := e.SetupInit(ctx, storage.DomainUser, "jane@example.com")
	require.NoError(t, err)
	setupCode, err := totp.GenerateCode(secret, clock.Now())
	require.NoError(t, err)
	_, err = e.SetupVerify(ctx, storage.DomainUser, "jane@example.com", setupCode)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	nextCode, err := totp.GenerateCode(secret, clock.Now())
	require.NoError(t, err)

	ok, err := e.Verify(ctx, storage.DomainUser, "jane@example.com", nextCode)
	require.NoError(t, err)
	require.True(t, ok, "the following step must still validate within the step window")
}

func TestRequireOTPFromGroupsAndRoles(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.New(nil)
	e := New(store, store, clock, "DarkAuth")

	required, err := e.RequireOTP(ctx, "sub-without-policy")
	require.NoError(t, err)
	require.False(t, required)
}

func TestDisableClearsRecord(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.New(nil)
	e := New(store, store, clock, "DarkAuth")

	_, _, err := e.SetupInit(ctx, storage.DomainUser, "jane@example.com")
	require.NoError(t, err)

	require.NoError(t, e.Disable(ctx, storage.DomainUser, "jane@example.com"))

	ok, err := e.Verify(ctx, storage.DomainUser, "jane@example.com", "000000")
	require.NoError(t, err)
	require.False(t, ok)
}
