// Package otp implements the TOTP step-up engine of spec §4.F: RFC 6238
// enrolment and verification, backup codes, a per-identity replay guard,
// and the effective-policy computation over a user's groups and roles.
package otp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/internal/dcrypto"
	"github.com/puzed/darkauth/storage"
)

const (
	backupCodeCount  = 10
	backupCodeLength = 10 // raw bytes, hex-encoded to a 20-char code
)

// Engine owns TOTP enrolment, verification, and the group/role-derived
// step-up policy. One Engine serves both session domains; identity and
// domain are always passed explicitly, mirroring storage.OTPRecords.
type Engine struct {
	records storage.OTPRecords
	policy  storage.Policy
	clock   clockwork.Clock
	issuer  string
}

// New constructs an Engine. issuer names the TOTP provisioning URI's
// issuer field (spec §4.F).
func New(records storage.OTPRecords, policy storage.Policy, clock clockwork.Clock, issuer string) *Engine {
	return &Engine{records: records, policy: policy, clock: clock, issuer: issuer}
}

// SetupInit generates a fresh secret for identity, replacing any prior
// unverified one, and returns its base32 secret and provisioning URI for
// QR-code rendering.
func (e *Engine) SetupInit(ctx context.Context, domain storage.SessionDomain, identity string) (secretBase32, provisioningURI string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: identity,
	})
	if err != nil {
		return "", "", apierror.Wrap(apierror.Crypto, err)
	}

	now := e.clock.Now()
	rec := storage.OTPRecord{
		Identity:     identity,
		Domain:       domain,
		SecretBase32: key.Secret(),
		Verified:     false,
		LastUsedStep: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.records.UpsertOTPRecord(ctx, rec); err != nil {
		return "", "", fmt.Errorf("store otp record: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// SetupVerifyResult is the outcome of a setup_verify call.
type SetupVerifyResult struct {
	Success     bool
	BackupCodes []string
}

// SetupVerify validates code against the just-enrolled secret. On success
// it marks the record verified, records the accepted step, and mints a
// fresh batch of one-time backup codes (returned in clear exactly once;
// only their hashes are persisted).
func (e *Engine) SetupVerify(ctx context.Context, domain storage.SessionDomain, identity, code string) (SetupVerifyResult, error) {
	rec, err := e.records.GetOTPRecord(ctx, domain, identity)
	if err != nil {
		if err == storage.ErrNotFound {
			return SetupVerifyResult{}, apierror.New(apierror.NotFound, "no pending otp enrolment")
		}
		return SetupVerifyResult{}, fmt.Errorf("get otp record: %w", err)
	}

	step, ok := e.acceptedStep(rec.SecretBase32, code, rec.LastUsedStep)
	if !ok {
		return SetupVerifyResult{Success: false}, nil
	}

	backupCodes, hashes, err := generateBackupCodes()
	if err != nil {
		return SetupVerifyResult{}, err
	}

	rec.Verified = true
	rec.LastUsedStep = step
	rec.BackupCodeHashes = hashes
	rec.UpdatedAt = e.clock.Now()
	if err := e.records.UpsertOTPRecord(ctx, rec); err != nil {
		return SetupVerifyResult{}, fmt.Errorf("store otp record: %w", err)
	}

	return SetupVerifyResult{Success: true, BackupCodes: backupCodes}, nil
}

// Verify checks code against identity's verified TOTP secret, enforcing
// the replay guard, and falls back to a backup code if the TOTP check
// fails. Returns false (with no error) for any ordinary validation
// failure; errors are reserved for storage/infrastructure faults.
func (e *Engine) Verify(ctx context.Context, domain storage.SessionDomain, identity, code string) (bool, error) {
	rec, err := e.records.GetOTPRecord(ctx, domain, identity)
	if err != nil {
		if err == storage.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("get otp record: %w", err)
	}
	if !rec.Verified {
		return false, nil
	}

	if step, ok := e.acceptedStep(rec.SecretBase32, code, rec.LastUsedStep); ok {
		rec.LastUsedStep = step
		rec.UpdatedAt = e.clock.Now()
		if err := e.records.UpsertOTPRecord(ctx, rec); err != nil {
			return false, fmt.Errorf("store otp record: %w", err)
		}
		return true, nil
	}

	hash := hashBackupCode(code)
	consumed, err := e.records.ConsumeBackupCode(ctx, domain, identity, hash)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return consumed, nil
}

// Disable clears identity's OTP record entirely.
func (e *Engine) Disable(ctx context.Context, domain storage.SessionDomain, identity string) error {
	if err := e.records.DeleteOTPRecord(ctx, domain, identity); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("delete otp record: %w", err)
	}
	return nil
}

// RequireOTP computes the effective policy of spec §4.F: true iff any
// login-enabled group the user belongs to requires OTP, or any role the
// user holds requires OTP.
func (e *Engine) RequireOTP(ctx context.Context, sub string) (bool, error) {
	groups, err := e.policy.GetUserGroups(ctx, sub)
	if err != nil {
		return false, fmt.Errorf("get user groups: %w", err)
	}
	for _, g := range groups {
		if g.EnableLogin && g.RequireOTP {
			return true, nil
		}
	}
	roles, err := e.policy.GetUserRoles(ctx, sub)
	if err != nil {
		return false, fmt.Errorf("get user roles: %w", err)
	}
	for _, r := range roles {
		if r.RequireOTP {
			return true, nil
		}
	}
	return false, nil
}

// acceptedStep validates code against secret with a ±1 step window (RFC
// 6238 default skew), rejecting any step at or before lastUsedStep to
// block replay. It returns the accepted step number on success.
func (e *Engine) acceptedStep(secretBase32, code string, lastUsedStep int64) (int64, bool) {
	return acceptedStepAt(secretBase32, code, lastUsedStep, e.clock.Now())
}

func acceptedStepAt(secretBase32, code string, lastUsedStep int64, now time.Time) (int64, bool) {
	const period = 30
	current := now.Unix() / period
	for _, delta := range []int64{0, -1, 1} {
		step := current + delta
		if step <= lastUsedStep {
			continue
		}
		candidateTime := time.Unix(step*period, 0)
		ok, err := totp.ValidateCustom(code, secretBase32, candidateTime, totp.ValidateOpts{
			Period:    period,
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err == nil && ok {
			return step, true
		}
	}
	return 0, false
}

func generateBackupCodes() (codes []string, hashes []string, err error) {
	for i := 0; i < backupCodeCount; i++ {
		raw, err := dcrypto.RandomBytes(backupCodeLength)
		if err != nil {
			return nil, nil, apierror.Wrap(apierror.Crypto, err)
		}
		code := hex.EncodeToString(raw)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
