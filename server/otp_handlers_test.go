package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/storage"
)

func TestOTPSetupAndVerifyElevatesSession(t *testing.T) {
	srv, store, clock := newTestServer(t)
	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	rec := httptest.NewRecorder()
	sess, err := srv.sessions.Create(context.Background(), rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)

	initReq := sameOriginRequest("POST", "/api/otp/setup/init", nil, storage.DomainUser, &sess)
	initW := httptest.NewRecorder()
	require.NoError(t, srv.handleOTPSetupInit(storage.DomainUser)(initW, initReq))

	var initResp otpSetupInitResponse
	require.NoError(t, json.Unmarshal(initW.Body.Bytes(), &initResp))
	require.NotEmpty(t, initResp.SecretBase32)

	code, err := totp.GenerateCode(initResp.SecretBase32, clock.Now())
	require.NoError(t, err)

	verifyBody, err := json.Marshal(otpCodeRequest{Code: code})
	require.NoError(t, err)
	verifyReq := sameOriginRequest("POST", "/api/otp/setup/verify", bytes.NewReader(verifyBody), storage.DomainUser, &sess)
	verifyW := httptest.NewRecorder()
	require.NoError(t, srv.handleOTPSetupVerify(storage.DomainUser)(verifyW, verifyReq))

	var verifyResp otpSetupVerifyResponse
	require.NoError(t, json.Unmarshal(verifyW.Body.Bytes(), &verifyResp))
	require.True(t, verifyResp.Success)
	require.Len(t, verifyResp.BackupCodes, 10)

	secondCode, err := totp.GenerateCode(initResp.SecretBase32, clock.Now().Add(30*time.Second))
	require.NoError(t, err)
	elevateBody, err := json.Marshal(otpCodeRequest{Code: secondCode})
	require.NoError(t, err)
	elevateReq := sameOriginRequest("POST", "/api/otp/verify", bytes.NewReader(elevateBody), storage.DomainUser, &sess)
	elevateW := httptest.NewRecorder()
	require.NoError(t, srv.handleOTPVerify(storage.DomainUser)(elevateW, elevateReq))
	require.Equal(t, 200, elevateW.Code)
}

func TestOTPVerifyRejectsInvalidCode(t *testing.T) {
	srv, store, clock := newTestServer(t)
	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	rec := httptest.NewRecorder()
	sess, err := srv.sessions.Create(context.Background(), rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)

	body, err := json.Marshal(otpCodeRequest{Code: "000000"})
	require.NoError(t, err)
	req := sameOriginRequest("POST", "/api/otp/verify", bytes.NewReader(body), storage.DomainUser, &sess)
	err = srv.handleOTPVerify(storage.DomainUser)(httptest.NewRecorder(), req)
	require.Error(t, err)
}
