package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/puzed/darkauth/storage"
)

// encoder wraps the underlying value in a JSON marshaler which is
// automatically called by the database/sql package.
//
//	err := db.Exec(`insert into t1 (id, things) values (1, $1)`, encoder(s))
func encoder(i interface{}) driver.Valuer {
	return jsonEncoder{i}
}

// decoder wraps the underlying value in a JSON unmarshaler which can then be
// passed to a database Scan() method.
func decoder(i interface{}) sql.Scanner {
	return jsonDecoder{i}
}

type jsonEncoder struct {
	i interface{}
}

func (j jsonEncoder) Value() (driver.Value, error) {
	b, err := json.Marshal(j.i)
	if err != nil {
		return nil, fmt.Errorf("marshal: %v", err)
	}
	return b, nil
}

type jsonDecoder struct {
	i interface{}
}

func (j jsonDecoder) Scan(dest interface{}) error {
	if dest == nil {
		return errors.New("nil value")
	}
	b, ok := dest.([]byte)
	if !ok {
		return fmt.Errorf("expected []byte got %T", dest)
	}
	return json.Unmarshal(b, &j.i)
}

// querier abstracts conn vs trans for single-row lookups shared between the
// plain and transactional paths.
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

var _ storage.Storage = (*conn)(nil)

// ---- Users ----

func (c *conn) CreateUser(ctx context.Context, u storage.User) error {
	_, err := c.Exec(`
		insert into users (sub, email, email_lower, display_name, wrapped_drk, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7);
	`, u.Sub, u.Email, lower(u.Email), u.DisplayName, u.WrappedDRK, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert user: %v", err)
	}
	return nil
}

func (c *conn) GetUserBySub(ctx context.Context, sub string) (storage.User, error) {
	return getUser(c, `select sub, email, display_name, wrapped_drk, created_at, updated_at from users where sub = $1;`, sub)
}

func (c *conn) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	return getUser(c, `select sub, email, display_name, wrapped_drk, created_at, updated_at from users where email_lower = $1;`, lower(email))
}

func getUser(q querier, query string, arg string) (u storage.User, err error) {
	err = q.QueryRow(query, arg).Scan(&u.Sub, &u.Email, &u.DisplayName, &u.WrappedDRK, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return u, storage.ErrNotFound
		}
		return u, fmt.Errorf("select user: %v", err)
	}
	return u, nil
}

func (c *conn) UpdateUser(ctx context.Context, sub string, updater func(storage.User) (storage.User, error)) error {
	return c.ExecTx(func(tx *trans) error {
		u, err := getUser(tx, `select sub, email, display_name, wrapped_drk, created_at, updated_at from users where sub = $1;`, sub)
		if err != nil {
			return err
		}
		u, err = updater(u)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			update users set email = $1, email_lower = $2, display_name = $3, wrapped_drk = $4, updated_at = $5
			where sub = $6;
		`, u.Email, lower(u.Email), u.DisplayName, u.WrappedDRK, u.UpdatedAt, sub)
		if err != nil {
			return fmt.Errorf("update user: %v", err)
		}
		return nil
	})
}

func (c *conn) DeleteUser(ctx context.Context, sub string) error {
	r, err := c.Exec(`delete from users where sub = $1;`, sub)
	if err != nil {
		return fmt.Errorf("delete user: %v", err)
	}
	return checkRowsAffected(r)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func checkRowsAffected(r sql.Result) error {
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %v", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ---- OpaqueRecords ----

func (c *conn) GetOpaqueRecord(ctx context.Context, sub string) (storage.OpaqueRecord, error) {
	var rec storage.OpaqueRecord
	err := c.QueryRow(`select sub, envelope, server_key_material, updated_at from opaque_records where sub = $1;`, sub).
		Scan(&rec.Sub, &rec.Envelope, &rec.ServerKeyMaterial, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return rec, storage.ErrNotFound
		}
		return rec, fmt.Errorf("select opaque record: %v", err)
	}
	return rec, nil
}

func (c *conn) UpsertOpaqueRecord(ctx context.Context, rec storage.OpaqueRecord) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`
			update opaque_records set envelope = $1, server_key_material = $2, updated_at = $3 where sub = $4;
		`, rec.Envelope, rec.ServerKeyMaterial, rec.UpdatedAt, rec.Sub)
		if err != nil {
			return fmt.Errorf("update opaque record: %v", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(`
			insert into opaque_records (sub, envelope, server_key_material, updated_at) values ($1, $2, $3, $4);
		`, rec.Sub, rec.Envelope, rec.ServerKeyMaterial, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert opaque record: %v", err)
		}
		return nil
	})
}

func (c *conn) DeleteOpaqueRecord(ctx context.Context, sub string) error {
	r, err := c.Exec(`delete from opaque_records where sub = $1;`, sub)
	if err != nil {
		return fmt.Errorf("delete opaque record: %v", err)
	}
	return checkRowsAffected(r)
}

// ---- Clients ----

func (c *conn) GetClient(ctx context.Context, clientID string) (storage.Client, error) {
	return getClient(c, clientID)
}

func getClient(q querier, clientID string) (cl storage.Client, err error) {
	err = q.QueryRow(`
		select client_id, kind, redirect_uris, post_logout_redirect_uris, require_pkce,
			zk_delivery, zk_required, token_endpoint_auth_method, encrypted_secret,
			allowed_scopes, allowed_zk_origins, created_at, updated_at
		from clients where client_id = $1;
	`, clientID).Scan(
		&cl.ClientID, &cl.Kind, decoder(&cl.RedirectURIs), decoder(&cl.PostLogoutRedirectURIs), &cl.RequirePKCE,
		&cl.ZKDelivery, &cl.ZKRequired, &cl.TokenEndpointAuthMethod, &cl.EncryptedSecret,
		decoder(&cl.AllowedScopes), decoder(&cl.AllowedZKOrigins), &cl.CreatedAt, &cl.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return cl, storage.ErrNotFound
		}
		return cl, fmt.Errorf("select client: %v", err)
	}
	return cl, nil
}

func (c *conn) ListClients(ctx context.Context) ([]storage.Client, error) {
	rows, err := c.Query(`
		select client_id, kind, redirect_uris, post_logout_redirect_uris, require_pkce,
			zk_delivery, zk_required, token_endpoint_auth_method, encrypted_secret,
			allowed_scopes, allowed_zk_origins, created_at, updated_at
		from clients order by client_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %v", err)
	}
	defer rows.Close()

	var out []storage.Client
	for rows.Next() {
		var cl storage.Client
		if err := rows.Scan(
			&cl.ClientID, &cl.Kind, decoder(&cl.RedirectURIs), decoder(&cl.PostLogoutRedirectURIs), &cl.RequirePKCE,
			&cl.ZKDelivery, &cl.ZKRequired, &cl.TokenEndpointAuthMethod, &cl.EncryptedSecret,
			decoder(&cl.AllowedScopes), decoder(&cl.AllowedZKOrigins), &cl.CreatedAt, &cl.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan client: %v", err)
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

func (c *conn) UpsertClient(ctx context.Context, cl storage.Client) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`
			update clients set kind = $1, redirect_uris = $2, post_logout_redirect_uris = $3,
				require_pkce = $4, zk_delivery = $5, zk_required = $6, token_endpoint_auth_method = $7,
				encrypted_secret = $8, allowed_scopes = $9, allowed_zk_origins = $10, updated_at = $11
			where client_id = $12;
		`, cl.Kind, encoder(cl.RedirectURIs), encoder(cl.PostLogoutRedirectURIs), cl.RequirePKCE,
			cl.ZKDelivery, cl.ZKRequired, cl.TokenEndpointAuthMethod, cl.EncryptedSecret,
			encoder(cl.AllowedScopes), encoder(cl.AllowedZKOrigins), cl.UpdatedAt, cl.ClientID)
		if err != nil {
			return fmt.Errorf("update client: %v", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(`
			insert into clients (client_id, kind, redirect_uris, post_logout_redirect_uris, require_pkce,
				zk_delivery, zk_required, token_endpoint_auth_method, encrypted_secret,
				allowed_scopes, allowed_zk_origins, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
		`, cl.ClientID, cl.Kind, encoder(cl.RedirectURIs), encoder(cl.PostLogoutRedirectURIs), cl.RequirePKCE,
			cl.ZKDelivery, cl.ZKRequired, cl.TokenEndpointAuthMethod, cl.EncryptedSecret,
			encoder(cl.AllowedScopes), encoder(cl.AllowedZKOrigins), cl.CreatedAt, cl.UpdatedAt)
		if err != nil {
			if c.alreadyExistsCheck(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("insert client: %v", err)
		}
		return nil
	})
}

func (c *conn) DeleteClient(ctx context.Context, clientID string) error {
	r, err := c.Exec(`delete from clients where client_id = $1;`, clientID)
	if err != nil {
		return fmt.Errorf("delete client: %v", err)
	}
	return checkRowsAffected(r)
}

// ---- SigningKeys ----

func (c *conn) ListActiveSigningKeys(ctx context.Context) ([]storage.SigningKey, error) {
	return listSigningKeys(c, `
		select kid, algorithm, wrapped_private, public_jwk, created_at, active, retired
		from signing_keys where active = true order by created_at;
	`)
}

func (c *conn) ListAllSigningKeys(ctx context.Context) ([]storage.SigningKey, error) {
	return listSigningKeys(c, `
		select kid, algorithm, wrapped_private, public_jwk, created_at, active, retired
		from signing_keys order by created_at;
	`)
}

func listSigningKeys(c *conn, query string) ([]storage.SigningKey, error) {
	rows, err := c.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %v", err)
	}
	defer rows.Close()

	var out []storage.SigningKey
	for rows.Next() {
		var k storage.SigningKey
		if err := rows.Scan(&k.Kid, &k.Algorithm, &k.WrappedPrivate, &k.PublicJWKJSON, &k.CreatedAt, &k.Active, &k.Retired); err != nil {
			return nil, fmt.Errorf("scan signing key: %v", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (c *conn) InsertSigningKey(ctx context.Context, k storage.SigningKey) error {
	_, err := c.Exec(`
		insert into signing_keys (kid, algorithm, wrapped_private, public_jwk, created_at, active, retired)
		values ($1, $2, $3, $4, $5, $6, $7);
	`, k.Kid, k.Algorithm, k.WrappedPrivate, k.PublicJWKJSON, k.CreatedAt, k.Active, k.Retired)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert signing key: %v", err)
	}
	return nil
}

func (c *conn) RetireSigningKey(ctx context.Context, kid string) error {
	r, err := c.Exec(`update signing_keys set active = false, retired = true where kid = $1;`, kid)
	if err != nil {
		return fmt.Errorf("retire signing key: %v", err)
	}
	return checkRowsAffected(r)
}

// ---- PendingAuths ----

func (c *conn) CreatePendingAuth(ctx context.Context, p storage.PendingAuth) error {
	_, err := c.Exec(`
		insert into pending_auths (request_id, client_id, redirect_uri, state, scope, code_challenge,
			code_challenge_method, nonce, zk_pub_kid, zk_pub_jwk, user_sub, origin, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
	`, p.RequestID, p.ClientID, p.RedirectURI, p.State, p.Scope, p.CodeChallenge,
		p.CodeChallengeMethod, p.Nonce, p.ZKPubKid, p.ZKPubJWKJSON, p.UserSub, p.Origin, p.CreatedAt, p.ExpiresAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert pending auth: %v", err)
	}
	return nil
}

func (c *conn) GetPendingAuth(ctx context.Context, requestID string) (storage.PendingAuth, error) {
	return getPendingAuth(c, requestID)
}

func getPendingAuth(q querier, requestID string) (p storage.PendingAuth, err error) {
	err = q.QueryRow(`
		select request_id, client_id, redirect_uri, state, scope, code_challenge, code_challenge_method,
			nonce, zk_pub_kid, zk_pub_jwk, user_sub, origin, created_at, expires_at
		from pending_auths where request_id = $1;
	`, requestID).Scan(
		&p.RequestID, &p.ClientID, &p.RedirectURI, &p.State, &p.Scope, &p.CodeChallenge, &p.CodeChallengeMethod,
		&p.Nonce, &p.ZKPubKid, &p.ZKPubJWKJSON, &p.UserSub, &p.Origin, &p.CreatedAt, &p.ExpiresAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return p, storage.ErrNotFound
		}
		return p, fmt.Errorf("select pending auth: %v", err)
	}
	return p, nil
}

func (c *conn) BindPendingAuthSubject(ctx context.Context, requestID, sub string) error {
	r, err := c.Exec(`update pending_auths set user_sub = $1 where request_id = $2;`, sub, requestID)
	if err != nil {
		return fmt.Errorf("bind pending auth subject: %v", err)
	}
	return checkRowsAffected(r)
}

func (c *conn) ConsumePendingAuth(ctx context.Context, requestID string) (p storage.PendingAuth, err error) {
	err = c.ExecTx(func(tx *trans) error {
		p, err = getPendingAuth(tx, requestID)
		if err != nil {
			if err == storage.ErrNotFound {
				return storage.ErrConsumed
			}
			return err
		}
		r, err := tx.Exec(`delete from pending_auths where request_id = $1;`, requestID)
		if err != nil {
			return fmt.Errorf("delete pending auth: %v", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return storage.ErrConsumed
		}
		return nil
	})
	return p, err
}

func (c *conn) SweepExpiredPendingAuth(ctx context.Context, now time.Time) (int64, error) {
	r, err := c.Exec(`delete from pending_auths where expires_at < $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep pending auths: %v", err)
	}
	return r.RowsAffected()
}

// ---- AuthCodes ----

func (c *conn) CreateAuthCode(ctx context.Context, hash string, rec storage.AuthCode) error {
	_, err := c.Exec(`
		insert into auth_codes (hash, request_id, client_id, user_sub, redirect_uri, scopes, nonce,
			otp_elevated, code_challenge, code_challenge_method, zk_pub_kid, zk_pub_jwk_json,
			issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
	`, hash, rec.RequestID, rec.ClientID, rec.UserSub, rec.RedirectURI, encoder(rec.Scopes), rec.Nonce,
		rec.OTPElevated, rec.CodeChallenge, rec.CodeChallengeMethod, rec.ZKPubKid, rec.ZKPubJWKJSON,
		rec.IssuedAt, rec.ExpiresAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert auth code: %v", err)
	}
	return nil
}

func (c *conn) ConsumeAuthCode(ctx context.Context, hash string) (rec storage.AuthCode, err error) {
	err = c.ExecTx(func(tx *trans) error {
		row := tx.QueryRow(`
			select hash, request_id, client_id, user_sub, redirect_uri, scopes, nonce, otp_elevated,
				code_challenge, code_challenge_method, zk_pub_kid, zk_pub_jwk_json,
				issued_at, expires_at
			from auth_codes where hash = $1;
		`, hash)
		scanErr := row.Scan(&rec.Hash, &rec.RequestID, &rec.ClientID, &rec.UserSub, &rec.RedirectURI,
			decoder(&rec.Scopes), &rec.Nonce, &rec.OTPElevated,
			&rec.CodeChallenge, &rec.CodeChallengeMethod, &rec.ZKPubKid, &rec.ZKPubJWKJSON,
			&rec.IssuedAt, &rec.ExpiresAt)
		if scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return storage.ErrConsumed
			}
			return fmt.Errorf("select auth code: %v", scanErr)
		}
		r, err := tx.Exec(`delete from auth_codes where hash = $1;`, hash)
		if err != nil {
			return fmt.Errorf("delete auth code: %v", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return storage.ErrConsumed
		}
		return nil
	})
	return rec, err
}

func (c *conn) SweepExpiredAuthCodes(ctx context.Context, now time.Time) (int64, error) {
	r, err := c.Exec(`delete from auth_codes where expires_at < $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep auth codes: %v", err)
	}
	return r.RowsAffected()
}

// ---- Sessions ----

func (c *conn) CreateSession(ctx context.Context, s storage.Session) error {
	_, err := c.Exec(`
		insert into sessions (id, domain, sub, admin_role, csrf_token, otp_elevated, created_at, last_seen_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`, s.ID, s.Domain, s.Sub, s.AdminRole, s.CSRFToken, s.OTPElevated, s.CreatedAt, s.LastSeenAt, s.ExpiresAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %v", err)
	}
	return nil
}

func (c *conn) GetSession(ctx context.Context, domain storage.SessionDomain, id string) (s storage.Session, err error) {
	err = c.QueryRow(`
		select id, domain, sub, admin_role, csrf_token, otp_elevated, created_at, last_seen_at, expires_at
		from sessions where domain = $1 and id = $2;
	`, domain, id).Scan(&s.ID, &s.Domain, &s.Sub, &s.AdminRole, &s.CSRFToken, &s.OTPElevated,
		&s.CreatedAt, &s.LastSeenAt, &s.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return s, storage.ErrNotFound
		}
		return s, fmt.Errorf("select session: %v", err)
	}
	return s, nil
}

func (c *conn) TouchSession(ctx context.Context, domain storage.SessionDomain, id string, lastSeen, expiresAt time.Time) error {
	r, err := c.Exec(`
		update sessions set last_seen_at = $1, expires_at = $2 where domain = $3 and id = $4;
	`, lastSeen, expiresAt, domain, id)
	if err != nil {
		return fmt.Errorf("touch session: %v", err)
	}
	return checkRowsAffected(r)
}

func (c *conn) MarkSessionOTPElevated(ctx context.Context, domain storage.SessionDomain, id string) error {
	r, err := c.Exec(`update sessions set otp_elevated = true where domain = $1 and id = $2;`, domain, id)
	if err != nil {
		return fmt.Errorf("mark session otp elevated: %v", err)
	}
	return checkRowsAffected(r)
}

func (c *conn) DeleteSession(ctx context.Context, domain storage.SessionDomain, id string) error {
	r, err := c.Exec(`delete from sessions where domain = $1 and id = $2;`, domain, id)
	if err != nil {
		return fmt.Errorf("delete session: %v", err)
	}
	return checkRowsAffected(r)
}

func (c *conn) SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	r, err := c.Exec(`delete from sessions where expires_at < $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %v", err)
	}
	return r.RowsAffected()
}

// ---- OpaqueLoginSessions ----

func (c *conn) CreateOpaqueLoginSession(ctx context.Context, s storage.OpaqueLoginSession) error {
	_, err := c.Exec(`
		insert into opaque_login_sessions (session_id, identity, domain, kind, state, expires_at)
		values ($1, $2, $3, $4, $5, $6);
	`, s.SessionID, s.Identity, s.Domain, s.Kind, s.State, s.ExpiresAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert opaque login session: %v", err)
	}
	return nil
}

func (c *conn) TakeOpaqueLoginSession(ctx context.Context, sessionID string) (s storage.OpaqueLoginSession, err error) {
	err = c.ExecTx(func(tx *trans) error {
		row := tx.QueryRow(`
			select session_id, identity, domain, kind, state, expires_at
			from opaque_login_sessions where session_id = $1;
		`, sessionID)
		if scanErr := row.Scan(&s.SessionID, &s.Identity, &s.Domain, &s.Kind, &s.State, &s.ExpiresAt); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return storage.ErrNotFound
			}
			return fmt.Errorf("select opaque login session: %v", scanErr)
		}
		r, err := tx.Exec(`delete from opaque_login_sessions where session_id = $1;`, sessionID)
		if err != nil {
			return fmt.Errorf("delete opaque login session: %v", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
	return s, err
}

func (c *conn) SweepExpiredOpaqueLoginSessions(ctx context.Context, now time.Time) (int64, error) {
	r, err := c.Exec(`delete from opaque_login_sessions where expires_at < $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep opaque login sessions: %v", err)
	}
	return r.RowsAffected()
}

// ---- OTPRecords ----

func (c *conn) GetOTPRecord(ctx context.Context, domain storage.SessionDomain, identity string) (rec storage.OTPRecord, err error) {
	err = c.QueryRow(`
		select domain, identity, secret_base32, verified, last_used_step, backup_code_hashes, created_at, updated_at
		from otp_records where domain = $1 and identity = $2;
	`, domain, identity).Scan(&rec.Domain, &rec.Identity, &rec.SecretBase32, &rec.Verified, &rec.LastUsedStep,
		decoder(&rec.BackupCodeHashes), &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return rec, storage.ErrNotFound
		}
		return rec, fmt.Errorf("select otp record: %v", err)
	}
	return rec, nil
}

func (c *conn) UpsertOTPRecord(ctx context.Context, rec storage.OTPRecord) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`
			update otp_records set secret_base32 = $1, verified = $2, last_used_step = $3,
				backup_code_hashes = $4, updated_at = $5
			where domain = $6 and identity = $7;
		`, rec.SecretBase32, rec.Verified, rec.LastUsedStep, encoder(rec.BackupCodeHashes), rec.UpdatedAt,
			rec.Domain, rec.Identity)
		if err != nil {
			return fmt.Errorf("update otp record: %v", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(`
			insert into otp_records (domain, identity, secret_base32, verified, last_used_step,
				backup_code_hashes, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8);
		`, rec.Domain, rec.Identity, rec.SecretBase32, rec.Verified, rec.LastUsedStep,
			encoder(rec.BackupCodeHashes), rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert otp record: %v", err)
		}
		return nil
	})
}

func (c *conn) DeleteOTPRecord(ctx context.Context, domain storage.SessionDomain, identity string) error {
	r, err := c.Exec(`delete from otp_records where domain = $1 and identity = $2;`, domain, identity)
	if err != nil {
		return fmt.Errorf("delete otp record: %v", err)
	}
	return checkRowsAffected(r)
}

func (c *conn) ConsumeBackupCode(ctx context.Context, domain storage.SessionDomain, identity, codeHash string) (found bool, err error) {
	err = c.ExecTx(func(tx *trans) error {
		var hashes []string
		row := tx.QueryRow(`select backup_code_hashes from otp_records where domain = $1 and identity = $2;`, domain, identity)
		if scanErr := row.Scan(decoder(&hashes)); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return storage.ErrNotFound
			}
			return fmt.Errorf("select backup codes: %v", scanErr)
		}
		remaining := hashes[:0]
		for _, h := range hashes {
			if h == codeHash && !found {
				found = true
				continue
			}
			remaining = append(remaining, h)
		}
		if !found {
			return nil
		}
		_, err := tx.Exec(`update otp_records set backup_code_hashes = $1 where domain = $2 and identity = $3;`,
			encoder(remaining), domain, identity)
		if err != nil {
			return fmt.Errorf("update backup codes: %v", err)
		}
		return nil
	})
	return found, err
}

// ---- Policy ----

func (c *conn) GetUserGroups(ctx context.Context, sub string) ([]storage.Group, error) {
	rows, err := c.Query(`
		select g.key, g.enable_login, g.require_otp
		from groups g join user_groups ug on ug.group_key = g.key
		where ug.user_sub = $1 order by g.key;
	`, sub)
	if err != nil {
		return nil, fmt.Errorf("list user groups: %v", err)
	}
	defer rows.Close()

	var out []storage.Group
	for rows.Next() {
		var g storage.Group
		if err := rows.Scan(&g.Key, &g.EnableLogin, &g.RequireOTP); err != nil {
			return nil, fmt.Errorf("scan group: %v", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (c *conn) GetUserRoles(ctx context.Context, sub string) ([]storage.Role, error) {
	rows, err := c.Query(`
		select r.key, r.require_otp
		from roles r join user_roles ur on ur.role_key = r.key
		where ur.user_sub = $1 order by r.key;
	`, sub)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %v", err)
	}
	defer rows.Close()

	var out []storage.Role
	for rows.Next() {
		var r storage.Role
		if err := rows.Scan(&r.Key, &r.RequireOTP); err != nil {
			return nil, fmt.Errorf("scan role: %v", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- Settings ----

func (c *conn) GetSetting(ctx context.Context, key string) (storage.Setting, error) {
	var s storage.Setting
	err := c.QueryRow(`select key, value, secure from settings where key = $1;`, key).Scan(&s.Key, &s.Value, &s.Secure)
	if err != nil {
		if err == sql.ErrNoRows {
			return s, storage.ErrNotFound
		}
		return s, fmt.Errorf("select setting: %v", err)
	}
	return s, nil
}

func (c *conn) SetSetting(ctx context.Context, s storage.Setting) error {
	return c.ExecTx(func(tx *trans) error {
		r, err := tx.Exec(`update settings set value = $1, secure = $2 where key = $3;`, s.Value, s.Secure, s.Key)
		if err != nil {
			return fmt.Errorf("update setting: %v", err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(`insert into settings (key, value, secure) values ($1, $2, $3);`, s.Key, s.Value, s.Secure)
		if err != nil {
			return fmt.Errorf("insert setting: %v", err)
		}
		return nil
	})
}

func (c *conn) ListSettings(ctx context.Context) ([]storage.Setting, error) {
	rows, err := c.Query(`select key, value, secure from settings order by key;`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %v", err)
	}
	defer rows.Close()

	var out []storage.Setting
	for rows.Next() {
		var s storage.Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.Secure); err != nil {
			return nil, fmt.Errorf("scan setting: %v", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---- Audit ----

func (c *conn) WriteAudit(ctx context.Context, e storage.AuditEntry) error {
	_, err := c.Exec(`
		insert into audit_entries (id, actor, event_type, resource_type, resource_id, outcome, details, at)
		values ($1, $2, $3, $4, $5, $6, $7, $8);
	`, e.ID, e.Actor, e.EventType, e.ResourceType, e.ResourceID, e.Outcome, encoder(e.Details), e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %v", err)
	}
	return nil
}
