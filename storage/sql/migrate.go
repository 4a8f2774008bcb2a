package sql

import (
	"database/sql"
	"fmt"
)

func (c *conn) migrate() (int, error) {
	_, err := c.Exec(`
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`)
	if err != nil {
		return 0, fmt.Errorf("creating migration table: %w", err)
	}

	i := 0
	for {
		done := false
		err := c.ExecTx(func(tx *trans) error {
			var num sql.NullInt64
			if err := tx.QueryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return fmt.Errorf("select max migration: %w", err)
			}
			n := 0
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}

			migrationNum := n + 1
			if _, err := tx.Exec(migrations[n].stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", migrationNum, err)
			}
			if _, err := tx.Exec(`insert into migrations (num, at) values ($1, now());`, migrationNum); err != nil {
				return fmt.Errorf("update migration table: %w", err)
			}
			return nil
		})
		if err != nil {
			return i, err
		}
		if done {
			break
		}
		i++
	}
	return i, nil
}

type migration struct {
	stmt string
}

// migrations implements the data model of spec §3. Each statement targets
// the lowest common denominator the flavor translator in sql.go can
// rewrite for SQLite.
var migrations = []migration{
	{stmt: `
		create table users (
			sub text not null primary key,
			email text not null,
			email_lower text not null unique,
			display_name text not null,
			wrapped_drk bytea,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
	`},
	{stmt: `
		create table opaque_records (
			sub text not null primary key references users (sub) on delete cascade,
			envelope bytea not null,
			server_key_material bytea not null,
			updated_at timestamptz not null
		);
	`},
	{stmt: `
		create table clients (
			client_id text not null primary key,
			kind text not null,
			redirect_uris bytea not null,
			post_logout_redirect_uris bytea not null,
			require_pkce boolean not null,
			zk_delivery text not null,
			zk_required boolean not null,
			token_endpoint_auth_method text not null,
			encrypted_secret bytea,
			allowed_scopes bytea not null,
			allowed_zk_origins bytea not null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
	`},
	{stmt: `
		create table signing_keys (
			kid text not null primary key,
			algorithm text not null,
			wrapped_private bytea not null,
			public_jwk bytea not null,
			created_at timestamptz not null,
			active boolean not null,
			retired boolean not null
		);
	`},
	{stmt: `
		create table pending_auths (
			request_id text not null primary key,
			client_id text not null,
			redirect_uri text not null,
			state text not null,
			scope text not null,
			code_challenge text not null,
			code_challenge_method text not null,
			nonce text not null,
			zk_pub_kid text not null,
			zk_pub_jwk bytea,
			user_sub text not null,
			origin text not null,
			created_at timestamptz not null,
			expires_at timestamptz not null
		);
	`},
	{stmt: `
		create table auth_codes (
			hash text not null primary key,
			request_id text not null,
			client_id text not null,
			user_sub text not null,
			redirect_uri text not null,
			scopes bytea not null,
			nonce text not null,
			otp_elevated boolean not null,
			issued_at timestamptz not null,
			expires_at timestamptz not null
		);
	`},
	{stmt: `
		create table sessions (
			id text not null,
			domain text not null,
			sub text not null,
			admin_role text not null,
			csrf_token text not null,
			otp_elevated boolean not null,
			created_at timestamptz not null,
			last_seen_at timestamptz not null,
			expires_at timestamptz not null,
			primary key (domain, id)
		);
	`},
	{stmt: `
		create table opaque_login_sessions (
			session_id text not null primary key,
			identity text not null,
			domain text not null,
			kind text not null,
			state bytea not null,
			expires_at timestamptz not null
		);
	`},
	{stmt: `
		create table otp_records (
			domain text not null,
			identity text not null,
			secret_base32 text not null,
			verified boolean not null,
			last_used_step integer not null,
			backup_code_hashes bytea not null,
			created_at timestamptz not null,
			updated_at timestamptz not null,
			primary key (domain, identity)
		);
	`},
	{stmt: `
		create table groups (
			key text not null primary key,
			enable_login boolean not null,
			require_otp boolean not null
		);
	`},
	{stmt: `
		create table roles (
			key text not null primary key,
			require_otp boolean not null
		);
	`},
	{stmt: `
		create table user_groups (
			user_sub text not null references users (sub) on delete cascade,
			group_key text not null references groups (key) on delete cascade,
			primary key (user_sub, group_key)
		);
	`},
	{stmt: `
		create table user_roles (
			user_sub text not null references users (sub) on delete cascade,
			role_key text not null references roles (key) on delete cascade,
			primary key (user_sub, role_key)
		);
	`},
	{stmt: `
		create table settings (
			key text not null primary key,
			value text not null,
			secure boolean not null
		);
	`},
	{stmt: `
		create table audit_entries (
			id text not null primary key,
			actor text not null,
			event_type text not null,
			resource_type text not null,
			resource_id text not null,
			outcome text not null,
			details bytea not null,
			at timestamptz not null
		);
	`},
	{stmt: `create index idx_pending_auths_expires_at on pending_auths (expires_at);`},
	{stmt: `create index idx_auth_codes_expires_at on auth_codes (expires_at);`},
	{stmt: `create index idx_sessions_expires_at on sessions (expires_at);`},
	{stmt: `create index idx_opaque_login_sessions_expires_at on opaque_login_sessions (expires_at);`},
	{stmt: `
		alter table auth_codes
			add column code_challenge text not null default '',
			add column code_challenge_method text not null default '',
			add column zk_pub_kid text not null default '',
			add column zk_pub_jwk_json bytea;
	`},
}
