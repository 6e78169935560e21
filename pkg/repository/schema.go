package repository

import (
	"context"
	"database/sql"
)

const guestSchemaSQL = `
CREATE SEQUENCE IF NOT EXISTS guest_session_uid_seq;

CREATE TABLE IF NOT EXISTS guest_sessions (
	uid                     TEXT PRIMARY KEY,
	seq                     BIGINT NOT NULL UNIQUE,
	username                TEXT NOT NULL,
	credential_secret       TEXT NOT NULL,
	client_address          TEXT NOT NULL,
	state                   TEXT NOT NULL CHECK (state IN ('pending', 'active', 'expired', 'revoked')),
	session_timeout_minutes INTEGER NOT NULL DEFAULT 0,
	expires_at              TIMESTAMPTZ,
	max_download_bps        BIGINT,
	max_upload_bps          BIGINT,
	revocation_pending      BOOLEAN NOT NULL DEFAULT FALSE,
	created_by              UUID NOT NULL,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS guest_sessions_live_username
	ON guest_sessions (username) WHERE state IN ('pending', 'active') OR revocation_pending;

CREATE INDEX IF NOT EXISTS guest_sessions_state ON guest_sessions (state);
`

// FreeRADIUS rlm_sql tables, restricted to the columns this service touches.
const radiusSchemaSQL = `
CREATE TABLE IF NOT EXISTS radcheck (
	id        SERIAL PRIMARY KEY,
	username  TEXT NOT NULL DEFAULT '',
	attribute TEXT NOT NULL DEFAULT '',
	op        VARCHAR(2) NOT NULL DEFAULT '==',
	value     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS radcheck_username ON radcheck (username, attribute);

CREATE TABLE IF NOT EXISTS radreply (
	id        SERIAL PRIMARY KEY,
	username  TEXT NOT NULL DEFAULT '',
	attribute TEXT NOT NULL DEFAULT '',
	op        VARCHAR(2) NOT NULL DEFAULT '=',
	value     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS radreply_username ON radreply (username, attribute);

CREATE TABLE IF NOT EXISTS radacct (
	radacctid        BIGSERIAL PRIMARY KEY,
	acctsessionid    TEXT NOT NULL,
	acctuniqueid     TEXT NOT NULL UNIQUE,
	username         TEXT,
	nasipaddress     INET NOT NULL,
	acctstarttime    TIMESTAMPTZ,
	acctstoptime     TIMESTAMPTZ,
	acctinputoctets  BIGINT,
	acctoutputoctets BIGINT,
	framedipaddress  INET
);
CREATE INDEX IF NOT EXISTS radacct_active ON radacct (acctstoptime) WHERE acctstoptime IS NULL;
`

// EnsureSchema creates the guest session directory tables if they do not
// exist. It is safe to call on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, guestSchemaSQL)
	return err
}

// EnsureRadiusSchema creates the FreeRADIUS SQL tables if they do not exist.
func EnsureRadiusSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, radiusSchemaSQL)
	return err
}
