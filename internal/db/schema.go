package db

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	email      TEXT        NOT NULL UNIQUE,
	plan       TEXT        NOT NULL DEFAULT 'FREE',
	is_active  BOOLEAN     NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS email_jobs (
	id           TEXT PRIMARY KEY,
	user_id      BIGINT      NOT NULL REFERENCES users(id),
	type         TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	recipient    TEXT        NOT NULL,
	subject      TEXT        NOT NULL DEFAULT '',
	content      TEXT        NOT NULL DEFAULT '',
	retry_count  INT         NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	max_retries  INT         NOT NULL DEFAULT 3,
	error        TEXT        NOT NULL DEFAULT '',
	scheduled_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	failed_at    TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS email_jobs_status_updated_idx ON email_jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS user_usage (
	user_id         BIGINT      NOT NULL REFERENCES users(id),
	month           CHAR(7)     NOT NULL,
	emails_sent     BIGINT      NOT NULL DEFAULT 0 CHECK (emails_sent >= 0),
	emails_received BIGINT      NOT NULL DEFAULT 0 CHECK (emails_received >= 0),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, month)
);
`
