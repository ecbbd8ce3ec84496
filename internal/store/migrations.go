package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
// Timestamps are unix seconds, except verification_codes.expires_at which
// is unix milliseconds.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	chat_id     INTEGER PRIMARY KEY,
	email       TEXT NOT NULL,
	secret      TEXT NOT NULL DEFAULT '',
	imap_host   TEXT NOT NULL DEFAULT '',
	imap_port   INTEGER NOT NULL DEFAULT 0,
	smtp_host   TEXT NOT NULL DEFAULT '',
	smtp_port   INTEGER NOT NULL DEFAULT 0,
	verified    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_codes (
	chat_id     INTEGER PRIMARY KEY REFERENCES users(chat_id) ON DELETE CASCADE,
	code        TEXT NOT NULL,
	expires_at  INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id      INTEGER NOT NULL,
	message_id   TEXT NOT NULL,
	sender       TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	summary      TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	processed_at INTEGER NOT NULL,
	UNIQUE (chat_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_users_verified ON users(verified);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE users ADD COLUMN auth_method TEXT NOT NULL DEFAULT 'password';
ALTER TABLE users ADD COLUMN oauth_token TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS oauth_states (
	state       TEXT PRIMARY KEY,
	chat_id     INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		// verification_codes.expires_at switches to unix milliseconds.
		// Pending codes are dropped; users request a new one.
		version: 3,
		sql: `
DELETE FROM verification_codes;

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
