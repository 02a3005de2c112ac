package db

const schemaVersion = 1

//Timestamps are stored as unix microseconds in INTEGER/BIGINT columns
//so both dialects compare them the same way.

const sqliteSchema = `
CREATE TABLE version (
	version INTEGER NOT NULL
);

-- Key directory

CREATE TABLE key_bundles (
	user_id VARCHAR NOT NULL,
	device_id VARCHAR NOT NULL,
	identity_key BLOB NOT NULL,
	signed_prekey_id INTEGER NOT NULL,
	signed_prekey BLOB NOT NULL,
	signed_prekey_sig BLOB NOT NULL,
	prekeys BLOB,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
CREATE INDEX idx_key_bundles_user ON key_bundles (user_id, updated_at);

-- Conversations

CREATE TABLE conversations (
	id VARCHAR PRIMARY KEY,
	participants_key VARCHAR NOT NULL UNIQUE,
	is_group BOOLEAN NOT NULL DEFAULT 0,
	name VARCHAR,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE conversation_members (
	conversation_id VARCHAR NOT NULL REFERENCES conversations(id),
	user_id VARCHAR NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX idx_conversation_members_user ON conversation_members (user_id);

-- Envelopes

CREATE TABLE envelopes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id VARCHAR NOT NULL REFERENCES conversations(id),
	message_id VARCHAR NOT NULL,
	sender_user_id VARCHAR NOT NULL,
	sender_device_id VARCHAR NOT NULL,
	ciphertext BLOB NOT NULL,
	attachment_url VARCHAR,
	attachment_meta BLOB,
	status INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	delivered_at INTEGER,
	read_at INTEGER,
	UNIQUE (conversation_id, message_id)
);
CREATE INDEX idx_envelopes_history ON envelopes (conversation_id, created_at, seq);

CREATE TABLE read_cursors (
	conversation_id VARCHAR NOT NULL REFERENCES conversations(id),
	user_id VARCHAR NOT NULL,
	last_read_at INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);

-- Fan-out log shared by every relay process

CREATE TABLE fanout_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel VARCHAR NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX idx_fanout_events_created ON fanout_events (created_at);
`

const postgresSchema = `
CREATE TABLE version (
	version INTEGER NOT NULL
);

CREATE TABLE key_bundles (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	identity_key BYTEA NOT NULL,
	signed_prekey_id BIGINT NOT NULL,
	signed_prekey BYTEA NOT NULL,
	signed_prekey_sig BYTEA NOT NULL,
	prekeys BYTEA,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
CREATE INDEX idx_key_bundles_user ON key_bundles (user_id, updated_at);

CREATE TABLE conversations (
	id TEXT PRIMARY KEY,
	participants_key TEXT NOT NULL UNIQUE,
	is_group BOOLEAN NOT NULL DEFAULT false,
	name TEXT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE conversation_members (
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	user_id TEXT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX idx_conversation_members_user ON conversation_members (user_id);

CREATE TABLE envelopes (
	seq BIGSERIAL PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	message_id TEXT NOT NULL,
	sender_user_id TEXT NOT NULL,
	sender_device_id TEXT NOT NULL,
	ciphertext BYTEA NOT NULL,
	attachment_url TEXT,
	attachment_meta BYTEA,
	status INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	delivered_at BIGINT,
	read_at BIGINT,
	UNIQUE (conversation_id, message_id)
);
CREATE INDEX idx_envelopes_history ON envelopes (conversation_id, created_at, seq);

CREATE TABLE read_cursors (
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	user_id TEXT NOT NULL,
	last_read_at BIGINT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE fanout_events (
	id BIGSERIAL PRIMARY KEY,
	channel TEXT NOT NULL,
	payload BYTEA NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX idx_fanout_events_created ON fanout_events (created_at);
`
