package storage

// SchemaSQL is the single authoritative schema, valid for both SQLite and
// Postgres. Tests load it through Open; do not redeclare tables elsewhere.
//
// Timestamps are unix nanoseconds and durations are nanoseconds so the same
// statements work on both drivers.
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	fetched_at BIGINT NOT NULL,
	ttl_ns BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS mutations (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL UNIQUE,
	kind TEXT NOT NULL CHECK(kind IN ('create', 'update', 'delete')),
	resource_type TEXT NOT NULL,
	local_ref TEXT NOT NULL DEFAULT '',
	remote_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	enqueued_at BIGINT NOT NULL,
	state TEXT NOT NULL CHECK(state IN ('queued', 'replaying')) DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_mutations_type_seq ON mutations(resource_type, seq);
CREATE INDEX IF NOT EXISTS idx_mutations_local_ref ON mutations(resource_type, local_ref);

CREATE TABLE IF NOT EXISTS dead_letters (
	id TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	local_ref TEXT NOT NULL DEFAULT '',
	remote_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	enqueued_at BIGINT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	failed_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_type ON dead_letters(resource_type, seq)
`
