package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS organizations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	slug       TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS memberships (
	organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	PRIMARY KEY (organization_id, user_id)
);

CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	title           TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS registrations (
	event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	user_id  TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	PRIMARY KEY (event_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_memberships_user_id ON memberships(user_id);
CREATE INDEX IF NOT EXISTS idx_events_organization_id ON events(organization_id);
CREATE INDEX IF NOT EXISTS idx_registrations_user_id ON registrations(user_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sent_mail_log (
	id               TEXT PRIMARY KEY,
	transport        TEXT NOT NULL,
	from_name        TEXT NOT NULL DEFAULT '',
	reply_to         TEXT NOT NULL DEFAULT '',
	recipients       TEXT NOT NULL DEFAULT '',
	subject          TEXT NOT NULL DEFAULT '',
	attachment_count INTEGER NOT NULL DEFAULT 0,
	attachment_bytes INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'sent',
	sent_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sent_mail_log_sent_at ON sent_mail_log(sent_at);
CREATE INDEX IF NOT EXISTS idx_sent_mail_log_reply_to ON sent_mail_log(reply_to);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
