package cache

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

-- Accounts table
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL DEFAULT '',
	imap_host TEXT NOT NULL,
	imap_port INTEGER NOT NULL,
	security TEXT NOT NULL DEFAULT 'tls',
	imap_username TEXT NOT NULL,
	is_connected INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	last_sync_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Folders table
CREATE TABLE IF NOT EXISTS folders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	delimiter TEXT NOT NULL DEFAULT '',
	parent_path TEXT NOT NULL DEFAULT '',
	special_use TEXT,
	uid_validity INTEGER,
	uid_next INTEGER,
	highest_modseq INTEGER,
	total_messages INTEGER NOT NULL DEFAULT 0,
	unread_messages INTEGER NOT NULL DEFAULT 0,
	is_selectable INTEGER NOT NULL DEFAULT 1,
	is_subscribed INTEGER NOT NULL DEFAULT 0,
	has_children INTEGER NOT NULL DEFAULT 0,
	last_sync_at DATETIME,
	FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
	UNIQUE(account_id, path)
);

-- Messages table
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL,
	folder_id INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	in_reply_to TEXT NOT NULL DEFAULT '',
	refs TEXT NOT NULL DEFAULT '[]',
	subject TEXT NOT NULL DEFAULT '',
	from_addrs TEXT NOT NULL DEFAULT '[]',
	to_addrs TEXT NOT NULL DEFAULT '[]',
	cc_addrs TEXT NOT NULL DEFAULT '[]',
	bcc_addrs TEXT NOT NULL DEFAULT '[]',
	reply_to_addrs TEXT NOT NULL DEFAULT '[]',
	date DATETIME NOT NULL,
	received_at DATETIME NOT NULL,
	flags TEXT NOT NULL DEFAULT '[]',
	size INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	preview_text TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
	FOREIGN KEY (folder_id) REFERENCES folders(id) ON DELETE CASCADE,
	UNIQUE(folder_id, uid)
);

-- Lazily fetched bodies
CREATE TABLE IF NOT EXISTS message_bodies (
	message_id INTEGER PRIMARY KEY,
	text_body TEXT NOT NULL DEFAULT '',
	html_body TEXT NOT NULL DEFAULT '',
	raw_headers TEXT NOT NULL DEFAULT '',
	fetched_at DATETIME NOT NULL,
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

-- Attachment metadata; content is re-fetched by part id
CREATE TABLE IF NOT EXISTS attachments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL,
	part_id TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	disposition TEXT NOT NULL DEFAULT 'attachment',
	content_id TEXT NOT NULL DEFAULT '',
	encoding TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date DESC);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_bodies_fetched ON message_bodies(fetched_at);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
`,
	},
	{
		version: 2,
		sql: `
-- Full-text search over headers, preview and fetched bodies
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	subject,
	sender,
	recipients,
	preview,
	body
);

CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, subject, sender, recipients, preview, body)
	VALUES (new.id, new.subject, new.from_addrs, new.to_addrs || ' ' || new.cc_addrs, new.preview_text, '');
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_preview AFTER UPDATE OF preview_text ON messages BEGIN
	UPDATE messages_fts SET preview = new.preview_text WHERE rowid = new.id;
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
	DELETE FROM messages_fts WHERE rowid = old.id;
END;

CREATE TRIGGER IF NOT EXISTS bodies_fts_insert AFTER INSERT ON message_bodies BEGIN
	UPDATE messages_fts SET body = new.text_body WHERE rowid = new.message_id;
END;

CREATE TRIGGER IF NOT EXISTS bodies_fts_update AFTER UPDATE ON message_bodies BEGIN
	UPDATE messages_fts SET body = new.text_body WHERE rowid = new.message_id;
END;

CREATE TRIGGER IF NOT EXISTS bodies_fts_delete AFTER DELETE ON message_bodies BEGIN
	UPDATE messages_fts SET body = '' WHERE rowid = old.message_id;
END;
`,
	},
}
