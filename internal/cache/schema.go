package cache

// Schema contains SQL schema definitions for the cache
const Schema = `
-- Accounts table
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT NOT NULL,
    imap_host TEXT NOT NULL,
    imap_port INTEGER NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Header cache: one row per mailbox, written in a single statement per sync
CREATE TABLE IF NOT EXISTS header_cache (
    account_id TEXT NOT NULL,
    mailbox TEXT NOT NULL,
    total INTEGER NOT NULL DEFAULT 0,
    headers TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    PRIMARY KEY (account_id, mailbox)
);

-- Mailbox status recorded by the last complete header sync
CREATE TABLE IF NOT EXISTS mailbox_status (
    account_id TEXT NOT NULL,
    mailbox TEXT NOT NULL,
    exists_count INTEGER NOT NULL,
    uid_validity INTEGER NOT NULL,
    uid_next INTEGER NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    PRIMARY KEY (account_id, mailbox)
);

-- Saved (fully hydrated) emails
CREATE TABLE IF NOT EXISTS emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    mailbox TEXT NOT NULL,
    uid INTEGER NOT NULL,
    message_id TEXT,
    subject TEXT,
    sender_name TEXT,
    sender_email TEXT,
    date TEXT NOT NULL,
    body_text TEXT,
    body TEXT NOT NULL,
    raw_source BLOB,
    archived INTEGER NOT NULL DEFAULT 0,
    cached_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, mailbox, uid)
);

-- Create indexes for faster queries
CREATE INDEX IF NOT EXISTS idx_emails_account_mailbox ON emails(account_id, mailbox);
CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);
CREATE INDEX IF NOT EXISTS idx_emails_sender_email ON emails(sender_email);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);

-- Full-text search index
CREATE VIRTUAL TABLE IF NOT EXISTS emails_fts USING fts5(
    subject,
    sender_email,
    sender_name,
    body_text,
    content='emails',
    content_rowid='id'
);

-- Triggers for FTS
CREATE TRIGGER IF NOT EXISTS emails_fts_insert AFTER INSERT ON emails BEGIN
    INSERT INTO emails_fts(rowid, subject, sender_email, sender_name, body_text)
    VALUES (new.id, new.subject, new.sender_email, new.sender_name, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS emails_fts_update AFTER UPDATE ON emails BEGIN
    INSERT INTO emails_fts(emails_fts, rowid, subject, sender_email, sender_name, body_text)
    VALUES ('delete', old.id, old.subject, old.sender_email, old.sender_name, old.body_text);
    INSERT INTO emails_fts(rowid, subject, sender_email, sender_name, body_text)
    VALUES (new.id, new.subject, new.sender_email, new.sender_name, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS emails_fts_delete AFTER DELETE ON emails BEGIN
    INSERT INTO emails_fts(emails_fts, rowid, subject, sender_email, sender_name, body_text)
    VALUES ('delete', old.id, old.subject, old.sender_email, old.sender_name, old.body_text);
END;
`
