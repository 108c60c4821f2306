package media

// Schema creates the SQLite-backed metadata store tables. This is the
// engine's own bookkeeping copy of MediaRecord, opened through the stack's
// shared dbopen helper (WAL, busy-timeout, foreign keys on) like every other
// stateful component — independent of whatever external relational store a
// deployment also wires up.
const Schema = `
CREATE TABLE IF NOT EXISTS media_records (
    id                    TEXT PRIMARY KEY,
    model_type            TEXT NOT NULL,
    model_id              TEXT NOT NULL,
    collection            TEXT NOT NULL,
    disk                  TEXT NOT NULL,
    path                  TEXT NOT NULL,
    file_name             TEXT NOT NULL,
    mime                  TEXT NOT NULL,
    size                  INTEGER NOT NULL,
    custom_properties     TEXT NOT NULL DEFAULT '{}',
    generated_conversions TEXT NOT NULL DEFAULT '[]',
    responsive_images     TEXT NOT NULL DEFAULT '[]',
    superseded            INTEGER NOT NULL DEFAULT 0,
    created_at            TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE INDEX IF NOT EXISTS idx_media_records_owner
    ON media_records(collection, model_type, model_id, superseded);
`
