package cleanup

// Schema creates the scheduler's own bookkeeping tables. The release sweep
// itself rides on vtq_jobs (vtq.Q.EnsureTable); these tables hold the
// CleanupEntry state referenced by each job's id.
const Schema = `
CREATE TABLE IF NOT EXISTS cleanup_entries (
    id                    TEXT PRIMARY KEY,
    trigger_media_id      TEXT NOT NULL,
    artifacts             TEXT NOT NULL,
    preserve_media_ids    TEXT NOT NULL DEFAULT '[]',
    expected_conversions  TEXT NOT NULL DEFAULT '[]',
    pending_conversions   TEXT NOT NULL DEFAULT '[]',
    created_at            INTEGER NOT NULL,
    expires_at            INTEGER NOT NULL,
    released              INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cleanup_trigger ON cleanup_entries(trigger_media_id, released);

CREATE TABLE IF NOT EXISTS media_conversion_state (
    media_id    TEXT PRIMARY KEY,
    expected    TEXT NOT NULL DEFAULT '[]',
    completed   TEXT NOT NULL DEFAULT '[]'
);
`
