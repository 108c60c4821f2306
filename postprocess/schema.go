package postprocess

// Schema creates the coalescer's state table. One row per (tenant, owner):
// the atomic "set-if-newer" upsert keeps only the latest upload's identity,
// marking anything older superseded by simply no longer matching it.
const Schema = `
CREATE TABLE IF NOT EXISTS postprocess_latest (
    tenant_id    TEXT NOT NULL,
    owner_id     TEXT NOT NULL,
    media_id     TEXT NOT NULL,
    upload_uuid  TEXT NOT NULL,
    version      TEXT NOT NULL DEFAULT '',
    received_at  INTEGER NOT NULL,
    enqueued     INTEGER NOT NULL DEFAULT 0,
    completed    INTEGER NOT NULL DEFAULT 0,
    failed       INTEGER NOT NULL DEFAULT 0,
    expires_at   INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, owner_id)
);

-- Durable index from upload_uuid to (tenant, owner): postprocess_latest's row
-- is overwritten in place by the set-if-newer upsert, so a superseded
-- upload's uuid would otherwise vanish before its status could be queried.
CREATE TABLE IF NOT EXISTS postprocess_uuid_index (
    upload_uuid  TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    owner_id     TEXT NOT NULL
);
`
