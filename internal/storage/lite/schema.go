package lite

// schema mirrors migrations/001_initial.sql. Times are unix nanoseconds,
// JSON and list columns are JSON text.
const schema = `
CREATE TABLE IF NOT EXISTS subjects (
    subject_id       TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    timezone         TEXT NOT NULL DEFAULT 'UTC',
    preferences      TEXT NOT NULL DEFAULT '{}',
    policies         TEXT NOT NULL DEFAULT '{}',
    linked_calendars TEXT NOT NULL DEFAULT '[]',
    tracked          INTEGER NOT NULL DEFAULT 1,
    created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS patients (
    patient_id         TEXT PRIMARY KEY,
    total_appointments INTEGER NOT NULL DEFAULT 0,
    no_shows           INTEGER NOT NULL DEFAULT 0,
    cancellations      INTEGER NOT NULL DEFAULT 0,
    vip                INTEGER NOT NULL DEFAULT 0,
    sentiment          TEXT NOT NULL DEFAULT '',
    updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS appointments (
    id         TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    patient_id TEXT NOT NULL DEFAULT '',
    starts_at  INTEGER NOT NULL,
    ends_at    INTEGER NOT NULL,
    status     TEXT NOT NULL DEFAULT 'booked',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    CHECK (starts_at < ends_at)
);
CREATE INDEX IF NOT EXISTS idx_appointments_subject_window ON appointments (subject_id, starts_at, ends_at);

CREATE TABLE IF NOT EXISTS holds (
    id         TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    patient_id TEXT NOT NULL DEFAULT '',
    starts_at  INTEGER NOT NULL,
    ends_at    INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    status     TEXT NOT NULL DEFAULT 'active',
    created_at INTEGER NOT NULL,
    CHECK (starts_at < ends_at)
);
CREATE INDEX IF NOT EXISTS idx_holds_subject_window ON holds (subject_id, starts_at, ends_at);

CREATE TABLE IF NOT EXISTS schedule_blocks (
    id         TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    starts_at  INTEGER NOT NULL,
    ends_at    INTEGER NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    created_by TEXT NOT NULL DEFAULT 'system',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS external_changes (
    id          TEXT PRIMARY KEY,
    subject_id  TEXT NOT NULL,
    provider    TEXT NOT NULL,
    starts_at   INTEGER NOT NULL,
    ends_at     INTEGER NOT NULL,
    received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_external_changes_subject ON external_changes (subject_id, received_at);

CREATE TABLE IF NOT EXISTS conflict_events (
    id            TEXT PRIMARY KEY,
    conflict_type TEXT NOT NULL,
    severity      TEXT NOT NULL,
    subject_id    TEXT NOT NULL,
    starts_at     INTEGER NOT NULL,
    ends_at       INTEGER NOT NULL,
    sources       TEXT NOT NULL,
    details       TEXT NOT NULL DEFAULT '{}',
    dedupe_key    TEXT NOT NULL,
    detected_at   INTEGER NOT NULL,
    CHECK (starts_at < ends_at)
);
CREATE INDEX IF NOT EXISTS idx_conflict_events_dedupe ON conflict_events (dedupe_key);

CREATE TABLE IF NOT EXISTS conflict_resolutions (
    id                      TEXT PRIMARY KEY,
    conflict_id             TEXT NOT NULL UNIQUE REFERENCES conflict_events (id),
    subject_id              TEXT NOT NULL,
    conflict_type           TEXT NOT NULL,
    severity                TEXT NOT NULL,
    status                  TEXT NOT NULL,
    created_at              INTEGER NOT NULL,
    updated_at              INTEGER NOT NULL,
    resolved_at             INTEGER,
    strategy_used           TEXT,
    requires_human          INTEGER NOT NULL DEFAULT 0,
    intervention_reason     TEXT,
    assigned_to             TEXT,
    human_notes             TEXT,
    resolution_success      INTEGER NOT NULL DEFAULT 0,
    resolution_time_seconds REAL,
    automation_score        REAL NOT NULL,
    suggestions             TEXT NOT NULL DEFAULT '[]',
    escalation_due_at       INTEGER,
    CHECK ((resolved_at IS NOT NULL) = (status IN ('auto_resolved', 'human_resolved', 'failed')))
);
CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_status ON conflict_resolutions (status, created_at);
CREATE INDEX IF NOT EXISTS idx_conflict_resolutions_subject ON conflict_resolutions (subject_id, conflict_type, created_at);

CREATE TABLE IF NOT EXISTS resolution_actions (
    id            TEXT PRIMARY KEY,
    resolution_id TEXT NOT NULL REFERENCES conflict_resolutions (id),
    seq           INTEGER NOT NULL,
    action_type   TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    performed_by  TEXT NOT NULL,
    performed_at  INTEGER NOT NULL,
    parameters    TEXT NOT NULL DEFAULT '{}',
    result        TEXT,
    success       INTEGER NOT NULL,
    content_hash  TEXT NOT NULL DEFAULT '',
    UNIQUE (resolution_id, seq)
);

CREATE TABLE IF NOT EXISTS strategy_effectiveness (
    strategy   TEXT PRIMARY KEY,
    score      REAL NOT NULL DEFAULT 0.5,
    samples    INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS resolution_outcomes (
    id                TEXT PRIMARY KEY,
    target_id         TEXT NOT NULL,
    target_kind       TEXT NOT NULL,
    actual_outcome    TEXT NOT NULL,
    conflict_occurred INTEGER NOT NULL,
    satisfaction      REAL,
    strategies        TEXT NOT NULL DEFAULT '[]',
    recorded_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conflict_risks (
    id                 TEXT PRIMARY KEY,
    subject_id         TEXT NOT NULL,
    risk_level         TEXT NOT NULL,
    starts_at          INTEGER NOT NULL,
    ends_at            INTEGER NOT NULL,
    predicted_type     TEXT NOT NULL,
    probability        REAL NOT NULL,
    factors            TEXT NOT NULL DEFAULT '[]',
    strategies         TEXT NOT NULL DEFAULT '[]',
    attempted_strategies TEXT NOT NULL DEFAULT '[]',
    early_warning_sent INTEGER NOT NULL DEFAULT 0,
    prevented          INTEGER NOT NULL DEFAULT 0,
    source             TEXT NOT NULL,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflict_risks_subject_window ON conflict_risks (subject_id, starts_at, ends_at);

CREATE TABLE IF NOT EXISTS operators (
    id           TEXT PRIMARY KEY,
    operator_id  TEXT NOT NULL UNIQUE,
    name         TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL,
    api_key_hash TEXT,
    created_at   INTEGER NOT NULL
);
`
