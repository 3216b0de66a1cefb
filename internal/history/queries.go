package history

// Schema creates the history tables. Applied out of band; kept here so
// the backend simulator and fresh environments can bootstrap themselves.
const Schema = `
CREATE TABLE IF NOT EXISTS attempts (
    attempt_id              UUID PRIMARY KEY,
    order_id                TEXT NOT NULL,
    kind                    TEXT NOT NULL,
    phase                   TEXT NOT NULL,
    client_reference        TEXT NOT NULL DEFAULT '',
    provider_transaction_id TEXT NOT NULL DEFAULT '',
    reason                  TEXT NOT NULL DEFAULT '',
    attempts_made           INT  NOT NULL DEFAULT 0,
    started_at              TIMESTAMPTZ,
    resolved_at             TIMESTAMPTZ,
    updated_at              TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS attempts_order_idx ON attempts (order_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS attempts_phase_idx ON attempts (phase, updated_at);

CREATE TABLE IF NOT EXISTS transitions (
    id         BIGSERIAL PRIMARY KEY,
    attempt_id UUID NOT NULL,
    order_id   TEXT NOT NULL,
    phase      TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS transitions_attempt_idx ON transitions (attempt_id, id);
`

// queryUpsertAttempt writes one attempt snapshot. The WHERE clause on
// the conflict branch is the terminal guard: a row already in a terminal
// phase is never updated again, whatever a late snapshot claims.
const queryUpsertAttempt = `
INSERT INTO attempts (
    attempt_id, order_id, kind, phase, client_reference,
    provider_transaction_id, reason, attempts_made,
    started_at, resolved_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (attempt_id) DO UPDATE SET
    phase = EXCLUDED.phase,
    client_reference = EXCLUDED.client_reference,
    provider_transaction_id = EXCLUDED.provider_transaction_id,
    reason = EXCLUDED.reason,
    attempts_made = EXCLUDED.attempts_made,
    started_at = EXCLUDED.started_at,
    resolved_at = EXCLUDED.resolved_at,
    updated_at = EXCLUDED.updated_at
WHERE attempts.phase NOT IN ('confirmed', 'failed', 'timed_out')
`

const queryInsertTransition = `
INSERT INTO transitions (attempt_id, order_id, phase, reason, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`

const queryGetAttempt = `
SELECT attempt_id, order_id, kind, phase, client_reference,
       provider_transaction_id, reason, attempts_made,
       started_at, resolved_at, updated_at
FROM attempts
WHERE attempt_id = $1
`

const queryLatestAttemptForOrder = `
SELECT attempt_id, order_id, kind, phase, client_reference,
       provider_transaction_id, reason, attempts_made,
       started_at, resolved_at, updated_at
FROM attempts
WHERE order_id = $1
ORDER BY updated_at DESC
LIMIT 1
`

// queryStaleAttempts finds attempts a crashed process left non-terminal.
const queryStaleAttempts = `
SELECT attempt_id, order_id, kind, phase, client_reference,
       provider_transaction_id, reason, attempts_made,
       started_at, resolved_at, updated_at
FROM attempts
WHERE phase NOT IN ('confirmed', 'failed', 'timed_out')
  AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`

const queryGetAttemptPhase = `
SELECT phase FROM attempts WHERE attempt_id = $1
`

// queryMarkTimedOut carries the same guard as the upsert: the row lock
// is taken before WHERE evaluates, so a concurrent terminal write wins
// cleanly.
const queryMarkTimedOut = `
UPDATE attempts
SET phase = 'timed_out', resolved_at = $2, updated_at = $2
WHERE attempt_id = $1
  AND phase NOT IN ('confirmed', 'failed', 'timed_out')
`

const queryListTransitions = `
SELECT attempt_id, order_id, phase, reason, occurred_at
FROM transitions
WHERE attempt_id = $1
ORDER BY id ASC
`
