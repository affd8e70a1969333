package store

// Collection names of the receptor's persisted state.
const (
	CollectionConsents          = "consents"
	CollectionConsentExtensions = "consent_extensions"
	CollectionAccounts          = "accounts"
	CollectionBalances          = "balances"
	CollectionLimits            = "limits"
	CollectionJobs              = "jobs"
	CollectionRuns              = "runs"
	CollectionDLQ               = "dlq"
)

// documents is the single-table layout shared by every collection:
// one JSON document per row, addressed by (collection, partition, key),
// with the handful of columns the receptor's access paths index on
// hoisted out of the document.
//
// tx_rows is separate because transactions are append-only and written
// with put-if-absent rather than versioned upserts.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection      TEXT    NOT NULL,
	partition_key   TEXT    NOT NULL,
	doc_key         TEXT    NOT NULL,
	version         INTEGER NOT NULL,
	doc             BLOB    NOT NULL,
	status          TEXT    NOT NULL DEFAULT '',
	org_key         TEXT    NOT NULL DEFAULT '',
	priority        INTEGER NOT NULL DEFAULT 0,
	next_visible_at INTEGER NOT NULL DEFAULT 0,
	expires_at      INTEGER,
	deleted_at      INTEGER,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (collection, partition_key, doc_key)
);

CREATE INDEX IF NOT EXISTS idx_documents_status
	ON documents (collection, status, next_visible_at, priority DESC, created_at);

CREATE INDEX IF NOT EXISTS idx_documents_org
	ON documents (collection, org_key, doc_key);

CREATE INDEX IF NOT EXISTS idx_documents_expiry
	ON documents (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS tx_rows (
	account_id  TEXT    NOT NULL,
	external_id TEXT    NOT NULL,
	client_id   TEXT    NOT NULL,
	doc         BLOB    NOT NULL,
	booked_at   INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (account_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_tx_rows_booked
	ON tx_rows (account_id, booked_at);
`
