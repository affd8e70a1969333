package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfinancebr/receptor/model"
)

// PutTransaction inserts one ledger row with put-if-absent semantics
// on (accountId, externalId). It reports whether the row was newly
// inserted; replays of the same transmitter page are no-ops, keeping
// ingestion idempotent.
func (s *Store) PutTransaction(ctx context.Context, tx model.Transaction) (bool, error) {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.clock.Now()
	}
	var body, err = json.Marshal(tx)
	if err != nil {
		return false, fmt.Errorf("encoding transaction: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tx_rows (account_id, external_id, client_id, doc, booked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tx.AccountID, tx.ExternalID, tx.ClientID, body,
		tx.BookedAt.UnixMilli(), tx.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("inserting transaction: %w", err)
	}
	var n, _ = res.RowsAffected()
	return n > 0, nil
}

// ListTransactions returns up to |limit| rows of an account booked at
// or after |from|, ordered by booking instant then external id.
func (s *Store) ListTransactions(ctx context.Context, accountID string, from time.Time, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM tx_rows
		WHERE account_id = ? AND booked_at >= ?
		ORDER BY booked_at ASC, external_id ASC LIMIT ?`,
		accountID, from.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var body []byte
		if err = rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		var tx model.Transaction
		if err = json.Unmarshal(body, &tx); err != nil {
			return nil, fmt.Errorf("decoding transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// CountTransactions returns the number of rows stored for an account.
func (s *Store) CountTransactions(ctx context.Context, accountID string) (int64, error) {
	var n int64
	var err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tx_rows WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting transactions: %w", err)
	}
	return n, nil
}
