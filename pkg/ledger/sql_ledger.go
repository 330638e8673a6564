package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db *sql.DB
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS obligations (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	amount_minor BIGINT NOT NULL,
	currency TEXT NOT NULL,
	description TEXT,
	due_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	claim_token TEXT,
	claimed_at TIMESTAMP,
	last_outcome TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_obligations_status_due ON obligations(status, due_at);
CREATE INDEX IF NOT EXISTS idx_obligations_order ON obligations(order_id);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const obligationColumns = `id, order_id, customer_id, amount_minor, currency, description, due_at, status, attempt_count, claim_token, claimed_at, last_outcome, created_at, updated_at`

func (s *SQLLedger) CreateObligations(ctx context.Context, orderID, customerID string, items []ObligationSpec) ([]Obligation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO obligations (id, order_id, customer_id, amount_minor, currency, description, due_at, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	created := make([]Obligation, 0, len(items))
	for _, item := range items {
		ob := Obligation{
			ID:          uuid.New().String(),
			OrderID:     orderID,
			CustomerID:  customerID,
			Amount:      item.Amount,
			Description: item.Description,
			DueAt:       item.DueAt,
			Status:      StatusScheduled,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err := stmt.ExecContext(ctx,
			ob.ID, ob.OrderID, ob.CustomerID,
			ob.Amount.AmountMinor, ob.Amount.Currency, ob.Description,
			ob.DueAt, ob.Status, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("ledger: failed to insert obligation: %w", err)
		}
		created = append(created, ob)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: failed to commit: %w", err)
	}
	return created, nil
}

func (s *SQLLedger) FindDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]Obligation, error) {
	query := `
		SELECT ` + obligationColumns + `
		FROM obligations
		WHERE (status = $1 AND due_at <= $2)
		   OR (status = $3 AND claimed_at <= $4)
		ORDER BY due_at ASC
		LIMIT $5
	`
	rows, err := s.db.QueryContext(ctx, query, StatusScheduled, now, StatusProcessing, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query due obligations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Obligation, 0)
	for rows.Next() {
		ob, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ob)
	}
	return result, rows.Err()
}

func (s *SQLLedger) Transition(ctx context.Context, id string, expected, next Status, fields TransitionFields) (bool, error) {
	if !ValidTransition(expected, next) {
		return false, &IllegalTransitionError{From: expected, To: next}
	}

	set := []string{"status = $1", "updated_at = $2"}
	args := []any{next, time.Now().UTC()}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if fields.DueAt != nil {
		set = append(set, "due_at = "+arg(*fields.DueAt))
	}
	if fields.ClaimToken != nil {
		set = append(set, "claim_token = "+arg(*fields.ClaimToken))
	}
	if fields.ClaimedAt != nil {
		set = append(set, "claimed_at = "+arg(*fields.ClaimedAt))
	}
	if fields.IncrementAttempt {
		set = append(set, "attempt_count = attempt_count + 1")
	}
	if fields.LastOutcome != nil {
		set = append(set, "last_outcome = "+arg(*fields.LastOutcome))
	}

	where := []string{"id = " + arg(id), "status = " + arg(expected)}
	if fields.PriorClaimToken != nil {
		// COALESCE so an empty guard also matches NULL, covering rows
		// that ended up PROCESSING without a recorded token.
		where = append(where, "COALESCE(claim_token, '') = "+arg(*fields.PriorClaimToken))
	}
	if fields.PriorDueAt != nil {
		where = append(where, "due_at = "+arg(*fields.PriorDueAt))
	}

	query := "UPDATE obligations SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("ledger: transition failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: failed to check rows affected: %w", err)
	}
	// Zero rows means the CAS guard did not match: another worker won.
	return n == 1, nil
}

func (s *SQLLedger) Get(ctx context.Context, id string) (Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations WHERE id = $1`
	row := s.db.QueryRowContext(ctx, query, id)
	ob, err := scanObligation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Obligation{}, ErrNotFound
		}
		return Obligation{}, err
	}
	return ob, nil
}

func (s *SQLLedger) ListByOrder(ctx context.Context, orderID string) ([]Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations WHERE order_id = $1 ORDER BY due_at ASC`
	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query order obligations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Obligation, 0)
	for rows.Next() {
		ob, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ob)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligation(row rowScanner) (Obligation, error) {
	var ob Obligation
	var description, claimToken, lastOutcome sql.NullString
	var claimedAt sql.NullTime

	err := row.Scan(
		&ob.ID, &ob.OrderID, &ob.CustomerID,
		&ob.Amount.AmountMinor, &ob.Amount.Currency, &description,
		&ob.DueAt, &ob.Status, &ob.AttemptCount,
		&claimToken, &claimedAt, &lastOutcome,
		&ob.CreatedAt, &ob.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Obligation{}, err
		}
		return Obligation{}, fmt.Errorf("ledger: failed to scan row: %w", err)
	}
	ob.Description = description.String
	ob.ClaimToken = claimToken.String
	ob.ClaimedAt = claimedAt.Time
	ob.LastOutcome = lastOutcome.String
	return ob, nil
}
