package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gigmarket/ordersync/internal/models"
)

// OrderSnapshotRepository keeps the last known state of each order so the
// agent can show orders before its first successful fetch
type OrderSnapshotRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewOrderSnapshotRepository creates a new order snapshot repository
func NewOrderSnapshotRepository(db *sqlx.DB) *OrderSnapshotRepository {
	return &OrderSnapshotRepository{db: db, now: time.Now}
}

type snapshotRow struct {
	ID      string `db:"id"`
	Payload string `db:"payload"`
}

const upsertSnapshot = `
	INSERT INTO order_snapshots (id, order_number, status, payload, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		order_number = excluded.order_number,
		status = excluded.status,
		payload = excluded.payload,
		updated_at = excluded.updated_at
`

// Save stores one order
func (r *OrderSnapshotRepository) Save(ctx context.Context, order models.Order) error {
	return r.SaveAll(ctx, []models.Order{order})
}

// SaveAll stores orders in one transaction. Extras the backend has not
// confirmed yet are left out.
func (r *OrderSnapshotRepository) SaveAll(ctx context.Context, orders []models.Order) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query := tx.Rebind(upsertSnapshot)
	now := r.now().UTC()
	for _, o := range orders {
		o.Extras = o.ConfirmedExtras()

		var payload []byte
		payload, err = json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to encode order %s: %w", o.ID, err)
		}
		if _, err = tx.ExecContext(ctx, query, o.ID, o.OrderNumber, string(o.Status), string(payload), now); err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// List returns stored orders, optionally filtered by status
func (r *OrderSnapshotRepository) List(ctx context.Context, status *models.OrderStatus) ([]models.Order, error) {
	query := `SELECT id, payload FROM order_snapshots`
	var args []interface{}

	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}

	query += ` ORDER BY updated_at DESC, id ASC`

	var rows []snapshotRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list order snapshots: %w", err)
	}

	orders := make([]models.Order, 0, len(rows))
	for _, row := range rows {
		var o models.Order
		if err := json.Unmarshal([]byte(row.Payload), &o); err != nil {
			return nil, fmt.Errorf("failed to decode order %s: %w", row.ID, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// Delete removes an order snapshot
func (r *OrderSnapshotRepository) Delete(ctx context.Context, id string) error {
	query := r.db.Rebind(`DELETE FROM order_snapshots WHERE id = ?`)

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete order snapshot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("order %s: %w", id, models.ErrOrderNotFound)
	}
	return nil
}
