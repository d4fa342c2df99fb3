package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	numberUniqueIndex = "ux_transactions_number"
)

const transactionColumns = `
	id, number, type, status, business_unit_id, bill_to_party_id, ship_to_party_id,
	currency_code, source_code, date, due_date, header_discount_pct,
	subtotal, total_discount, final_total, reference, external_reference, remarks,
	source_order_id, version, created_at, updated_at`

const lineColumns = `
	id, transaction_id, sequence, item_id, uom_id, warehouse_id, quantity, quantity2,
	price, discount_pct, discount_amount, remarks, free_comment, line_total`

type transactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository создаёт PostgreSQL-реализацию TransactionRepository.
func NewTransactionRepository(store *Store) domain.TransactionRepository {
	return &transactionRepository{db: store.DB()}
}

func (r *transactionRepository) Create(ctx context.Context, t *domain.Transaction) (err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		t.ID, t.Number, t.Type, t.Status, t.BusinessUnitID, t.BillToPartyID, t.ShipToPartyID,
		t.CurrencyCode, t.SourceCode, t.Date, nullTime(t.DueDate), nullDecimal(t.HeaderDiscountPct),
		t.Subtotal, t.TotalDiscount, t.FinalTotal, t.Reference, t.ExternalReference, t.Remarks,
		t.SourceOrderID, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isNumberCollision(err) {
			return domain.ErrNumberTaken
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	for _, line := range t.Lines {
		if err = insertLine(ctx, tx, t.ID, line); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create transaction: %w", err)
	}
	return nil
}

func (r *transactionRepository) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("select transaction: %w", err)
	}

	lines, err := r.loadLines(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Lines = lines
	return t, nil
}

func (r *transactionRepository) Save(ctx context.Context, t *domain.Transaction, changes domain.LineChanges) (err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET number = $1,
		    status = $2,
		    business_unit_id = $3,
		    bill_to_party_id = $4,
		    ship_to_party_id = $5,
		    currency_code = $6,
		    source_code = $7,
		    date = $8,
		    due_date = $9,
		    header_discount_pct = $10,
		    subtotal = $11,
		    total_discount = $12,
		    final_total = $13,
		    reference = $14,
		    external_reference = $15,
		    remarks = $16,
		    version = version + 1,
		    updated_at = $17
		WHERE id = $18
		  AND version = $19
	`,
		t.Number, t.Status, t.BusinessUnitID, t.BillToPartyID, t.ShipToPartyID,
		t.CurrencyCode, t.SourceCode, t.Date, nullTime(t.DueDate), nullDecimal(t.HeaderDiscountPct),
		t.Subtotal, t.TotalDiscount, t.FinalTotal, t.Reference, t.ExternalReference, t.Remarks,
		t.UpdatedAt, t.ID, t.Version,
	)
	if err != nil {
		if isNumberCollision(err) {
			return domain.ErrNumberTaken
		}
		return fmt.Errorf("update transaction: %w", err)
	}
	if err = r.checkAffected(ctx, tx, res, t.ID); err != nil {
		return err
	}

	for _, lineID := range changes.Removed {
		res, err = tx.ExecContext(ctx, `
			DELETE FROM transaction_lines
			WHERE id = $1
			  AND transaction_id = $2
		`, lineID, t.ID)
		if err != nil {
			return fmt.Errorf("delete transaction line: %w", err)
		}
		if err = expectLine(res); err != nil {
			return err
		}
	}

	for _, line := range changes.Updated {
		res, err = tx.ExecContext(ctx, `
			UPDATE transaction_lines
			SET item_id = $1,
			    uom_id = $2,
			    warehouse_id = $3,
			    quantity = $4,
			    quantity2 = $5,
			    price = $6,
			    discount_pct = $7,
			    discount_amount = $8,
			    remarks = $9,
			    free_comment = $10,
			    line_total = $11
			WHERE id = $12
			  AND transaction_id = $13
		`,
			line.ItemID, line.UOMID, line.WarehouseID, line.Quantity, line.Quantity2,
			nullDecimal(line.Price), nullDecimal(line.DiscountPct), nullDecimal(line.DiscountAmount),
			line.Remarks, line.FreeComment, line.LineTotal, line.ID, t.ID,
		)
		if err != nil {
			return fmt.Errorf("update transaction line: %w", err)
		}
		if err = expectLine(res); err != nil {
			return err
		}
	}

	for _, line := range changes.Added {
		if err = insertLine(ctx, tx, t.ID, line); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save transaction: %w", err)
	}

	t.Version++
	return nil
}

func (r *transactionRepository) Delete(ctx context.Context, id string, version int64) (err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM transaction_lines WHERE transaction_id = $1`, id); err != nil {
		return fmt.Errorf("delete transaction lines: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if err = r.checkAffected(ctx, tx, res, id); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transaction: %w", err)
	}
	return nil
}

func (r *transactionRepository) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Type != 0 {
		where = append(where, "type = "+arg(filter.Type))
	}
	if !filter.From.IsZero() {
		where = append(where, "date >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "date <= "+arg(filter.To))
	}
	if filter.NumberPrefix != "" {
		where = append(where, "number LIKE "+arg(likePrefix(filter.NumberPrefix)))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date DESC, created_at DESC, number DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return result, nil
}

func (r *transactionRepository) ListNumbers(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT number
		FROM transactions
		WHERE number LIKE $1
		ORDER BY number
	`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list transaction numbers: %w", err)
	}
	defer rows.Close()

	numbers := make([]string, 0)
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return nil, fmt.Errorf("scan transaction number: %w", err)
		}
		numbers = append(numbers, number)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction numbers: %w", err)
	}
	return numbers, nil
}

func (r *transactionRepository) NumberExists(ctx context.Context, number string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE number = $1)`, number)
}

func (r *transactionRepository) HasDerived(ctx context.Context, id string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE source_order_id = $1)`, id)
}

func (r *transactionRepository) exists(ctx context.Context, query string, arg string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&exists); err != nil {
		return false, fmt.Errorf("check exists: %w", err)
	}
	return exists, nil
}

func (r *transactionRepository) loadLines(ctx context.Context, transactionID string) ([]domain.Line, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+lineColumns+`
		FROM transaction_lines
		WHERE transaction_id = $1
		ORDER BY sequence ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load transaction lines: %w", err)
	}
	defer rows.Close()

	lines := make([]domain.Line, 0)
	for rows.Next() {
		var (
			line                         domain.Line
			price, discountPct, discount decimal.NullDecimal
		)
		if err := rows.Scan(
			&line.ID, &line.TransactionID, &line.Sequence, &line.ItemID, &line.UOMID, &line.WarehouseID,
			&line.Quantity, &line.Quantity2, &price, &discountPct, &discount,
			&line.Remarks, &line.FreeComment, &line.LineTotal,
		); err != nil {
			return nil, fmt.Errorf("scan transaction line: %w", err)
		}
		line.Price = decimalPtr(price)
		line.DiscountPct = decimalPtr(discountPct)
		line.DiscountAmount = decimalPtr(discount)
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction lines: %w", err)
	}
	return lines, nil
}

// checkAffected отличает отсутствующий документ от конфликта версий, когда UPDATE/DELETE не затронул строк.
func (r *transactionRepository) checkAffected(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var found string
	err = tx.QueryRowContext(ctx, `SELECT id FROM transactions WHERE id = $1`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("check transaction exists: %w", err)
	}
	return domain.ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t              domain.Transaction
		dueDate        sql.NullTime
		headerDiscount decimal.NullDecimal
	)
	if err := row.Scan(
		&t.ID, &t.Number, &t.Type, &t.Status, &t.BusinessUnitID, &t.BillToPartyID, &t.ShipToPartyID,
		&t.CurrencyCode, &t.SourceCode, &t.Date, &dueDate, &headerDiscount,
		&t.Subtotal, &t.TotalDiscount, &t.FinalTotal, &t.Reference, &t.ExternalReference, &t.Remarks,
		&t.SourceOrderID, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if dueDate.Valid {
		due := dueDate.Time
		t.DueDate = &due
	}
	t.HeaderDiscountPct = decimalPtr(headerDiscount)
	return &t, nil
}

func insertLine(ctx context.Context, tx *sql.Tx, transactionID string, line domain.Line) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transaction_lines (`+lineColumns+`
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		line.ID, transactionID, line.Sequence, line.ItemID, line.UOMID, line.WarehouseID,
		line.Quantity, line.Quantity2,
		nullDecimal(line.Price), nullDecimal(line.DiscountPct), nullDecimal(line.DiscountAmount),
		line.Remarks, line.FreeComment, line.LineTotal,
	); err != nil {
		return fmt.Errorf("insert transaction line: %w", err)
	}
	return nil
}

func expectLine(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrLineNotFound
	}
	return nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// likePrefix экранирует спецсимволы LIKE и добавляет '%'.
func likePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix) + "%"
}

func isNumberCollision(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == numberUniqueIndex
	}
	return false
}

var _ domain.TransactionRepository = (*transactionRepository)(nil)
