package domain

import (
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Зарезервированные коды типов документов. Остальные значения допустимы и трактуются как произвольные.
const (
	TypeGeneric    = 1
	TypeSalesOrder = 2
	TypeInvoice    = 3
)

// Зарезервированные коды статусов.
const (
	StatusNew      = 1000
	StatusApproved = 1001
	StatusRejected = 1002
	StatusOpen     = 1003
	StatusPaid     = 1004
)

// DefaultPaymentTermDays — срок оплаты счёта, созданного из заказа.
const DefaultPaymentTermDays = 30

// Transaction — заголовок бизнес-документа (заказ, счёт и т.д.) вместе с его строками.
type Transaction struct {
	ID     string
	Number string
	Type   int
	Status int

	BusinessUnitID string
	BillToPartyID  string
	ShipToPartyID  string
	CurrencyCode   string
	SourceCode     string

	Date    time.Time
	DueDate *time.Time

	// HeaderDiscountPct — скидка на документ целиком в процентах (0..100).
	HeaderDiscountPct *decimal.Decimal

	Subtotal      decimal.Decimal
	TotalDiscount decimal.Decimal
	FinalTotal    decimal.Decimal

	Reference         string
	ExternalReference string
	Remarks           string
	// SourceOrderID хранит идентификатор заказа, из которого создан документ.
	SourceOrderID string

	Lines []Line

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Line — строка документа.
type Line struct {
	ID            string
	TransactionID string
	Sequence      int

	ItemID      string
	UOMID       string
	WarehouseID string

	Quantity  decimal.Decimal
	Quantity2 decimal.Decimal
	// Price == nil означает, что цена не задана, итог строки будет нулевым.
	Price          *decimal.Decimal
	DiscountPct    *decimal.Decimal
	DiscountAmount *decimal.Decimal

	Remarks     string
	FreeComment string

	LineTotal decimal.Decimal
}

// Item — позиция каталога.
type Item struct {
	ID   string
	Name string
}

// TransactionType — метаданные типа документа.
type TransactionType struct {
	ID          int
	DisplayName string
}

// StockRecord — складской остаток по паре (товар, склад).
type StockRecord struct {
	ItemID      string
	WarehouseID string
	OnHand      decimal.Decimal
	Reserved    decimal.Decimal
	Damaged     decimal.Decimal
}

// Available возвращает доступный остаток: на руках минус зарезервированное.
func (s StockRecord) Available() decimal.Decimal {
	return s.OnHand.Sub(s.Reserved)
}

// IsOutgoing сообщает, списывает ли документ данного типа товар со склада.
func IsOutgoing(txType int) bool {
	return txType == TypeSalesOrder || txType == TypeInvoice
}

// DefaultStatus возвращает начальный статус для типа документа.
func DefaultStatus(txType int) int {
	switch txType {
	case TypeSalesOrder:
		return StatusNew
	case TypeInvoice:
		return StatusOpen
	default:
		return 0
	}
}

// NextSequence возвращает номер для следующей строки: максимум существующих плюс один.
func (t *Transaction) NextSequence() int {
	maxSeq := 0
	for _, line := range t.Lines {
		if line.Sequence > maxSeq {
			maxSeq = line.Sequence
		}
	}
	return maxSeq + 1
}

// FindLine ищет строку по идентификатору.
func (t *Transaction) FindLine(lineID string) (int, bool) {
	for i := range t.Lines {
		if t.Lines[i].ID == lineID {
			return i, true
		}
	}
	return -1, false
}

var (
	hundred = decimal.NewFromInt(100)
)

// Validate проверяет значения строки до любых изменений хранилища.
func (l Line) Validate() error {
	var fields []FieldViolation

	if !l.Quantity.IsPositive() {
		fields = append(fields, FieldViolation{Field: "quantity", Message: "Quantity must be greater than 0"})
	}
	if l.Quantity2.IsNegative() {
		fields = append(fields, FieldViolation{Field: "quantity2", Message: "Quantity must be positive"})
	}
	if l.Price != nil && l.Price.IsNegative() {
		fields = append(fields, FieldViolation{Field: "price", Message: "Price must be non-negative"})
	}
	if l.DiscountPct != nil && (l.DiscountPct.IsNegative() || l.DiscountPct.GreaterThan(hundred)) {
		fields = append(fields, FieldViolation{Field: "discount_pct", Message: "Discount percentage must be between 0 and 100"})
	}
	if l.DiscountAmount != nil && l.DiscountAmount.IsNegative() {
		fields = append(fields, FieldViolation{Field: "discount_amount", Message: "Discount amount must be non-negative"})
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ValidateHeaderDiscount проверяет процент скидки на документ.
func ValidateHeaderDiscount(pct *decimal.Decimal) error {
	if pct == nil {
		return nil
	}
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return &ValidationError{Fields: []FieldViolation{{
			Field:   "header_discount_pct",
			Message: "Discount percentage must be between 0 and 100",
		}}}
	}
	return nil
}

// ValidateLines проверяет набор строк; индекс строки попадает в имя поля.
func ValidateLines(lines []Line) error {
	var fields []FieldViolation
	for i, line := range lines {
		var verr *ValidationError
		if err := line.Validate(); errors.As(err, &verr) {
			for _, f := range verr.Fields {
				f.Field = "lines[" + strconv.Itoa(i) + "]." + f.Field
				fields = append(fields, f)
			}
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
