package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot — копия бизнес-полей документа без идентичности (id, номер, версия, даты аудита).
// Используется для создания производных документов и для полезной нагрузки событий.
type Snapshot struct {
	Type   int `json:"type"`
	Status int `json:"status"`

	BusinessUnitID string `json:"business_unit_id,omitempty"`
	BillToPartyID  string `json:"bill_to_party_id,omitempty"`
	ShipToPartyID  string `json:"ship_to_party_id,omitempty"`
	CurrencyCode   string `json:"currency_code,omitempty"`
	SourceCode     string `json:"source_code,omitempty"`

	Date    time.Time  `json:"date"`
	DueDate *time.Time `json:"due_date,omitempty"`

	HeaderDiscountPct *decimal.Decimal `json:"header_discount_pct,omitempty"`
	Subtotal          decimal.Decimal  `json:"subtotal"`
	TotalDiscount     decimal.Decimal  `json:"total_discount"`
	FinalTotal        decimal.Decimal  `json:"final_total"`

	Reference         string `json:"reference,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
	Remarks           string `json:"remarks,omitempty"`
	SourceOrderID     string `json:"source_order_id,omitempty"`

	Lines []LineSnapshot `json:"lines"`
}

// LineSnapshot — копия бизнес-полей строки.
type LineSnapshot struct {
	Sequence       int              `json:"sequence"`
	ItemID         string           `json:"item_id"`
	UOMID          string           `json:"uom_id,omitempty"`
	WarehouseID    string           `json:"warehouse_id,omitempty"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Quantity2      decimal.Decimal  `json:"quantity2"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	DiscountPct    *decimal.Decimal `json:"discount_pct,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	Remarks        string           `json:"remarks,omitempty"`
	FreeComment    string           `json:"free_comment,omitempty"`
	LineTotal      decimal.Decimal  `json:"line_total"`
}

// Snapshot снимает копию документа. Указатели копируются по значению, чтобы
// изменение копии не затрагивало исходник.
func (t *Transaction) Snapshot() Snapshot {
	s := Snapshot{
		Type:              t.Type,
		Status:            t.Status,
		BusinessUnitID:    t.BusinessUnitID,
		BillToPartyID:     t.BillToPartyID,
		ShipToPartyID:     t.ShipToPartyID,
		CurrencyCode:      t.CurrencyCode,
		SourceCode:        t.SourceCode,
		Date:              t.Date,
		DueDate:           copyTime(t.DueDate),
		HeaderDiscountPct: copyDecimal(t.HeaderDiscountPct),
		Subtotal:          t.Subtotal,
		TotalDiscount:     t.TotalDiscount,
		FinalTotal:        t.FinalTotal,
		Reference:         t.Reference,
		ExternalReference: t.ExternalReference,
		Remarks:           t.Remarks,
		SourceOrderID:     t.SourceOrderID,
		Lines:             make([]LineSnapshot, 0, len(t.Lines)),
	}
	for _, line := range t.Lines {
		s.Lines = append(s.Lines, line.Snapshot())
	}
	return s
}

// Snapshot снимает копию строки.
func (l Line) Snapshot() LineSnapshot {
	return LineSnapshot{
		Sequence:       l.Sequence,
		ItemID:         l.ItemID,
		UOMID:          l.UOMID,
		WarehouseID:    l.WarehouseID,
		Quantity:       l.Quantity,
		Quantity2:      l.Quantity2,
		Price:          copyDecimal(l.Price),
		DiscountPct:    copyDecimal(l.DiscountPct),
		DiscountAmount: copyDecimal(l.DiscountAmount),
		Remarks:        l.Remarks,
		FreeComment:    l.FreeComment,
		LineTotal:      l.LineTotal,
	}
}

// Materialize строит новый документ из снимка. Идентификаторы, номер и даты аудита
// остаются пустыми и заполняются вызывающим.
func (s Snapshot) Materialize() *Transaction {
	tx := &Transaction{
		Type:              s.Type,
		Status:            s.Status,
		BusinessUnitID:    s.BusinessUnitID,
		BillToPartyID:     s.BillToPartyID,
		ShipToPartyID:     s.ShipToPartyID,
		CurrencyCode:      s.CurrencyCode,
		SourceCode:        s.SourceCode,
		Date:              s.Date,
		DueDate:           copyTime(s.DueDate),
		HeaderDiscountPct: copyDecimal(s.HeaderDiscountPct),
		Subtotal:          s.Subtotal,
		TotalDiscount:     s.TotalDiscount,
		FinalTotal:        s.FinalTotal,
		Reference:         s.Reference,
		ExternalReference: s.ExternalReference,
		Remarks:           s.Remarks,
		SourceOrderID:     s.SourceOrderID,
		Lines:             make([]Line, 0, len(s.Lines)),
	}
	for _, ls := range s.Lines {
		tx.Lines = append(tx.Lines, ls.Materialize())
	}
	return tx
}

// Materialize строит строку из снимка.
func (s LineSnapshot) Materialize() Line {
	return Line{
		Sequence:       s.Sequence,
		ItemID:         s.ItemID,
		UOMID:          s.UOMID,
		WarehouseID:    s.WarehouseID,
		Quantity:       s.Quantity,
		Quantity2:      s.Quantity2,
		Price:          copyDecimal(s.Price),
		DiscountPct:    copyDecimal(s.DiscountPct),
		DiscountAmount: copyDecimal(s.DiscountAmount),
		Remarks:        s.Remarks,
		FreeComment:    s.FreeComment,
		LineTotal:      s.LineTotal,
	}
}

// Clone возвращает глубокую копию документа вместе с идентичностью.
func (t *Transaction) Clone() *Transaction {
	c := t.Snapshot().Materialize()
	c.ID = t.ID
	c.Number = t.Number
	c.Version = t.Version
	c.CreatedAt = t.CreatedAt
	c.UpdatedAt = t.UpdatedAt
	for i := range c.Lines {
		c.Lines[i].ID = t.Lines[i].ID
		c.Lines[i].TransactionID = t.Lines[i].TransactionID
	}
	return c
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
