package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

const maxBodyBytes = 1 << 20

type lineRequest struct {
	ItemID         string           `json:"item_id"`
	UOMID          string           `json:"uom_id"`
	WarehouseID    string           `json:"warehouse_id"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Quantity2      decimal.Decimal  `json:"quantity2"`
	Price          *decimal.Decimal `json:"price"`
	DiscountPct    *decimal.Decimal `json:"discount_pct"`
	DiscountAmount *decimal.Decimal `json:"discount_amount"`
	Remarks        string           `json:"remarks"`
	FreeComment    string           `json:"free_comment"`
}

func (l lineRequest) toDomain() domain.Line {
	return domain.Line{
		ItemID:         l.ItemID,
		UOMID:          l.UOMID,
		WarehouseID:    l.WarehouseID,
		Quantity:       l.Quantity,
		Quantity2:      l.Quantity2,
		Price:          l.Price,
		DiscountPct:    l.DiscountPct,
		DiscountAmount: l.DiscountAmount,
		Remarks:        l.Remarks,
		FreeComment:    l.FreeComment,
	}
}

func linesToDomain(in []lineRequest) []domain.Line {
	lines := make([]domain.Line, 0, len(in))
	for _, l := range in {
		lines = append(lines, l.toDomain())
	}
	return lines
}

type createTransactionRequest struct {
	Number            string           `json:"number"`
	Type              int              `json:"type"`
	Status            int              `json:"status"`
	BusinessUnitID    string           `json:"business_unit_id"`
	BillToPartyID     string           `json:"bill_to_party_id"`
	ShipToPartyID     string           `json:"ship_to_party_id"`
	CurrencyCode      string           `json:"currency_code"`
	SourceCode        string           `json:"source_code"`
	Date              *time.Time       `json:"date"`
	DueDate           *time.Time       `json:"due_date"`
	HeaderDiscountPct *decimal.Decimal `json:"header_discount_pct"`
	Reference         string           `json:"reference"`
	ExternalReference string           `json:"external_reference"`
	Remarks           string           `json:"remarks"`
	Lines             []lineRequest    `json:"lines"`
}

func (r createTransactionRequest) header() domain.Transaction {
	tx := domain.Transaction{
		Number:            r.Number,
		Type:              r.Type,
		Status:            r.Status,
		BusinessUnitID:    r.BusinessUnitID,
		BillToPartyID:     r.BillToPartyID,
		ShipToPartyID:     r.ShipToPartyID,
		CurrencyCode:      r.CurrencyCode,
		SourceCode:        r.SourceCode,
		DueDate:           r.DueDate,
		HeaderDiscountPct: r.HeaderDiscountPct,
		Reference:         r.Reference,
		ExternalReference: r.ExternalReference,
		Remarks:           r.Remarks,
	}
	if r.Date != nil {
		tx.Date = *r.Date
	}
	return tx
}

type addLinesRequest struct {
	Lines []lineRequest `json:"lines"`
}

type discountRequest struct {
	HeaderDiscountPct *decimal.Decimal `json:"header_discount_pct"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type lineResponse struct {
	ID             string           `json:"id"`
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

type transactionResponse struct {
	ID                string           `json:"id"`
	Number            string           `json:"number"`
	Type              int              `json:"type"`
	Status            int              `json:"status"`
	BusinessUnitID    string           `json:"business_unit_id,omitempty"`
	BillToPartyID     string           `json:"bill_to_party_id,omitempty"`
	ShipToPartyID     string           `json:"ship_to_party_id,omitempty"`
	CurrencyCode      string           `json:"currency_code,omitempty"`
	SourceCode        string           `json:"source_code,omitempty"`
	Date              time.Time        `json:"date"`
	DueDate           *time.Time       `json:"due_date,omitempty"`
	HeaderDiscountPct *decimal.Decimal `json:"header_discount_pct,omitempty"`
	Subtotal          decimal.Decimal  `json:"subtotal"`
	TotalDiscount     decimal.Decimal  `json:"total_discount"`
	FinalTotal        decimal.Decimal  `json:"final_total"`
	Reference         string           `json:"reference,omitempty"`
	ExternalReference string           `json:"external_reference,omitempty"`
	Remarks           string           `json:"remarks,omitempty"`
	SourceOrderID     string           `json:"source_order_id,omitempty"`
	Lines             []lineResponse   `json:"lines,omitempty"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type totalsResponse struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
	FinalTotal    decimal.Decimal `json:"final_total"`
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

func toTransactionResponse(tx *domain.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:                tx.ID,
		Number:            tx.Number,
		Type:              tx.Type,
		Status:            tx.Status,
		BusinessUnitID:    tx.BusinessUnitID,
		BillToPartyID:     tx.BillToPartyID,
		ShipToPartyID:     tx.ShipToPartyID,
		CurrencyCode:      tx.CurrencyCode,
		SourceCode:        tx.SourceCode,
		Date:              tx.Date,
		DueDate:           tx.DueDate,
		HeaderDiscountPct: tx.HeaderDiscountPct,
		Subtotal:          tx.Subtotal,
		TotalDiscount:     tx.TotalDiscount,
		FinalTotal:        tx.FinalTotal,
		Reference:         tx.Reference,
		ExternalReference: tx.ExternalReference,
		Remarks:           tx.Remarks,
		SourceOrderID:     tx.SourceOrderID,
		Version:           tx.Version,
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.UpdatedAt,
	}
	for _, l := range tx.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			ID:             l.ID,
			Sequence:       l.Sequence,
			ItemID:         l.ItemID,
			UOMID:          l.UOMID,
			WarehouseID:    l.WarehouseID,
			Quantity:       l.Quantity,
			Quantity2:      l.Quantity2,
			Price:          l.Price,
			DiscountPct:    l.DiscountPct,
			DiscountAmount: l.DiscountAmount,
			Remarks:        l.Remarks,
			FreeComment:    l.FreeComment,
			LineTotal:      l.LineTotal,
		})
	}
	return resp
}

func toTransactionList(txs []*domain.Transaction) []transactionResponse {
	resp := make([]transactionResponse, len(txs))
	for i, tx := range txs {
		resp[i] = toTransactionResponse(tx)
	}
	return resp
}

func toTimelineResponse(events []domain.TimelineEvent) []timelineEventResponse {
	resp := make([]timelineEventResponse, len(events))
	for i, e := range events {
		resp[i] = timelineEventResponse{Type: e.Type, Reason: e.Reason, Occurred: e.Occurred}
	}
	return resp
}

// decodeJSON читает тело запроса. При optional пустое тело допустимо.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &domain.ValidationError{Fields: []domain.FieldViolation{{
			Field:   "body",
			Message: fmt.Sprintf("invalid request body: %v", err),
		}}}
	}
	return nil
}
