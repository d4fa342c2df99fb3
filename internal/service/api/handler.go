// Package api — HTTP-интерфейс движка документов поверх chi.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// Service — операции движка, которые доступны через HTTP.
type Service interface {
	CreateTransactionWithItems(ctx context.Context, header domain.Transaction, lines []domain.Line) (*domain.Transaction, error)
	GetTransactionWithItems(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.ListFilter) ([]*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error)

	AddItemsToTransaction(ctx context.Context, id string, lines []domain.Line) (*domain.Transaction, error)
	UpdateTransactionItem(ctx context.Context, id, lineID string, line domain.Line) (*domain.Transaction, error)
	RemoveItemFromTransaction(ctx context.Context, id, lineID string) (*domain.Transaction, error)
	SetHeaderDiscount(ctx context.Context, id string, pct *decimal.Decimal) (*domain.Transaction, error)
	RecalculateTotals(ctx context.Context, id string) (domain.Totals, error)

	ApproveOrder(ctx context.Context, id string) (*domain.Transaction, error)
	RejectOrder(ctx context.Context, id, reason string) (*domain.Transaction, error)
	ConvertToInvoice(ctx context.Context, orderID string) (*domain.Transaction, error)
	MarkInvoicePaid(ctx context.Context, id string) (*domain.Transaction, error)
}

// Handler обслуживает /api/v1.
type Handler struct {
	svc         Service
	idempotency *Idempotency
	logger      *log.Entry
}

// NewHandler создаёт HTTP handler. idempotency может быть nil: тогда заголовок Idempotency-Key игнорируется.
func NewHandler(svc Service, idempotency *Idempotency, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{svc: svc, idempotency: idempotency, logger: logger}
}

// Routes регистрирует маршруты относительно /api/v1.
func (h *Handler) Routes(r chi.Router) {
	idem := h.idempotency.Middleware

	r.Route("/transactions", func(r chi.Router) {
		r.With(idem).Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Delete("/{id}", h.delete)
		r.Get("/{id}/timeline", h.timeline)
		r.Post("/{id}/lines", h.addLines)
		r.Put("/{id}/lines/{lineID}", h.updateLine)
		r.Delete("/{id}/lines/{lineID}", h.removeLine)
		r.Put("/{id}/discount", h.setDiscount)
		r.Post("/{id}/recalculate", h.recalculate)
	})

	r.Route("/orders/{id}", func(r chi.Router) {
		r.Post("/approve", h.approve)
		r.Post("/reject", h.reject)
		r.With(idem).Post("/invoice", h.invoice)
	})

	r.Post("/invoices/{id}/pay", h.pay)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}

	tx, err := h.svc.CreateTransactionWithItems(r.Context(), req.header(), linesToDomain(req.Lines))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	txs, err := h.svc.ListTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionList(txs))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.GetTransactionWithItems(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteTransaction(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimelineResponse(events))
}

func (h *Handler) addLines(w http.ResponseWriter, r *http.Request) {
	var req addLinesRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}

	tx, err := h.svc.AddItemsToTransaction(r.Context(), chi.URLParam(r, "id"), linesToDomain(req.Lines))
	h.respondTransaction(w, tx, err)
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	var req lineRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}

	tx, err := h.svc.UpdateTransactionItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lineID"), req.toDomain())
	h.respondTransaction(w, tx, err)
}

func (h *Handler) removeLine(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.RemoveItemFromTransaction(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lineID"))
	h.respondTransaction(w, tx, err)
}

func (h *Handler) setDiscount(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, h.logger, err)
		return
	}

	tx, err := h.svc.SetHeaderDiscount(r.Context(), chi.URLParam(r, "id"), req.HeaderDiscountPct)
	h.respondTransaction(w, tx, err)
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	totals, err := h.svc.RecalculateTotals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, totalsResponse{
		Subtotal:      totals.Subtotal,
		TotalDiscount: totals.TotalDiscount,
		FinalTotal:    totals.FinalTotal,
	})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.ApproveOrder(r.Context(), chi.URLParam(r, "id"))
	h.respondTransaction(w, tx, err)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, h.logger, err)
		return
	}

	tx, err := h.svc.RejectOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	h.respondTransaction(w, tx, err)
}

func (h *Handler) invoice(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.ConvertToInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.MarkInvoicePaid(r.Context(), chi.URLParam(r, "id"))
	h.respondTransaction(w, tx, err)
}

func (h *Handler) respondTransaction(w http.ResponseWriter, tx *domain.Transaction, err error) {
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// parseListFilter разбирает query: type, from, to (RFC 3339 или YYYY-MM-DD), number_prefix, limit.
func parseListFilter(r *http.Request) (domain.ListFilter, error) {
	q := r.URL.Query()
	var (
		filter domain.ListFilter
		fields []domain.FieldViolation
	)

	if s := q.Get("type"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			fields = append(fields, domain.FieldViolation{Field: "type", Message: "type must be a positive integer"})
		}
		filter.Type = v
	}
	if s := q.Get("from"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			fields = append(fields, domain.FieldViolation{Field: "from", Message: "from must be a date"})
		}
		filter.From = t
	}
	if s := q.Get("to"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			fields = append(fields, domain.FieldViolation{Field: "to", Message: "to must be a date"})
		}
		filter.To = t
	}
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			fields = append(fields, domain.FieldViolation{Field: "limit", Message: "limit must be a non-negative integer"})
		}
		filter.Limit = v
	}
	filter.NumberPrefix = q.Get("number_prefix")

	if len(fields) > 0 {
		return domain.ListFilter{}, &domain.ValidationError{Fields: fields}
	}
	return filter, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
