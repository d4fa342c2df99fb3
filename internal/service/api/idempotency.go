package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

const (
	// IdempotencyKeyHeader — заголовок с ключом идемпотентности.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayedHeader выставляется на ответах, отданных из кеша.
	IdempotentReplayedHeader = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
)

// Idempotency кеширует ответы мутирующих запросов по Idempotency-Key.
type Idempotency struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	now    func() time.Time
	logger *log.Entry
}

// NewIdempotency создаёт middleware. ttl <= 0 означает 24 часа.
func NewIdempotency(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Idempotency {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	if logger == nil {
		logger = log.WithField("component", "http-idempotency")
	}
	return &Idempotency{
		repo:   repo,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Middleware оборачивает handler. На nil-получателе запросы проходят как есть.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	if i == nil || i.repo == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, i.logger, &domain.ValidationError{Fields: []domain.FieldViolation{{
				Field: "body", Message: "request body is too large or unreadable",
			}}})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		logger := i.logger.WithField("idempotency_key", key)
		record, err := i.begin(r.Context(), key, requestHash(r, body))
		if err != nil {
			i.replay(w, logger, record, err)
			return
		}

		var buf bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&buf)
		next.ServeHTTP(ww, r)

		i.finish(context.WithoutCancel(r.Context()), logger, key, ww.Status(), buf.Bytes())
	})
}

// begin регистрирует ключ. Просроченная запись удаляется, после чего регистрация повторяется один раз.
func (i *Idempotency) begin(ctx context.Context, key, hash string) (domain.IdempotencyRecord, error) {
	record, err := i.repo.CreateProcessing(ctx, key, hash, i.now().Add(i.ttl))
	if err == nil || !record.Expired(i.now()) {
		return record, err
	}
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) && !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		return record, err
	}
	if delErr := i.repo.Delete(ctx, key); delErr != nil && !errors.Is(delErr, domain.ErrIdempotencyKeyNotFound) {
		return record, delErr
	}
	return i.repo.CreateProcessing(ctx, key, hash, i.now().Add(i.ttl))
}

func (i *Idempotency) replay(w http.ResponseWriter, logger *log.Entry, record domain.IdempotencyRecord, err error) {
	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		writeErrorDetail(w, http.StatusUnprocessableEntity, errorDetail{
			Code:    CodeIdempotencyKeyReused,
			Message: "idempotency key is already used with a different request payload",
		})
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) && record.Replayable():
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(IdempotentReplayedHeader, "true")
		w.WriteHeader(record.HTTPStatus)
		if _, werr := w.Write(record.ResponseBody); werr != nil {
			logger.WithError(werr).Warn("failed to write replayed response")
		}
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		writeErrorDetail(w, http.StatusConflict, errorDetail{
			Code:    CodeIdempotencyInProgress,
			Message: "request with the same idempotency key is already processing",
		})
	default:
		logger.WithError(err).Error("failed to create idempotency record")
		writeErrorDetail(w, http.StatusInternalServerError, errorDetail{
			Code:    CodeInternal,
			Message: "failed to initialize idempotent request",
		})
	}
}

// finish сохраняет ответ: 2xx как done, 4xx как failed. Ключ 5xx-ответа освобождается для повтора.
func (i *Idempotency) finish(ctx context.Context, logger *log.Entry, key string, status int, body []byte) {
	if status == 0 {
		status = http.StatusOK
	}

	var err error
	switch {
	case status < http.StatusBadRequest:
		err = i.repo.MarkDone(ctx, key, body, status)
	case status < http.StatusInternalServerError:
		err = i.repo.MarkFailed(ctx, key, body, status)
	default:
		err = i.repo.Delete(ctx, key)
	}
	if err != nil {
		logger.WithError(err).WithField("status", status).Warn("failed to store idempotent response")
	}
}

func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
