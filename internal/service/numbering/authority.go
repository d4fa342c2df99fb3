// Package numbering выдаёт человекочитаемые номера документов вида PREFIX-YYYYMMDD-NNNN.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// DefaultPrefix используется, если тип документа неизвестен.
const DefaultPrefix = "TR"

const (
	dateLayout   = "20060102"
	sequenceMax  = 9999
	fallbackMask = "%09d"
)

var (
	prefixPattern = regexp.MustCompile(`^[A-Z]{1,2}$`)
	numberPattern = regexp.MustCompile(`^[A-Z]{1,2}-\d{8}-(\d{4}|\d{6,9})$`)
)

// NumberStore — чтение уже выданных номеров.
type NumberStore interface {
	ListNumbers(ctx context.Context, prefix string) ([]string, error)
	NumberExists(ctx context.Context, number string) (bool, error)
}

// TypeLookup — источник отображаемых имён типов документов.
type TypeLookup interface {
	FindType(ctx context.Context, id int) (domain.TransactionType, error)
}

// Observer получает сигналы о повторах и fallback-номерах (метрики).
type Observer interface {
	NumberRetried(prefix string)
	NumberFallback(prefix string)
}

// Config задаёт бюджет повторов.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Location    *time.Location
}

// DefaultConfig возвращает конфигурацию по умолчанию: 5 попыток, задержка от 10ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Location:    time.Local,
	}
}

// Option настраивает Authority.
type Option func(*Authority)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// WithDelay подменяет ожидание между попытками.
func WithDelay(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Authority) {
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

// WithObserver подключает метрики.
func WithObserver(o Observer) Option {
	return func(a *Authority) {
		a.observer = o
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(a *Authority) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Authority генерирует номера без sequence-объекта в БД: max+1, перепроверка, backoff, fallback.
type Authority struct {
	store    NumberStore
	types    TypeLookup
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer
	logger   *log.Entry
}

// New создаёт Authority.
func New(store NumberStore, types TypeLookup, cfg Config, opts ...Option) *Authority {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}

	a := &Authority{
		store:  store,
		types:  types,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
		logger: log.WithField("component", "numbering"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Next возвращает номер для документа данного типа на сегодняшний день.
// Ошибка возможна только при сбое хранилища или отмене контекста.
func (a *Authority) Next(ctx context.Context, typeID int) (string, error) {
	prefix, err := a.Prefix(ctx, typeID)
	if err != nil {
		return "", err
	}

	base := prefix + "-" + a.now().In(a.cfg.Location).Format(dateLayout) + "-"
	delay := a.cfg.BaseDelay

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		numbers, err := a.store.ListNumbers(ctx, base)
		if err != nil {
			return "", fmt.Errorf("list numbers: %w", err)
		}

		last := maxSequence(base, numbers)
		if last >= sequenceMax {
			break
		}

		candidate := base + fmt.Sprintf("%04d", last+1)
		exists, err := a.store.NumberExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check number: %w", err)
		}
		if !exists {
			return candidate, nil
		}

		if a.observer != nil {
			a.observer.NumberRetried(prefix)
		}
		a.logger.WithFields(log.Fields{
			"candidate": candidate,
			"attempt":   attempt,
			"delay":     delay,
		}).Debug("number already taken, retrying")

		if attempt == a.cfg.MaxAttempts {
			break
		}
		if err := a.sleep(ctx, delay); err != nil {
			return "", err
		}
		delay *= 2
		if delay > a.cfg.MaxDelay {
			delay = a.cfg.MaxDelay
		}
	}

	return a.fallback(prefix), nil
}

// Fallback возвращает номер с суффиксом из долей секунды для данного типа.
func (a *Authority) Fallback(ctx context.Context, typeID int) (string, error) {
	prefix, err := a.Prefix(ctx, typeID)
	if err != nil {
		return "", err
	}
	return a.fallback(prefix), nil
}

func (a *Authority) fallback(prefix string) string {
	now := a.now().In(a.cfg.Location)
	if a.observer != nil {
		a.observer.NumberFallback(prefix)
	}
	number := prefix + "-" + now.Format(dateLayout) + "-" + fmt.Sprintf(fallbackMask, now.Nanosecond())
	a.logger.WithField("number", number).Warn("sequence numbering exhausted, using timestamp suffix")
	return number
}

// Prefix выводит префикс из отображаемого имени типа: первые два символа в верхнем регистре.
func (a *Authority) Prefix(ctx context.Context, typeID int) (string, error) {
	if a.types == nil {
		return DefaultPrefix, nil
	}

	typ, err := a.types.FindType(ctx, typeID)
	if err != nil {
		if errors.Is(err, domain.ErrTypeNotFound) {
			return DefaultPrefix, nil
		}
		return "", fmt.Errorf("find transaction type %d: %w", typeID, err)
	}
	return PrefixFromName(typ.DisplayName), nil
}

// PrefixFromName возвращает префикс по имени или DefaultPrefix, если он не состоит из латинских букв.
func PrefixFromName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultPrefix
	}

	end := 0
	for i := 0; i < 2 && end < len(name); i++ {
		_, size := utf8.DecodeRuneInString(name[end:])
		end += size
	}

	prefix := strings.ToUpper(name[:end])
	if !prefixPattern.MatchString(prefix) {
		return DefaultPrefix
	}
	return prefix
}

// Valid проверяет формат номера.
func Valid(number string) bool {
	return numberPattern.MatchString(number)
}

// maxSequence находит максимальный четырёхзначный суффикс; fallback-номера не учитываются.
func maxSequence(base string, numbers []string) int {
	maxSeq := 0
	for _, n := range numbers {
		suffix, ok := strings.CutPrefix(n, base)
		if !ok || len(suffix) != 4 {
			continue
		}
		seq, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
