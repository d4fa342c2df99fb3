package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/ordercore/internal/service/numbering"
)

const idempotencyHeader = "Idempotency-Key"

type loadMode string

const (
	modeCreate        loadMode = "create"
	modeCreateApprove loadMode = "create-approve"
	modeOrderToCash   loadMode = "order-to-cash"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	item        string
	warehouse   string
	quantity    decimal.Decimal
	price       decimal.Decimal
	currency    string
	idempotent  bool
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	var (
		cfg           config
		modeValue     string
		quantityValue string
		priceValue    string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "transaction-service base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-approve | order-to-cash")
	fs.StringVar(&cfg.item, "item", "item-1", "item id for order lines")
	fs.StringVar(&cfg.warehouse, "warehouse", "wh-1", "warehouse id for order lines")
	fs.StringVar(&quantityValue, "quantity", "1", "line quantity")
	fs.StringVar(&priceValue, "price", "10", "line price")
	fs.StringVar(&cfg.currency, "currency", "EUR", "order currency")
	fs.BoolVar(&cfg.idempotent, "idempotent", true, "send Idempotency-Key on create and invoice")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	if cfg.quantity, err = decimal.NewFromString(strings.TrimSpace(quantityValue)); err != nil {
		return cfg, fmt.Errorf("parse quantity: %w", err)
	}
	if cfg.price, err = decimal.NewFromString(strings.TrimSpace(priceValue)); err != nil {
		return cfg, fmt.Errorf("parse price: %w", err)
	}
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("url is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case !cfg.quantity.IsPositive():
		return cfg, errors.New("quantity must be > 0")
	case cfg.price.IsNegative():
		return cfg, errors.New("price must be >= 0")
	case strings.TrimSpace(cfg.item) == "":
		return cfg, errors.New("item is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCreate:
		return modeCreate, nil
	case modeCreateApprove:
		return modeCreateApprove, nil
	case modeOrderToCash:
		return modeOrderToCash, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result := runLoad(context.Background(), cfg, newAPIClient(cfg))

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if !result.ok() {
		os.Exit(1)
	}
}

// runLoad гоняет сценарии в cfg.concurrency воркерах и собирает отчёт.
func runLoad(ctx context.Context, cfg config, client *apiClient) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var g errgroup.Group
	for i := 0; i < cfg.concurrency; i++ {
		g.Go(func() error {
			for id := range jobs {
				_ = runScenario(ctx, client, cfg, id, runID, col)
			}
			return nil
		})
	}

	dispatchJobs(jobs, cfg)
	_ = g.Wait()

	return col.buildReport(startedAt, time.Since(startedAt), numbering.Valid)
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

type transactionRef struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	Status int    `json:"status"`
}

func runScenario(ctx context.Context, client *apiClient, cfg config, index int, runID string, col *collector) (err error) {
	scenarioStart := time.Now()
	defer func() {
		code := codeOK
		if err != nil {
			code = "failed"
		}
		col.record(scenarioOp, time.Since(scenarioStart), code)
	}()

	body := map[string]any{
		"type":             2,
		"bill_to_party_id": fmt.Sprintf("load-%s-%d", runID, index),
		"currency_code":    cfg.currency,
		"lines": []map[string]any{{
			"item_id":      cfg.item,
			"warehouse_id": cfg.warehouse,
			"quantity":     cfg.quantity,
			"price":        cfg.price,
		}},
	}

	var order transactionRef
	if err := client.call(ctx, col, "CreateTransaction", "/api/v1/transactions", body,
		idemKey(cfg, "create", runID, index), http.StatusCreated, &order); err != nil {
		return err
	}
	if order.ID == "" || order.Number == "" {
		return errors.New("create response returned empty id or number")
	}
	col.issued(order.Number)

	if cfg.mode == modeCreate {
		return nil
	}

	if err := client.call(ctx, col, "ApproveOrder", "/api/v1/orders/"+order.ID+"/approve", nil,
		"", http.StatusOK, nil); err != nil {
		return err
	}
	if cfg.mode == modeCreateApprove {
		return nil
	}

	var invoice transactionRef
	if err := client.call(ctx, col, "ConvertToInvoice", "/api/v1/orders/"+order.ID+"/invoice", nil,
		idemKey(cfg, "invoice", runID, index), http.StatusCreated, &invoice); err != nil {
		return err
	}
	col.issued(invoice.Number)

	return client.call(ctx, col, "MarkInvoicePaid", "/api/v1/invoices/"+invoice.ID+"/pay", nil,
		"", http.StatusOK, nil)
}

func idemKey(cfg config, op, runID string, index int) string {
	if !cfg.idempotent {
		return ""
	}
	return fmt.Sprintf("lt-%s-%s-%d", op, runID, index)
}

type apiClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func newAPIClient(cfg config) *apiClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.concurrency
	return &apiClient{
		baseURL: cfg.baseURL,
		timeout: cfg.timeout,
		http:    &http.Client{Transport: transport},
	}
}

// call отправляет POST и записывает результат в collector под именем method.
func (c *apiClient) call(ctx context.Context, col *collector, method, path string, body any, key string, want int, out any) error {
	start := time.Now()
	code, err := c.post(ctx, path, body, key, want, out)
	col.record(method, time.Since(start), code)
	return err
}

func (c *apiClient) post(ctx context.Context, path string, body any, key string, want int, out any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return "encode_error", err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return "request_error", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout", err
		}
		return "transport_error", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "read_error", err
	}
	if resp.StatusCode != want {
		return fmt.Sprintf("http_%d", resp.StatusCode), fmt.Errorf("%s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return "decode_error", err
		}
	}
	return codeOK, nil
}
