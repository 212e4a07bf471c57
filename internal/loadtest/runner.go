// Package loadtest прогоняет сценарии checkout против HTTP API и собирает статистику задержек.
package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Mode: вид сценария.
type Mode string

const (
	ModeCreate         Mode = "create"
	ModeComplete       Mode = "create-complete"
	ModeCompleteRefund Mode = "create-complete-refund"
)

// ParseMode разбирает имя сценария.
func ParseMode(value string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(value)); m {
	case ModeCreate, ModeComplete, ModeCompleteRefund:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

const (
	endpointCreate   = "POST /checkout-sessions"
	endpointComplete = "POST /checkout-sessions/{id}/complete"
	endpointRefund   = "POST /orders/{id}/refund"
	endpointStock    = "PUT /inventory/{sku}"

	idempotencyHeader = "Idempotency-Key"
)

// Config: параметры прогона.
type Config struct {
	BaseURL string
	// Total: число сценариев. При заданном Duration ограничивает прогон, только если TotalSet.
	Total          int
	TotalSet       bool
	Duration       time.Duration
	Concurrency    int
	Timeout        time.Duration
	RPS            float64
	Mode           Mode
	RefundRate     int
	Currency       string
	SKU            string
	UnitPriceMinor int64
	CustomerTag    string
	// SeedStock > 0 задаёт остаток SKU перед прогоном.
	SeedStock int64
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8080",
		Total:          400,
		Concurrency:    40,
		Timeout:        5 * time.Second,
		Mode:           ModeCreate,
		Currency:       "USD",
		SKU:            "SKU-LOAD",
		UnitPriceMinor: 1000,
		CustomerTag:    "load",
	}
}

// Validate проверяет параметры прогона.
func (c Config) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid base url: %w", err))
	}
	if c.Duration < 0 {
		errs = append(errs, errors.New("duration must be >= 0"))
	}
	if c.Duration == 0 && c.Total <= 0 {
		errs = append(errs, errors.New("total must be > 0 when duration is not set"))
	}
	if c.Duration > 0 && c.TotalSet && c.Total <= 0 {
		errs = append(errs, errors.New("total must be > 0 when explicitly set with duration"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be > 0"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}
	if c.RPS < 0 {
		errs = append(errs, errors.New("rps must be >= 0"))
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.RefundRate < 0 || c.RefundRate > 100 {
		errs = append(errs, errors.New("refund-rate must be between 0 and 100"))
	}
	if c.UnitPriceMinor <= 0 {
		errs = append(errs, errors.New("unit-price-minor must be > 0"))
	}
	if strings.TrimSpace(c.Currency) == "" {
		errs = append(errs, errors.New("currency is required"))
	}
	if strings.TrimSpace(c.SKU) == "" {
		errs = append(errs, errors.New("sku is required"))
	}
	if strings.TrimSpace(c.CustomerTag) == "" {
		errs = append(errs, errors.New("customer-tag is required"))
	}
	if c.SeedStock < 0 {
		errs = append(errs, errors.New("seed-stock must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c Config) target() string {
	if c.Duration <= 0 {
		return fmt.Sprintf("count:%d", c.Total)
	}
	if c.TotalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", c.Duration, c.Total)
	}
	return fmt.Sprintf("duration:%s", c.Duration)
}

func (c Config) shouldRefund(index int) bool {
	switch {
	case c.Mode == ModeCompleteRefund:
		return true
	case c.Mode != ModeComplete || c.RefundRate <= 0:
		return false
	case c.RefundRate >= 100:
		return true
	default:
		return index%100 < c.RefundRate
	}
}

// Runner выполняет сценарии конкурентно.
type Runner struct {
	cfg    Config
	client *http.Client
	col    *collector
	runID  string
	logger *log.Entry
}

// NewRunner создаёт Runner. client == nil заменяется http.Client с таймаутом cfg.Timeout.
func NewRunner(cfg Config, client *http.Client, logger *log.Entry) *Runner {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.WithField("component", "loadtest")
	}
	return &Runner{
		cfg:    cfg,
		client: client,
		col:    newCollector(),
		runID:  fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid()),
		logger: logger,
	}
}

// Run выполняет прогон и возвращает отчёт.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if err := r.cfg.Validate(); err != nil {
		return Report{}, err
	}
	if r.cfg.SeedStock > 0 {
		if err := r.seedStock(ctx); err != nil {
			return Report{}, err
		}
	}

	r.logger.WithFields(log.Fields{
		"mode":        r.cfg.Mode,
		"target":      r.cfg.target(),
		"concurrency": r.cfg.Concurrency,
		"rps":         r.cfg.RPS,
	}).Info("load test started")

	startedAt := time.Now()
	jobs := make(chan int, r.cfg.Concurrency*2)

	var wg sync.WaitGroup
	for range r.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				r.runScenario(ctx, index)
			}
		}()
	}

	r.dispatch(ctx, jobs)
	wg.Wait()

	return r.col.buildReport(startedAt, time.Since(startedAt)), nil
}

func (r *Runner) dispatch(ctx context.Context, jobs chan<- int) {
	defer close(jobs)

	var limiter *rate.Limiter
	if r.cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.RPS), 1)
	}

	var deadline <-chan time.Time
	if r.cfg.Duration > 0 {
		timer := time.NewTimer(r.cfg.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for i := 0; ; i++ {
		if (r.cfg.Duration <= 0 || r.cfg.TotalSet) && i >= r.cfg.Total {
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

type createSessionBody struct {
	CustomerID      string      `json:"customer_id"`
	Currency        string      `json:"currency"`
	Lines           []lineBody  `json:"lines"`
	TotalMinor      int64       `json:"total_minor"`
	ShippingAddress addressBody `json:"shipping_address"`
}

type lineBody struct {
	SKU            string `json:"sku"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

type addressBody struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type sessionBody struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
}

func (r *Runner) runScenario(ctx context.Context, index int) {
	start := time.Now()
	err := r.scenario(ctx, index)
	code := "ok"
	if err != nil {
		code = "failed"
		r.logger.WithError(err).WithField("scenario", index).Debug("scenario failed")
	}
	r.col.record(scenarioEndpoint, time.Since(start), code, err == nil)
}

func (r *Runner) scenario(ctx context.Context, index int) error {
	req := createSessionBody{
		CustomerID: fmt.Sprintf("%s-%s-%d", r.cfg.CustomerTag, r.runID, index),
		Currency:   r.cfg.Currency,
		Lines:      []lineBody{{SKU: r.cfg.SKU, Qty: 1, UnitPriceMinor: r.cfg.UnitPriceMinor}},
		TotalMinor: r.cfg.UnitPriceMinor,
		ShippingAddress: addressBody{
			Name:       "Load Test",
			Line1:      "1 Load Street",
			City:       "Benchville",
			PostalCode: "10001",
			Country:    "US",
		},
	}

	var session sessionBody
	if err := r.call(ctx, endpointCreate, http.MethodPost, "/checkout-sessions", r.key("create", index), req, &session); err != nil {
		return err
	}
	if session.ID == "" || session.OrderID == "" {
		return errors.New("create response returned empty session id")
	}
	if r.cfg.Mode == ModeCreate {
		return nil
	}

	completePath := "/checkout-sessions/" + url.PathEscape(session.ID) + "/complete"
	complete := map[string]string{"payment_method": "card"}
	if err := r.call(ctx, endpointComplete, http.MethodPost, completePath, r.key("complete", index), complete, nil); err != nil {
		return err
	}

	if r.cfg.shouldRefund(index) {
		refundPath := "/orders/" + url.PathEscape(session.OrderID) + "/refund"
		refund := map[string]string{"reason": "load-refund"}
		if err := r.call(ctx, endpointRefund, http.MethodPost, refundPath, r.key("refund", index), refund, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) seedStock(ctx context.Context) error {
	path := "/inventory/" + url.PathEscape(r.cfg.SKU)
	body := map[string]int64{"total": r.cfg.SeedStock}
	if err := r.call(ctx, endpointStock, http.MethodPut, path, "", body, nil); err != nil {
		return fmt.Errorf("seed stock: %w", err)
	}
	return nil
}

func (r *Runner) key(step string, index int) string {
	return fmt.Sprintf("lt-%s-%s-%d", step, r.runID, index)
}

// call выполняет запрос и учитывает его в статистике. Успехом считается любой 2xx.
func (r *Runner) call(ctx context.Context, endpoint, method, path, key string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, strings.TrimRight(r.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.col.record(endpoint, time.Since(start), "error", false)
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	r.col.record(endpoint, time.Since(start), strconv.Itoa(resp.StatusCode), ok && readErr == nil)

	if !ok {
		return fmt.Errorf("%s: unexpected status %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if readErr != nil {
		return fmt.Errorf("%s: read response: %w", endpoint, readErr)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", endpoint, err)
		}
	}
	return nil
}
