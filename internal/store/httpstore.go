package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/edgeproxy/internal/hlc"
)

// HTTPConfig points at a control-plane service that owns backend membership
// for this POP (§6: "HTTP control-plane: polled on an interval").
type HTTPConfig struct {
	BaseURL        string
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

type httpBackendRow struct {
	ID        string `json:"id"`
	App       string `json:"app"`
	Region    string `json:"region"`
	Country   string `json:"country"`
	Address   string `json:"address"`
	Healthy   bool   `json:"healthy"`
	Weight    int    `json:"weight"`
	SoftLimit int    `json:"soft_limit"`
	HardLimit int    `json:"hard_limit"`
	Deleted   bool   `json:"deleted"`
	UpdatedAt string `json:"updated_at_hlc"`
}

type queriesResponse struct {
	Backends []httpBackendRow `json:"backends"`
}

type transactionRequest struct {
	Op      string          `json:"op"` // "upsert" | "delete"
	Backend httpBackendRow  `json:"backend,omitempty"`
	ID      string          `json:"id,omitempty"`
	Stamp   string          `json:"updated_at_hlc"`
}

// HTTP is a Store adapter backed by a remote control-plane reachable over
// HTTP. Reads refresh an in-memory snapshot every PollInterval; writes go
// through synchronously via POST /v1/transactions.
type HTTP struct {
	client *http.Client
	mem    *Memory
	logger *zap.Logger
	cfg    HTTPConfig
}

// NewHTTP builds an HTTP-backed adapter. Does not make any network calls
// until Run or a write method is called.
func NewHTTP(cfg HTTPConfig, logger *zap.Logger) *HTTP {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	return &HTTP{
		client: &http.Client{Timeout: cfg.RequestTimeout},
		mem:    NewMemory(),
		logger: logger,
		cfg:    cfg,
	}
}

// Run polls POST /v1/queries on PollInterval until ctx is cancelled.
func (h *HTTP) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	h.reload(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reload(ctx)
		}
	}
}

func (h *HTTP) reload(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+"/v1/queries",
		bytes.NewReader([]byte(`{"query":"all_backends"}`)))
	if err != nil {
		h.logger.Warn("store: http control-plane request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("store: http control-plane poll failed, serving last snapshot", zap.Error(err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		h.logger.Warn("store: http control-plane poll non-200", zap.Int("status", resp.StatusCode))
		return
	}

	var parsed queriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		h.logger.Warn("store: http control-plane response decode failed", zap.Error(err))
		return
	}

	for _, row := range parsed.Backends {
		b, stamp, err := rowToBackend(row)
		if err != nil {
			h.logger.Warn("store: http control-plane row invalid, skipping", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		if err := h.mem.Upsert(ctx, b, stamp); err != nil {
			h.logger.Warn("store: http control-plane row failed validation, skipping", zap.String("id", row.ID), zap.Error(err))
		}
	}
}

func rowToBackend(row httpBackendRow) (Backend, hlc.Stamp, error) {
	stamp, err := hlc.Parse(row.UpdatedAt)
	if err != nil {
		return Backend{}, hlc.Stamp{}, err
	}
	b := Backend{
		ID: row.ID, App: row.App, Region: Region(row.Region), Country: row.Country,
		Address: row.Address, Healthy: row.Healthy, Weight: row.Weight,
		SoftLimit: row.SoftLimit, HardLimit: row.HardLimit, Deleted: row.Deleted,
	}
	return b, stamp, nil
}

func (h *HTTP) GetAll(ctx context.Context) ([]Backend, error)     { return h.mem.GetAll(ctx) }
func (h *HTTP) GetHealthy(ctx context.Context) ([]Backend, error) { return h.mem.GetHealthy(ctx) }
func (h *HTTP) GetByID(ctx context.Context, id string) (Backend, error) {
	return h.mem.GetByID(ctx, id)
}
func (h *HTTP) GetByApp(ctx context.Context, app string) ([]Backend, error) {
	return h.mem.GetByApp(ctx, app)
}

func (h *HTTP) Upsert(ctx context.Context, b Backend, stamp hlc.Stamp) error {
	if err := b.Validate(); err != nil {
		return err
	}
	body := transactionRequest{
		Op: "upsert",
		Backend: httpBackendRow{
			ID: b.ID, App: b.App, Region: string(b.Region), Country: b.Country,
			Address: b.Address, Healthy: b.Healthy, Weight: b.Weight,
			SoftLimit: b.SoftLimit, HardLimit: b.HardLimit, Deleted: b.Deleted,
			UpdatedAt: stamp.String(),
		},
		Stamp: stamp.String(),
	}
	if err := h.postTransaction(ctx, body); err != nil {
		return err
	}
	return h.mem.Upsert(ctx, b, stamp)
}

func (h *HTTP) MarkDeleted(ctx context.Context, id string, stamp hlc.Stamp) error {
	body := transactionRequest{Op: "delete", ID: id, Stamp: stamp.String()}
	if err := h.postTransaction(ctx, body); err != nil {
		return err
	}
	return h.mem.MarkDeleted(ctx, id, stamp)
}

// SetHealth is local-only, consistent with the other polled adapters.
func (h *HTTP) SetHealth(ctx context.Context, id string, healthy bool) error {
	return h.mem.SetHealth(ctx, id, healthy)
}

func (h *HTTP) postTransaction(ctx context.Context, body transactionRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("store: marshal transaction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+"/v1/transactions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("store: build transaction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: http control-plane transaction failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("store: http control-plane transaction rejected, status %d", resp.StatusCode)
	}
	return nil
}
