// Package device resolves the stable identity of this installation.
package device

import (
	"context"
	"log/slog"
	"sync"

	"github.com/partokit/chartstore/internal/errors"
	"github.com/partokit/chartstore/internal/id"
)

// Key is the KV key holding the persisted device id.
const Key = "device:id"

// KV is the subset of the key-value store the provider needs.
type KV interface {
	Get(key string, dest any) error
	Set(key string, value any) error
}

// Provider hands out the device id, generating and persisting one on first use.
type Provider struct {
	kv     KV
	logger *slog.Logger

	mu sync.Mutex
	id string
}

// NewProvider creates a provider backed by kv.
func NewProvider(kv KV, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{kv: kv, logger: logger}
}

// GetOrCreate returns the device id. It never fails and never returns an
// empty string: when the persisted value is unreadable a fresh id is
// generated, and a failure to persist it is logged and tolerated.
func (p *Provider) GetOrCreate(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id
	}

	var stored string
	err := p.kv.Get(Key, &stored)
	switch {
	case err == nil && id.Valid(stored):
		p.id = stored
		return p.id
	case err == nil:
		p.logger.WarnContext(ctx, "stored device id is malformed, regenerating", "value", stored)
	case !errors.Is(err, errors.ErrNotFound):
		p.logger.WarnContext(ctx, "reading device id failed, regenerating", "error", err)
	}

	p.id = id.New()
	if err := p.kv.Set(Key, p.id); err != nil {
		p.logger.ErrorContext(ctx, "persisting device id failed", "device_id", p.id, "error", err)
	} else {
		p.logger.InfoContext(ctx, "device id created", "device_id", p.id)
	}
	return p.id
}

// ID is GetOrCreate with a background context.
func (p *Provider) ID() string {
	return p.GetOrCreate(context.Background())
}
