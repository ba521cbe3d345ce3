// Package provider defines the capability contract every payment provider
// implements and a registry to select one by configuration. Callers only
// ever see the canonical success/failed vocabulary; provider-specific status
// strings stop at the adapter boundary.
package provider

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrBadSignature = errors.New("webhook signature verification failed")
	ErrUnavailable  = errors.New("payment provider unavailable")
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// CreateRequest carries everything a provider needs to open a checkout
// transaction. Ref is generated by the ledger, not the provider.
type CreateRequest struct {
	Ref       string
	Amount    decimal.Decimal
	Currency  string
	Email     string
	FirstName string
	LastName  string
}

type Session struct {
	CheckoutURL string
}

// VerifiedPayload is an authenticated, canonical view of one webhook
// delivery.
type VerifiedPayload struct {
	Ref      string
	Outcome  Outcome
	Amount   decimal.Decimal
	Currency string
	Raw      []byte
}

type Adapter interface {
	Name() string
	CreateTransaction(ctx context.Context, req CreateRequest) (*Session, error)
	VerifyNotification(header http.Header, body []byte) (*VerifiedPayload, error)
	// SupportsMidflightCancel reports whether an order with a processing
	// payment may still be cancelled through this provider.
	SupportsMidflightCancel() bool
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
