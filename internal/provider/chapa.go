package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const chapaName = "chapa"

// Chapa integrates api.chapa.co. Checkout transactions are opened against
// /transaction/initialize; webhook deliveries are authenticated with an
// HMAC-SHA256 signature of the request body.
type Chapa struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	callbackURL   string
	maxAttempts   int
	http          *http.Client
	log           *zap.Logger
}

type ChapaOptions struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	CallbackURL   string
	Timeout       time.Duration
	MaxAttempts   int
}

func NewChapa(opts ChapaOptions, log *zap.Logger) *Chapa {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.chapa.co/v1"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Chapa{
		secretKey:     opts.SecretKey,
		webhookSecret: opts.WebhookSecret,
		baseURL:       opts.BaseURL,
		callbackURL:   opts.CallbackURL,
		maxAttempts:   opts.MaxAttempts,
		http:          &http.Client{Timeout: opts.Timeout},
		log:           log,
	}
}

func (c *Chapa) Name() string { return chapaName }

// Chapa offers no API to abandon an initialized checkout.
func (c *Chapa) SupportsMidflightCancel() bool { return false }

type chapaInitResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		CheckoutURL string `json:"checkout_url"`
	} `json:"data"`
}

func (c *Chapa) CreateTransaction(ctx context.Context, req CreateRequest) (*Session, error) {
	payload, err := json.Marshal(map[string]string{
		"amount":       req.Amount.StringFixed(2),
		"currency":     req.Currency,
		"email":        req.Email,
		"first_name":   req.FirstName,
		"last_name":    req.LastName,
		"tx_ref":       req.Ref,
		"callback_url": c.callbackURL,
	})
	if err != nil {
		return nil, err
	}

	// Transient network failures are retried a bounded number of times;
	// a definitive rejection from Chapa is not.
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			}
		}

		session, retryable, err := c.initialize(ctx, payload)
		if err == nil {
			return session, nil
		}
		if !retryable {
			return nil, err
		}
		c.log.Warn("chapa initialize attempt failed",
			zap.String("tx_ref", req.Ref),
			zap.Int("attempt", attempt),
			zap.Error(err))
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Chapa) initialize(ctx context.Context, payload []byte) (*Session, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/transaction/initialize", bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return nil, true, fmt.Errorf("chapa initialize: %s", res.Status)
	}

	var out chapaInitResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("chapa initialize: invalid response: %w", err)
	}
	if out.Status != "success" {
		msg := out.Message
		if msg == "" {
			msg = "payment initialization failed"
		}
		return nil, false, fmt.Errorf("chapa initialize: %s", msg)
	}
	if out.Data.CheckoutURL == "" {
		return nil, false, fmt.Errorf("chapa initialize: missing checkout_url")
	}
	return &Session{CheckoutURL: out.Data.CheckoutURL}, false, nil
}

type chapaWebhook struct {
	TxRef    string          `json:"tx_ref"`
	TxRefAlt string          `json:"trx_ref"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Event    string          `json:"event"`
}

// VerifyNotification authenticates a webhook delivery and maps Chapa's
// status vocabulary onto the canonical outcome.
func (c *Chapa) VerifyNotification(header http.Header, body []byte) (*VerifiedPayload, error) {
	sig := header.Get("Chapa-Signature")
	if sig == "" {
		sig = header.Get("X-Chapa-Signature")
	}
	if sig == "" {
		return nil, ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return nil, ErrBadSignature
	}

	var wh chapaWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}
	ref := wh.TxRef
	if ref == "" {
		ref = wh.TxRefAlt
	}
	if ref == "" {
		return nil, fmt.Errorf("webhook payload missing tx_ref")
	}

	outcome := OutcomeFailed
	if wh.Status == "success" {
		outcome = OutcomeSuccess
	}
	return &VerifiedPayload{
		Ref:      ref,
		Outcome:  outcome,
		Amount:   wh.Amount,
		Currency: wh.Currency,
		Raw:      body,
	}, nil
}
