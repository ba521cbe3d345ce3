package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gebeyahub/backend/internal/cart"
	"github.com/gebeyahub/backend/internal/checkout"
	"github.com/gebeyahub/backend/internal/httpx"
	"github.com/gebeyahub/backend/internal/order"
	"github.com/gebeyahub/backend/internal/payment"
	"github.com/gebeyahub/backend/internal/postgres"
	"github.com/gebeyahub/backend/internal/product"
	"github.com/gebeyahub/backend/internal/provider"
	"github.com/gebeyahub/backend/internal/webhook"
)

const (
	handlerTimeout = 5 * time.Second
	maxWebhookBody = 1 << 20
)

// errorResponse is the uniform error envelope.
// swagger:model
type errorResponse struct {
	Error string `json:"error"`
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrQuantityOutOfBounds),
		errors.Is(err, checkout.ErrUnknownProvider),
		errors.Is(err, cart.ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, checkout.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, product.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkout.ErrProductUnavailable),
		errors.Is(err, checkout.ErrAlreadyPaid),
		errors.Is(err, checkout.ErrPaymentInProgress),
		errors.Is(err, checkout.ErrOrderCancelled),
		errors.Is(err, checkout.ErrCancelNotAllowed),
		errors.Is(err, product.ErrInsufficientStock),
		errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, payment.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, provider.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

// listProductsHandler is the public catalog listing; only active products
// are visible here.
//
//	@Summary  List products
//	@Tags     products
//	@Produce  json
//	@Success  200 {object} map[string]any
//	@Router   /api/products [get]
func listProductsHandler(db postgres.Querier, repo product.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, offset := pagination(c)

		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()

		items, err := repo.List(ctx, db, product.Query{Limit: limit, Offset: offset})
		if err != nil {
			fail(c, err)
			return
		}
		if items == nil {
			items = []product.Product{}
		}
		c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
	}
}

// getProductHandler returns one product. Inactive products stay readable by
// id so existing order lines keep resolving.
//
//	@Summary  Get a product
//	@Tags     products
//	@Produce  json
//	@Param    id path string true "product id"
//	@Success  200 {object} product.Product
//	@Router   /api/products/{id} [get]
func getProductHandler(db postgres.Querier, repo product.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()

		p, err := repo.GetByID(ctx, db, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

type createOrderRequest struct {
	ShippingAddress json.RawMessage `json:"shipping_address" binding:"required"`
	BillingAddress  json.RawMessage `json:"billing_address"`
	Notes           string          `json:"notes"`
}

// createOrderHandler converts the caller's cart into an order.
//
//	@Summary  Create an order from the current cart
//	@Tags     orders
//	@Accept   json
//	@Produce  json
//	@Param    body body createOrderRequest true "shipping details"
//	@Success  201 {object} map[string]any
//	@Router   /api/orders [post]
func createOrderHandler(orch *checkout.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		user := httpx.CurrentUser(c)

		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()

		snap, err := orch.TakeCartSnapshot(ctx, user.ID)
		if err != nil {
			if errors.Is(err, cart.ErrNotFound) {
				fail(c, checkout.ErrEmptyCart)
				return
			}
			fail(c, err)
			return
		}
		o, items, err := orch.CreateOrder(ctx, user, snap, checkout.OrderInput{
			ShippingAddress: req.ShippingAddress,
			BillingAddress:  req.BillingAddress,
			Notes:           req.Notes,
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"order": o, "items": items})
	}
}

// getOrderHandler returns one of the caller's orders. Orders belonging to
// someone else read as not found.
//
//	@Summary  Get an order
//	@Tags     orders
//	@Produce  json
//	@Param    id path string true "order id"
//	@Success  200 {object} map[string]any
//	@Router   /api/orders/{id} [get]
func getOrderHandler(db postgres.Querier, repo order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := httpx.CurrentUser(c)

		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()

		o, items, err := repo.GetByID(ctx, db, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if o.UserID != user.ID {
			fail(c, order.ErrNotFound)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": o, "items": items})
	}
}

// listOrdersHandler lists the caller's orders, newest first.
//
//	@Summary  List orders
//	@Tags     orders
//	@Produce  json
//	@Success  200 {object} map[string]any
//	@Router   /api/orders [get]
func listOrdersHandler(db postgres.Querier, repo order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := httpx.CurrentUser(c)
		limit, offset := pagination(c)

		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()

		orders, err := repo.ListByUser(ctx, db, user.ID, limit, offset)
		if err != nil {
			fail(c, err)
			return
		}
		if orders == nil {
			orders = []order.Order{}
		}
		c.JSON(http.StatusOK, gin.H{"items": orders, "limit": limit, "offset": offset})
	}
}

// cancelOrderHandler cancels a pending order and restocks its items.
//
//	@Summary  Cancel an order
//	@Tags     orders
//	@Produce  json
//	@Param    id path string true "order id"
//	@Success  200 {object} map[string]any
//	@Router   /api/orders/{id}/cancel [post]
func cancelOrderHandler(orch *checkout.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := httpx.CurrentUser(c)

		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()

		if err := orch.CancelOrder(ctx, user, c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": string(order.StatusCancelled)})
	}
}

type initiatePaymentRequest struct {
	Provider string `json:"provider" binding:"required"`
	Currency string `json:"currency"`
}

// initiatePaymentHandler opens a provider checkout for an order.
//
//	@Summary  Initiate a payment
//	@Tags     payments
//	@Accept   json
//	@Produce  json
//	@Param    id path string true "order id"
//	@Param    body body initiatePaymentRequest true "provider selection"
//	@Success  201 {object} checkout.CheckoutHandle
//	@Router   /api/orders/{id}/payments [post]
func initiatePaymentHandler(orch *checkout.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initiatePaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		user := httpx.CurrentUser(c)

		// The provider round trip has its own budget on top of the usual
		// handler timeout.
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()

		handle, err := orch.InitiatePayment(ctx, user, c.Param("id"), req.Provider, req.Currency)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, handle)
	}
}

// listPaymentsHandler lists the caller's payment attempts, optionally
// narrowed to one order.
//
//	@Summary  List payments
//	@Tags     payments
//	@Produce  json
//	@Success  200 {object} map[string]any
//	@Router   /api/payments [get]
func listPaymentsHandler(db postgres.Querier, payments payment.Repository, orders order.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := httpx.CurrentUser(c)
		limit, offset := pagination(c)

		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()

		var (
			items []payment.Payment
			err   error
		)
		if orderID := c.Query("order_id"); orderID != "" {
			var o *order.Order
			o, _, err = orders.GetByID(ctx, db, orderID)
			if err == nil && o.UserID != user.ID {
				err = order.ErrNotFound
			}
			if err == nil {
				items, err = payments.ListByOrder(ctx, db, orderID)
			}
		} else {
			items, err = payments.ListByUser(ctx, db, user.ID, limit, offset)
		}
		if err != nil {
			fail(c, err)
			return
		}
		if items == nil {
			items = []payment.Payment{}
		}
		c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
	}
}

// getPaymentHandler returns one of the caller's payment attempts.
//
//	@Summary  Get a payment
//	@Tags     payments
//	@Produce  json
//	@Param    id path string true "payment id"
//	@Success  200 {object} payment.Payment
//	@Router   /api/payments/{id} [get]
func getPaymentHandler(db postgres.Querier, repo payment.Repository) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := httpx.CurrentUser(c)

		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()

		p, err := repo.GetByID(ctx, db, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		if p.UserID != user.ID {
			fail(c, payment.ErrNotFound)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// providerWebhookHandler receives asynchronous confirmations. The contract
// with providers: 2xx acks the delivery, anything else gets redelivered.
// A reference we cannot match is acked so the provider stops retrying; the
// reconciler has already raised the alert.
//
//	@Summary  Payment provider webhook
//	@Tags     webhooks
//	@Accept   json
//	@Produce  json
//	@Param    provider path string true "provider key"
//	@Success  200 {object} webhook.Result
//	@Router   /api/webhooks/payments/{provider} [post]
func providerWebhookHandler(rec *webhook.Reconciler, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable body"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()

		res, err := rec.Process(ctx, c.Param("provider"), c.Request.Header, body)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, res)
		case errors.Is(err, webhook.ErrUnknownTransaction):
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		case errors.Is(err, provider.ErrBadSignature):
			c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		case errors.Is(err, webhook.ErrUnknownProvider):
			c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		default:
			// Transient: a non-2xx asks the provider to redeliver.
			log.Error("webhook processing failed",
				zap.String("provider", c.Param("provider")),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorResponse{Error: "reconciliation failed"})
		}
	}
}
