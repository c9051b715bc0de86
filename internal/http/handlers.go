package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/signing-broker/internal/broker"
	"github.com/signing-broker/internal/config"
	"github.com/signing-broker/internal/crypto"
	"github.com/signing-broker/internal/loggingutil"
	"github.com/signing-broker/internal/validation"
)

type Handler struct {
	broker    *broker.Broker
	validator *validation.Validator
	cfg       config.Config
	serverCtx context.Context
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithServerContext sets the context whose cancellation means the server is
// shutting down. Subscribers cut off by it get a 503 instead of being treated
// as disconnected clients.
func WithServerContext(ctx context.Context) HandlerOption {
	return func(h *Handler) {
		h.serverCtx = ctx
	}
}

func NewHandler(b *broker.Broker, v *validation.Validator, cfg config.Config, opts ...HandlerOption) *Handler {
	h := &Handler{broker: b, validator: v, cfg: cfg}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// publishRequest fields are pointers so presence, not emptiness, is checked.
type publishRequest struct {
	PublicKey    *string          `json:"publicKey" validate:"required" msg:"You must include a publicKey to pubish to."`
	EncryptedPin *string          `json:"encryptedPin" validate:"required" msg:"You must include a 6 character secret encrypted with the publicKey."`
	Transaction  *json.RawMessage `json:"transaction" validate:"required" msg:"You must include a transaction to be signed."`
}

type subscribeResponse struct {
	PublicKey   string          `json:"publicKey"`
	Transaction json.RawMessage `json:"transaction"`
}

type snapshotEntry struct {
	broker.WaiterInfo
	Waiting string `json:"waiting"`
}

// ---------------------- PUBLISH ----------------------

func (h *Handler) Publish(ctx *gin.Context) {
	logger := loggingutil.FromContext(ctx.Request.Context())

	var req publishRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s must be a string.", typeErr.Field)})
			return
		}
		// An undecodable body is validated as an empty object.
		logger.Debug("publish.decode_failed", "error", err)
		req = publishRequest{}
	}
	if !h.validator.ValidateStruct(ctx, &req) {
		return
	}

	delivered := h.broker.Publish(*req.PublicKey, []byte(*req.Transaction))
	logger.Info("publish",
		"public_key", *req.PublicKey,
		"pin_fp", crypto.Fingerprint(*req.EncryptedPin),
		"transaction_bytes", len(*req.Transaction),
		"delivered", delivered,
	)
	ctx.Status(http.StatusOK)
}

// ---------------------- SUBSCRIBE ----------------------

func (h *Handler) Subscribe(ctx *gin.Context) {
	publicKey := ctx.Param("publicKey")
	logger := loggingutil.FromContext(ctx.Request.Context()).With("public_key", publicKey)

	w := broker.NewWaiter()
	if h.cfg.OnConflict == config.ConflictReject {
		if err := h.broker.Claim(publicKey, w); err != nil {
			if errors.Is(err, broker.ErrKeyBusy) {
				ctx.JSON(http.StatusConflict, gin.H{"error": "a subscriber is already waiting on this publicKey"})
				return
			}
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else {
		h.broker.Register(publicKey, w)
	}
	logger.Info("subscribe", "waiter", w.ID())

	waitCtx := ctx.Request.Context()
	if h.cfg.SubscribeTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, h.cfg.SubscribeTimeout)
		defer cancel()
	}

	outcome, payload, err := w.Wait(waitCtx)
	if err != nil {
		if h.abandon(ctx, publicKey, w) {
			return
		}
		// A publish or cancel released the waiter before it could be withdrawn.
		outcome, payload = w.Result()
	}

	if outcome == broker.Cancelled {
		logger.Info("subscribe.cancelled", "waiter", w.ID())
		ctx.JSON(http.StatusGone, gin.H{"error": "subscription cancelled"})
		return
	}

	logger.Info("subscribe.released", "waiter", w.ID(), "waited", time.Since(w.Since()))
	if wantsJSON(ctx) {
		ctx.JSON(http.StatusOK, subscribeResponse{PublicKey: publicKey, Transaction: json.RawMessage(payload)})
		return
	}
	ctx.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(publicKey))
}

// abandon withdraws a waiter whose wait ended without a release and answers
// the request. It returns false when the waiter had already been released, in
// which case the caller reports that outcome instead.
func (h *Handler) abandon(ctx *gin.Context, publicKey string, w *broker.Waiter) bool {
	if !h.broker.Withdraw(publicKey, w) {
		return false
	}
	logger := loggingutil.FromContext(ctx.Request.Context()).With("public_key", publicKey)
	switch {
	case h.serverCtx != nil && h.serverCtx.Err() != nil:
		logger.Info("subscribe.shutdown", "waiter", w.ID())
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
	case ctx.Request.Context().Err() != nil:
		logger.Info("subscribe.disconnected", "waiter", w.ID())
		ctx.Abort()
	default:
		logger.Info("subscribe.timeout", "waiter", w.ID(), "after", h.cfg.SubscribeTimeout)
		ctx.JSON(http.StatusRequestTimeout, gin.H{"error": "subscription timed out"})
	}
	return true
}

func (h *Handler) CancelSubscription(ctx *gin.Context) {
	publicKey := ctx.Param("publicKey")
	h.broker.Cancel(publicKey)
	loggingutil.FromContext(ctx.Request.Context()).Info("subscribe.cancel", "public_key", publicKey)
	ctx.Status(http.StatusOK)
}

// ---------------------- SNAPSHOT ----------------------

func (h *Handler) Snapshot(ctx *gin.Context) {
	snap := h.broker.Snapshot()
	keys := make([]string, 0, len(snap))
	out := make(map[string]snapshotEntry, len(snap))
	for key, info := range snap {
		keys = append(keys, key)
		out[key] = snapshotEntry{WaiterInfo: info, Waiting: humanize.Time(info.Since)}
	}
	loggingutil.FromContext(ctx.Request.Context()).Info("snapshot", "waiters", len(snap), "keys", keys)
	ctx.JSON(http.StatusOK, gin.H{"waiters": out})
}

func (h *Handler) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func wantsJSON(ctx *gin.Context) bool {
	return strings.Contains(ctx.GetHeader("Accept"), "application/json")
}
