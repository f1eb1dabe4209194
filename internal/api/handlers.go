package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/groupbuy-ledger/internal/domain/catalog"
	"github.com/example/groupbuy-ledger/internal/domain/order"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
	"github.com/example/groupbuy-ledger/internal/lifecycle"
	"github.com/example/groupbuy-ledger/internal/reconcile"
	"github.com/example/groupbuy-ledger/internal/reservation"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// retryAfterSeconds is sent with 503 when a transaction ran out of retries.
const retryAfterSeconds = "1"

type Handlers struct {
	store       store.Store
	reservation *reservation.Service
	lifecycle   *lifecycle.Service
	reconciler  *reconcile.Job
	validate    *validator.Validate
	log         logrus.FieldLogger
	now         func() time.Time
}

func NewHandlers(st store.Store, res *reservation.Service, lc *lifecycle.Service, job *reconcile.Job, log logrus.FieldLogger) *Handlers {
	return &Handlers{
		store:       st,
		reservation: res,
		lifecycle:   lc,
		reconciler:  job,
		validate:    validator.New(),
		log:         log.WithField("component", "api"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Order Handlers

type createOrderRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	ProductID      string `json:"product_id" validate:"required,excludes=#"`
	RoundID        string `json:"round_id" validate:"required,excludes=#"`
	VariantGroupID string `json:"variant_group_id" validate:"required"`
	ItemID         string `json:"item_id" validate:"required"`
	Quantity       int    `json:"quantity" validate:"gt=0,lte=1000000"`
}

type checkoutRequest struct {
	UserID string                    `json:"user_id" validate:"required"`
	Lines  []reservation.LineRequest `json:"lines" validate:"required,min=1,dive"`
}

type orderCreatedResponse struct {
	OrderID string `json:"order_id"`
}

type rejectionResponse struct {
	Reason    reservation.Reason     `json:"reason"`
	Message   string                 `json:"message"`
	Rejection *reservation.Rejection `json:"rejection"`
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.reservation.TryClaim(r.Context(), reservation.ClaimRequest{
		UserID:         req.UserID,
		ProductID:      req.ProductID,
		RoundID:        req.RoundID,
		VariantGroupID: req.VariantGroupID,
		ItemID:         req.ItemID,
		Quantity:       req.Quantity,
	})
	h.respondResult(w, res, err)
}

func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.reservation.PlaceOrder(r.Context(), reservation.PlaceRequest{
		UserID: req.UserID,
		Lines:  req.Lines,
	})
	h.respondResult(w, res, err)
}

func (h *Handlers) respondResult(w http.ResponseWriter, res reservation.Result, err error) {
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if !res.Accepted {
		status := http.StatusConflict
		if res.Rejection.Reason.NotFound() {
			status = http.StatusUnprocessableEntity
		}
		respondJSON(w, status, rejectionResponse{
			Reason:    res.Rejection.Reason,
			Message:   res.Rejection.String(),
			Rejection: res.Rejection,
		})
		return
	}
	respondJSON(w, http.StatusCreated, orderCreatedResponse{OrderID: res.OrderID})
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

type transitionRequest struct {
	TargetStatus order.Status `json:"target_status" validate:"required"`
	Reason       string       `json:"reason"`
}

// TransitionOrder applies a status change. Asking for either cancel status is
// a cancel request; the pickup date decides which one is recorded.
func (h *Handlers) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req transitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		out lifecycle.Outcome
		err error
	)
	switch req.TargetStatus {
	case order.StatusCanceled, order.StatusLateCanceled:
		out, err = h.lifecycle.Cancel(r.Context(), orderID, req.Reason)
	default:
		out, err = h.lifecycle.Transition(r.Context(), orderID, req.TargetStatus, req.Reason)
	}
	if err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, out)
}

// Stock Handlers

func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	roundID := chi.URLParam(r, "roundID")

	stock, err := h.reservation.Remaining(r.Context(), productID, roundID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"product_id":     productID,
		"round_id":       roundID,
		"variant_groups": stock,
	})
}

// Admin Handlers

// PutRound loads catalog data for a round. Path ids win over the body.
func (h *Handlers) PutRound(w http.ResponseWriter, r *http.Request) {
	var round catalog.SalesRound
	if !h.decode(w, r, &round) {
		return
	}
	round.ProductID = chi.URLParam(r, "productID")
	round.RoundID = chi.URLParam(r, "roundID")

	if err := h.store.PutRound(r.Context(), &round); err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, round)
}

func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Run(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) SweepNoShows(w http.ResponseWriter, r *http.Request) {
	res, err := h.lifecycle.SweepNoShows(r.Context(), h.now())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondErr maps service errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without its detail.
func (h *Handlers) respondErr(w http.ResponseWriter, err error) {
	switch {
	case store.IsRetryable(err):
		w.Header().Set("Retry-After", retryAfterSeconds)
		respondError(w, http.StatusServiceUnavailable, "too much contention, retry shortly")
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reservation.ErrInvalidRequest),
		errors.Is(err, order.ErrUnknownStatus),
		errors.Is(err, catalog.ErrInvalidRound):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrOrderTerminal),
		errors.Is(err, order.ErrNotReserved),
		errors.Is(err, lifecycle.ErrNotOverdue):
		respondError(w, http.StatusConflict, err.Error())
	default:
		h.log.WithError(err).Error("request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// Helper functions

// decode reads a JSON body into dst and validates its struct tags. It writes
// the 400 response itself and reports whether the handler should go on.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			respondError(w, http.StatusBadRequest, err.Error())
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, ve := range verrs {
			fields[ve.Namespace()] = ve.Tag()
		}
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "invalid request",
			"fields": fields,
		})
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
