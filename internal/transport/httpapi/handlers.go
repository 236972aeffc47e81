package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderengine/internal/service/lifecycle"
)

type orderView struct {
	domain.Order
	Number string `json:"number"`
}

func newOrderView(order domain.Order) orderView {
	return orderView{Order: order, Number: order.Number()}
}

type timelineEntry struct {
	Type       string             `json:"type"`
	From       domain.OrderStatus `json:"from,omitempty"`
	To         domain.OrderStatus `json:"to,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	ActorID    string             `json:"actor_id,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

type orderResponse struct {
	Order    orderView       `json:"order"`
	Timeline []timelineEntry `json:"timeline,omitempty"`
}

type ordersResponse struct {
	Orders []orderView `json:"orders"`
}

type setStatusRequest struct {
	Status          domain.OrderStatus  `json:"status"`
	ExpectedStatus  *domain.OrderStatus `json:"expected_status,omitempty"`
	ExpectedVersion *int64              `json:"expected_version,omitempty"`
	ActorID         string              `json:"actor_id,omitempty"`
	Reason          string              `json:"reason,omitempty"`
}

type claimRequest struct {
	ActorID string `json:"actor_id"`
}

func (a *api) submitCart(w http.ResponseWriter, r *http.Request) {
	var cart domain.Cart
	if err := decodeBody(w, r, &cart); err != nil {
		writeError(w, err)
		return
	}

	submit := func(ctx context.Context) (idempotency.Result, error) {
		order, err := a.assembler.Assemble(ctx, cart)
		if err != nil {
			return idempotency.Result{}, err
		}
		body, err := json.Marshal(orderResponse{Order: newOrderView(order)})
		return idempotency.Result{OrderID: order.ID, Body: body}, err
	}

	if a.guard == nil {
		result, err := submit(r.Context())
		writeCreated(w, result, err, false)
		return
	}

	hash, err := idempotency.RequestHash(r.Method+" "+r.URL.Path, cart)
	if err != nil {
		writeError(w, err)
		return
	}
	result, replayed, err := a.guard.Do(r.Context(), r.Header.Get(HeaderIdempotencyKey), hash, submit)
	writeCreated(w, result, err, replayed)
}

func (a *api) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	order, err := a.lifecycle.Get(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := a.lifecycle.Timeline(r.Context(), orderID)
	if err != nil {
		a.logger.WithError(err).WithField("order_id", orderID).Warn("failed to load order timeline")
	}
	timeline := make([]timelineEntry, 0, len(events))
	for _, event := range events {
		timeline = append(timeline, timelineEntry{
			Type:       event.Type,
			From:       event.From,
			To:         event.To,
			Reason:     event.Reason,
			ActorID:    event.ActorID,
			OccurredAt: event.At,
		})
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: newOrderView(order), Timeline: timeline})
}

func (a *api) listPlaceOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var statuses []domain.OrderStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, value := range strings.Split(raw, ",") {
			if value = strings.TrimSpace(value); value != "" {
				statuses = append(statuses, domain.OrderStatus(value))
			}
		}
	}

	orders, err := a.lifecycle.ListByPlace(r.Context(), chi.URLParam(r, "placeID"), statuses, limit)
	writeOrders(w, orders, err)
}

func (a *api) listCustomerOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	orders, err := a.lifecycle.ListByCustomer(r.Context(), chi.URLParam(r, "customerID"), limit)
	writeOrders(w, orders, err)
}

func (a *api) setStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	order, err := a.lifecycle.SetStatus(r.Context(), lifecycle.SetStatusCommand{
		OrderID:         chi.URLParam(r, "orderID"),
		Status:          req.Status,
		ExpectedStatus:  req.ExpectedStatus,
		ExpectedVersion: req.ExpectedVersion,
		ActorID:         req.ActorID,
		Reason:          req.Reason,
	})
	writeOrder(w, order, err)
}

func (a *api) claimOrder(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	order, err := a.lifecycle.Claim(r.Context(), chi.URLParam(r, "orderID"), req.ActorID)
	writeOrder(w, order, err)
}

func (a *api) setProgress(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	order, err := a.lifecycle.SetProgress(r.Context(), chi.URLParam(r, "orderID"), index)
	writeOrder(w, order, err)
}

func (a *api) revokeProgress(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	order, err := a.lifecycle.RevokeProgress(r.Context(), chi.URLParam(r, "orderID"), index)
	writeOrder(w, order, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return domain.Validation(domain.KeyBodyInvalid, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, domain.Validation(domain.KeyLimitInvalid, "limit must be a non-negative integer")
	}
	return limit, nil
}

func pathIndex(r *http.Request) (int, error) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return 0, domain.Validation(domain.KeyItemIndexInvalid, "item index must be an integer")
	}
	return index, nil
}

func writeOrder(w http.ResponseWriter, order domain.Order, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: newOrderView(order)})
}

func writeOrders(w http.ResponseWriter, orders []domain.Order, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, order := range orders {
		views = append(views, newOrderView(order))
	}
	writeJSON(w, http.StatusOK, ordersResponse{Orders: views})
}

// writeCreated отдаёт созданный или повторно выданный заказ со ссылкой на него в Location.
func writeCreated(w http.ResponseWriter, result idempotency.Result, err error, replayed bool) {
	if replayed {
		w.Header().Set(HeaderIdempotentReplay, "true")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if result.OrderID != "" {
		w.Header().Set("Location", "/v1/orders/"+result.OrderID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(result.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    domain.ErrorKind `json:"kind"`
	Key     string           `json:"key"`
	Message string           `json:"message"`
}

// writeError пишет ошибку в формате {"error":{kind,key,message}}. Текст внутренних ошибок скрывается.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	detail := errorDetail{Kind: kind, Key: domain.KeyOf(err), Message: err.Error()}
	status := idempotency.HTTPStatusOf(err)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		detail.Message = "request timed out"
	case kind == domain.KindInternal:
		detail.Key = domain.KeyInternal
		detail.Message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}
