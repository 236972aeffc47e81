// Package httpapi — REST-обёртка над движком заказов для клиентов и панели оператора.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/service/idempotency"
	"github.com/vladislavdragonenkov/orderengine/internal/service/lifecycle"
)

const (
	// HeaderIdempotencyKey — ключ идемпотентности оформления.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется, когда ответ взят из кэша.
	HeaderIdempotentReplay = "Idempotent-Replayed"

	maxBodyBytes   = 1 << 20
	requestTimeout = 30 * time.Second
)

// Assembler собирает заказ из корзины.
type Assembler interface {
	Assemble(ctx context.Context, cart domain.Cart) (domain.Order, error)
}

// Lifecycle — операции и выборки жизненного цикла заказа.
type Lifecycle interface {
	SetStatus(ctx context.Context, cmd lifecycle.SetStatusCommand) (domain.Order, error)
	Claim(ctx context.Context, orderID, actorID string) (domain.Order, error)
	SetProgress(ctx context.Context, orderID string, index int) (domain.Order, error)
	RevokeProgress(ctx context.Context, orderID string, index int) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	ListByPlace(ctx context.Context, placeID string, statuses []domain.OrderStatus, limit int) ([]domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
}

// Deps — зависимости API. Guard и Logger необязательны.
type Deps struct {
	Assembler Assembler
	Lifecycle Lifecycle
	Guard     *idempotency.Guard
	Logger    *log.Entry
}

type api struct {
	assembler Assembler
	lifecycle Lifecycle
	guard     *idempotency.Guard
	logger    *log.Entry
}

// NewRouter собирает chi-роутер с маршрутами /v1.
func NewRouter(deps Deps) (chi.Router, error) {
	if deps.Assembler == nil || deps.Lifecycle == nil {
		return nil, errors.New("httpapi: assembler and lifecycle are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	a := &api{assembler: deps.Assembler, lifecycle: deps.Lifecycle, guard: deps.Guard, logger: logger}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(requestLogger(logger))
	router.Use(chimw.Recoverer)
	router.Use(chimw.Timeout(requestTimeout))

	router.Route("/v1", func(r chi.Router) {
		r.Post("/orders", a.submitCart)
		r.Get("/orders/{orderID}", a.getOrder)
		r.Post("/orders/{orderID}/status", a.setStatus)
		r.Post("/orders/{orderID}/claim", a.claimOrder)
		r.Put("/orders/{orderID}/items/{index}/ready", a.setProgress)
		r.Delete("/orders/{orderID}/items/{index}/ready", a.revokeProgress)
		r.Get("/places/{placeID}/orders", a.listPlaceOrders)
		r.Get("/customers/{customerID}/orders", a.listCustomerOrders)
	})

	return router, nil
}

func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  chimw.GetReqID(r.Context()),
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("http request failed")
				return
			}
			entry.Debug("http request")
		})
	}
}
