// Package idempotency защищает отправку корзины от повторов: ключ запроса и кэш ответа в разрезе транспорта.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

const defaultTTL = 24 * time.Hour

// failurePayload — сохранённая ошибка, которую получит повторный запрос.
type failurePayload struct {
	Kind    domain.ErrorKind `json:"kind"`
	Key     string           `json:"key"`
	Message string           `json:"message"`
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт срок жизни ключа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardClock подменяет источник времени.
func WithGuardClock(clock func() time.Time) GuardOption {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithResponseCodes задаёт отображение результата в код транспорта, который хранится рядом с ответом.
func WithResponseCodes(codeOf func(error) int) GuardOption {
	return func(g *Guard) {
		if codeOf != nil {
			g.codeOf = codeOf
		}
	}
}

// WithGuardLogger задаёт логгер.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Result — ответ обработчика: сериализованное тело и созданный заказ.
type Result struct {
	OrderID string
	Body    []byte
}

// Guard выполняет обработчик не более одного раза на ключ внутри своего scope.
// Повтор с тем же телом получает сохранённый ответ или ошибку, с другим телом получает конфликт.
type Guard struct {
	repo   domain.IdempotencyRepository
	scope  domain.IdempotencyScope
	ttl    time.Duration
	clock  func() time.Time
	codeOf func(error) int
	logger *log.Entry
}

// NewGuard создаёт Guard для одного транспорта поверх хранилища ключей.
func NewGuard(repo domain.IdempotencyRepository, scope domain.IdempotencyScope, opts ...GuardOption) (*Guard, error) {
	if repo == nil {
		return nil, errors.New("idempotency: repository is required")
	}
	if strings.TrimSpace(string(scope)) == "" {
		return nil, errors.New("idempotency: scope is required")
	}
	g := &Guard{
		repo:   repo,
		scope:  scope,
		ttl:    defaultTTL,
		clock:  time.Now,
		codeOf: HTTPStatusOf,
		logger: log.WithFields(log.Fields{"component": "idempotency-guard", "scope": scope}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Do выполняет handler под ключом key. replayed=true означает, что результат взят из хранилища.
// Пустой ключ отключает защиту.
func (g *Guard) Do(ctx context.Context, key, requestHash string, handler func(context.Context) (Result, error)) (result Result, replayed bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		result, err = handler(ctx)
		return result, false, err
	}

	record, err := g.repo.Claim(ctx, domain.IdempotencyClaim{
		Scope:       g.scope,
		Key:         key,
		RequestHash: requestHash,
		ExpiresAt:   g.clock().UTC().Add(g.ttl),
	})
	if err != nil {
		return g.replay(key, record, err)
	}

	result, runErr := handler(ctx)
	outcome := domain.IdempotencyOutcome{
		Status:  domain.IdempotencyStatusDone,
		OrderID: result.OrderID,
		Body:    result.Body,
		Code:    g.codeOf(runErr),
	}
	if runErr != nil {
		outcome = g.failureOutcome(key, runErr)
	}
	// Итог фиксируется и после отмены запроса клиентом, иначе ключ останется processing до TTL.
	if err := g.repo.Complete(context.WithoutCancel(ctx), g.scope, key, outcome); err != nil {
		g.logger.WithError(err).WithFields(log.Fields{
			"idempotency_key": key,
			"status":          outcome.Status,
		}).Warn("failed to store idempotency outcome")
	}
	if runErr != nil {
		return Result{}, false, runErr
	}
	return result, false, nil
}

func (g *Guard) replay(key string, record domain.IdempotencyRecord, createErr error) (Result, bool, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return Result{}, false, domain.Conflict(domain.KeyIdempotencyMismatch,
			"idempotency key is already used with a different request", createErr)
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			return Result{OrderID: record.OrderID, Body: record.Body}, true, nil
		case domain.IdempotencyStatusProcessing:
			return Result{}, false, domain.Conflict(domain.KeyIdempotencyInProgress,
				"request with the same idempotency key is still processing", nil)
		case domain.IdempotencyStatusFailed:
			return Result{}, true, decodeFailure(record)
		default:
			return Result{}, false, fmt.Errorf("idempotency key %s has unknown status %q", key, record.Status)
		}
	case errors.Is(createErr, domain.ErrIdempotencyKeyRequired), errors.Is(createErr, domain.ErrIdempotencyRequestHashRequired):
		return Result{}, false, domain.Validation(domain.KeyIdempotencyMismatch, createErr.Error())
	default:
		return Result{}, false, fmt.Errorf("claim idempotency key %s: %w", key, createErr)
	}
}

func (g *Guard) failureOutcome(key string, runErr error) domain.IdempotencyOutcome {
	payload := failurePayload{Kind: domain.KindOf(runErr), Key: domain.KeyOf(runErr), Message: runErr.Error()}
	if payload.Kind == domain.KindInternal {
		payload.Message = "internal error"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to encode idempotency failure payload")
		data = nil
	}
	return domain.IdempotencyOutcome{Status: domain.IdempotencyStatusFailed, Body: data, Code: g.codeOf(runErr)}
}

func decodeFailure(record domain.IdempotencyRecord) error {
	var payload failurePayload
	if len(record.Body) > 0 && json.Unmarshal(record.Body, &payload) == nil && payload.Kind != "" {
		if payload.Message == "" {
			payload.Message = "previous request with the same idempotency key failed"
		}
		return &domain.Error{Kind: payload.Kind, Key: payload.Key, Message: payload.Message}
	}
	return &domain.Error{
		Kind:    domain.KindInternal,
		Key:     domain.KeyInternal,
		Message: "previous request with the same idempotency key failed",
	}
}

// HTTPStatusOf отображает вид ошибки в HTTP-статус; nil означает 200.
func HTTPStatusOf(err error) int {
	switch domain.KindOf(err) {
	case "":
		return http.StatusOK
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindAssemblyFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// RequestHash считает отпечаток запроса: метод и JSON-представление тела.
func RequestHash(method string, request any) (string, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshal request for hash: %w", err)
	}
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{0})
	sum.Write(data)
	return hex.EncodeToString(sum.Sum(nil)), nil
}
