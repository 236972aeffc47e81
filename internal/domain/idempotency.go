package domain

import (
	"strings"
	"time"
)

// IdempotencyScope разделяет пространства ключей: один ключ в gRPC и в REST это две разные записи.
type IdempotencyScope string

const (
	IdempotencyScopeGRPC IdempotencyScope = "grpc"
	IdempotencyScopeHTTP IdempotencyScope = "http"
)

// IdempotencyStatus описывает стадию обработки отправки корзины под ключом.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing — ключ занят, заказ ещё собирается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone — заказ создан, ответ сохранён для повторов.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed — сборка завершилась ошибкой, повтор получит ту же ошибку.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Settled сообщает, что по ключу уже есть окончательный ответ.
func (s IdempotencyStatus) Settled() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyClaim — заявка на ключ перед сборкой заказа.
type IdempotencyClaim struct {
	Scope       IdempotencyScope
	Key         string
	RequestHash string
	ExpiresAt   time.Time
}

// Normalize обрезает пробелы и проверяет обязательные поля.
func (c IdempotencyClaim) Normalize() (IdempotencyClaim, error) {
	c.Scope = IdempotencyScope(strings.TrimSpace(string(c.Scope)))
	c.Key = strings.TrimSpace(c.Key)
	c.RequestHash = strings.TrimSpace(c.RequestHash)
	if c.Key == "" {
		return c, ErrIdempotencyKeyRequired
	}
	if c.RequestHash == "" {
		return c, ErrIdempotencyRequestHashRequired
	}
	return c, nil
}

// IdempotencyOutcome — результат, который отдаётся повторным запросам.
// Code хранит код транспорта (HTTP-статус или gRPC-код), OrderID пуст для неудачной сборки.
type IdempotencyOutcome struct {
	Status  IdempotencyStatus
	OrderID string
	Body    []byte
	Code    int
}

// IdempotencyRecord — сохранённое состояние ключа.
type IdempotencyRecord struct {
	IdempotencyClaim
	IdempotencyOutcome
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired сообщает, что запись можно удалить. Записи без срока живут бессрочно.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// Matches проверяет, что повтор пришёл с тем же телом запроса.
func (r IdempotencyRecord) Matches(requestHash string) bool {
	return r.RequestHash == strings.TrimSpace(requestHash)
}
