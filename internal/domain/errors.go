package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отсутствующего идентификатора заведения.
	ErrPlaceRequired = errors.New("place_id is required")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("amount must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// Ошибка несоответствия скидки заказа и скидок позиций.
	ErrDiscountMismatch = errors.New("order discount does not match items sum")
	// Ошибка несоответствия счётчика прогресса и готовых позиций.
	ErrProgressMismatch = errors.New("order progress does not match ready items")
	// Ошибка неизвестного статуса заказа.
	ErrStatusUnknown = errors.New("order status is unknown")
	// Ошибка неизвестного способа получения заказа.
	ErrModeUnknown = errors.New("fulfillment mode is unknown")
	// Ошибка неизвестного канала заказа.
	ErrChannelUnknown = errors.New("order channel is unknown")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists возвращается при повторном создании заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrSequenceScopeInvalid — некорректная область нумерации (заведение, год, месяц).
	ErrSequenceScopeInvalid = errors.New("sequence scope is invalid")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован с тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ уже использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — записи по ключу нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeySettled — итог по ключу уже зафиксирован и не перезаписывается.
	ErrIdempotencyKeySettled = errors.New("idempotency key is already settled")
	// ErrIdempotencyOutcomeInvalid — итог без окончательного статуса.
	ErrIdempotencyOutcomeInvalid = errors.New("idempotency outcome must be done or failed")
)

// ErrorKind классифицирует ошибки движка заказов для транспорта.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindNotFound       ErrorKind = "not_found"
	KindStateConflict  ErrorKind = "state_conflict"
	KindAssemblyFailed ErrorKind = "assembly_failed"
	KindInternal       ErrorKind = "internal"
)

// Ключи сообщений для локализации на стороне клиента.
const (
	KeyCartEmpty              = "order.cart_empty"
	KeyQuantityInvalid        = "order.quantity_invalid"
	KeyModeInvalid            = "order.mode_invalid"
	KeyChannelInvalid         = "order.channel_invalid"
	KeyPlaceRequired          = "order.place_required"
	KeyAddressRequired        = "order.address_required"
	KeyPaymentMethodNotFound  = "order.payment_method_not_found"
	KeyPlaceNotWorking        = "order.place_not_working"
	KeyOrderNotFound          = "order.not_found"
	KeyStatusInvalid          = "order.status_invalid"
	KeyTransitionInvalid      = "order.transition_invalid"
	KeyExpectedStatusMismatch = "order.expected_status_mismatch"
	KeyVersionConflict        = "order.version_conflict"
	KeyItemIndexInvalid       = "order.item_index_invalid"
	KeyActorRequired          = "order.actor_required"
	KeyAssemblyFailed         = "order.assembly_failed"
	KeyTierNotFound           = "catalog.tier_not_found"
	KeyIdempotencyMismatch    = "request.idempotency_key_reused"
	KeyIdempotencyInProgress  = "request.idempotency_in_progress"
	KeyBodyInvalid            = "request.body_invalid"
	KeyLimitInvalid           = "request.limit_invalid"
	KeyInternal               = "common.internal"
)

// Error — типизированная ошибка движка заказов: вид, ключ сообщения и причина.
type Error struct {
	Kind    ErrorKind
	Key     string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation создаёт ошибку некорректного ввода.
func Validation(key, message string) *Error {
	return &Error{Kind: KindValidation, Key: key, Message: message}
}

// NotFound создаёт ошибку отсутствующей сущности.
func NotFound(key, message string) *Error {
	return &Error{Kind: KindNotFound, Key: key, Message: message}
}

// Conflict создаёт ошибку недопустимого перехода или потерянного обновления.
func Conflict(key, message string, cause error) *Error {
	return &Error{Kind: KindStateConflict, Key: key, Message: message, Err: cause}
}

// AssemblyFailed создаёт ошибку невозможности собрать заказ.
func AssemblyFailed(message string) *Error {
	return &Error{Kind: KindAssemblyFailed, Key: KeyAssemblyFailed, Message: message}
}

// KindOf определяет вид ошибки; неизвестные ошибки считаются внутренними.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrOrderVersionConflict):
		return KindStateConflict
	default:
		return KindInternal
	}
}

// KeyOf возвращает ключ сообщения для ошибки.
func KeyOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) && typed.Key != "" {
		return typed.Key
	}
	switch KindOf(err) {
	case KindNotFound:
		return KeyOrderNotFound
	case KindStateConflict:
		return KeyVersionConflict
	default:
		return KeyInternal
	}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}
