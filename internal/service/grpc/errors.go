package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// ErrorDomain — домен в ErrorInfo деталей статуса.
const ErrorDomain = "orderengine"

// CodeOf отображает ошибку движка в gRPC-код.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return st.Code()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		return codes.InvalidArgument
	case domain.KindNotFound:
		return codes.NotFound
	case domain.KindStateConflict:
		switch domain.KeyOf(err) {
		case domain.KeyVersionConflict, domain.KeyIdempotencyInProgress:
			return codes.Aborted
		case domain.KeyIdempotencyMismatch:
			return codes.AlreadyExists
		default:
			return codes.FailedPrecondition
		}
	case domain.KindAssemblyFailed:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// toStatus превращает ошибку в статус с ключом сообщения в ErrorInfo. Текст внутренних ошибок наружу не уходит.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := CodeOf(err)
	message := err.Error()
	key := domain.KeyOf(err)
	if code == codes.Internal {
		message = "internal error"
		key = domain.KeyInternal
	}

	st := status.New(code, message)
	detailed, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   key,
		Domain:   ErrorDomain,
		Metadata: map[string]string{"kind": string(domain.KindOf(err))},
	})
	if detailErr != nil {
		return st.Err()
	}
	return detailed.Err()
}

// MessageKey достаёт ключ сообщения из деталей статуса.
func MessageKey(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return info.GetReason()
		}
	}
	return ""
}

// ResponseCode — код gRPC как int для хранения рядом с ответом в записи идемпотентности.
func ResponseCode(err error) int {
	return int(CodeOf(err))
}
