package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	earningsdomain "github.com/smallbiznis/creatorpay/internal/earnings/domain"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/creatorpay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/creatorpay/internal/payout/domain"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Shortfall int64             `json:"shortfall,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var insufficient *ledgerdomain.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:      "insufficient_funds",
			Message:   "insufficient funds",
			Shortfall: insufficient.Shortfall(),
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "insufficient_funds",
			Message: "insufficient funds",
		}
	case errors.Is(err, payoutdomain.ErrBelowMinimum),
		errors.Is(err, payoutdomain.ErrExceedsAvailable):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    err.Error(),
			Message: "withdrawal exceeds what the creator may withdraw",
		}
	case errors.Is(err, payoutdomain.ErrNotOwner):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, ledgerdomain.ErrDuplicateReference),
		errors.Is(err, payoutdomain.ErrInvalidTransition),
		errors.Is(err, payoutdomain.ErrPayoutWindowClosed):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, transferdomain.ErrPlatformNotConfigured),
		errors.Is(err, payoutdomain.ErrDisburserUnavailable),
		ledgerdomain.IsTransient(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog reports the response type and code logged per request.
func classifyErrorForLog(err error) (string, string) {
	if errors.Is(err, paymentdomain.ErrStaleEvent) {
		return "stale_event", err.Error()
	}
	if errors.Is(err, paymentdomain.ErrInvalidSignature) {
		return "invalid_signature", err.Error()
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case isLedgerValidationError(err),
		isTransferValidationError(err),
		isPayoutValidationError(err),
		errors.Is(err, earningsdomain.ErrInvalidCreator):
		return true
	default:
		return false
	}
}

func isLedgerValidationError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrInvalidPrincipal),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidType),
		errors.Is(err, ledgerdomain.ErrInvalidStatus),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func isTransferValidationError(err error) bool {
	switch {
	case errors.Is(err, transferdomain.ErrInvalidKind),
		errors.Is(err, transferdomain.ErrInvalidAmount),
		errors.Is(err, transferdomain.ErrSelfTransfer),
		errors.Is(err, transferdomain.ErrMissingSender),
		errors.Is(err, transferdomain.ErrMissingRecipient),
		errors.Is(err, transferdomain.ErrUnexpectedSender),
		errors.Is(err, transferdomain.ErrUnexpectedRecipient),
		errors.Is(err, transferdomain.ErrInvalidRefillSetting):
		return true
	default:
		return false
	}
}

func isPayoutValidationError(err error) bool {
	switch {
	case errors.Is(err, payoutdomain.ErrInvalidCreator),
		errors.Is(err, payoutdomain.ErrInvalidAmount),
		errors.Is(err, payoutdomain.ErrInvalidStatus),
		errors.Is(err, payoutdomain.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrTransactionNotFound),
		errors.Is(err, payoutdomain.ErrWithdrawalNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// validationErrorCode returns the sentinel text of the first known
// validation error in the chain.
func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		ledgerdomain.ErrInvalidPrincipal, ledgerdomain.ErrInvalidAmount, ledgerdomain.ErrInvalidType,
		ledgerdomain.ErrInvalidStatus, ledgerdomain.ErrInvalidPageToken,
		transferdomain.ErrInvalidKind, transferdomain.ErrInvalidAmount, transferdomain.ErrSelfTransfer,
		transferdomain.ErrMissingSender, transferdomain.ErrMissingRecipient, transferdomain.ErrUnexpectedSender,
		transferdomain.ErrUnexpectedRecipient, transferdomain.ErrInvalidRefillSetting,
		payoutdomain.ErrInvalidCreator, payoutdomain.ErrInvalidAmount, payoutdomain.ErrInvalidStatus,
		payoutdomain.ErrInvalidPageToken, earningsdomain.ErrInvalidCreator,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "self_transfer", "missing_recipient", "unexpected_recipient":
		return "to_id"
	case "missing_sender", "unexpected_sender":
		return "from_id"
	case "invalid_transfer_kind":
		return "kind"
	case "invalid_refill_settings":
		return "refill_tokens"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "self_transfer":
		return "sender and recipient must differ"
	default:
		return "invalid value"
	}
}
