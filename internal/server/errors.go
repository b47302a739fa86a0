package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	"github.com/smallbiznis/dunning/internal/scheduler"
	webhookdomain "github.com/smallbiznis/dunning/internal/webhook/domain"
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
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
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

// inputErrors maps domain sentinels that reject caller input to the field
// and code reported in the validation payload.
var inputErrors = []struct {
	err   error
	field string
	code  string
}{
	{ErrInvalidRequest, "request", "invalid_request"},
	{webhookdomain.ErrUnknownProvider, "provider", "invalid_provider"},
	{webhookdomain.ErrInvalidPayload, "payload", "invalid_payload"},
	{webhookdomain.ErrInvalidEvent, "event", "invalid_event"},
}

var notFoundErrors = []error{
	ErrNotFound,
	debtdomain.ErrDebtNotFound,
	programaciondomain.ErrActionNotFound,
	historydomain.ErrRecordNotFound,
	gorm.ErrRecordNotFound,
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return internalError()
	}
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, validationPayload(vErr.Errors)
	}
	for _, in := range inputErrors {
		if errors.Is(err, in.err) {
			return http.StatusBadRequest, validationPayload([]ValidationError{
				{Field: in.field, Code: in.code, Message: "invalid value"},
			})
		}
	}
	for _, nf := range notFoundErrors {
		if errors.Is(err, nf) {
			return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, ErrConflict), errors.Is(err, scheduler.ErrPassLocked):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: "a pass is already running"}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{Type: "service_unavailable", Message: "service unavailable"}
	default:
		return internalError()
	}
}

func internalError() (int, errorPayload) {
	return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
}

func validationPayload(errs []ValidationError) errorPayload {
	return errorPayload{Type: "validation_error", Message: "validation error", Errors: errs}
}

// asValidationErrors also converts validator failures from request binding.
func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		out := &ValidationErrors{Errors: make([]ValidationError, 0, len(fieldErrs))}
		for _, fe := range fieldErrs {
			out.Errors = append(out.Errors, ValidationError{
				Field:   strings.ToLower(fe.Field()),
				Code:    fe.Tag(),
				Message: "invalid value",
			})
		}
		return out
	}
	return nil
}

// bindingError keeps validator failures and reports anything else from
// binding as an invalid request.
func bindingError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		return err
	}
	return invalidRequestError()
}

// classifyErrorForLog feeds the access log error_type and error_code fields.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, ""
	}
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
