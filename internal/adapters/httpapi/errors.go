package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"stockledger/pkg/domain"
)

// errorBody is the JSON payload of every failed request.
type errorBody struct {
	Error       string             `json:"error"`
	Code        string             `json:"code"`
	Field       string             `json:"field,omitempty"`
	Shortfalls  []domain.Shortfall `json:"shortfalls,omitempty"`
	EventID     string             `json:"event_id,omitempty"`
	Compensated []string           `json:"compensated,omitempty"`
	RequestID   string             `json:"request_id,omitempty"`
}

// classify maps a service error to a status and a stable code. Partial
// allocations are checked first because they wrap their cause.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrPartialAllocation):
		return http.StatusConflict, "partial_allocation"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	_ = c.Error(err)
	body := errorBody{Error: err.Error(), Code: code, RequestID: requestID(c)}
	var partial domain.PartialAllocationError
	if errors.As(err, &partial) {
		body.EventID = partial.EventID
		body.Compensated = partial.Compensated
	}
	var short domain.InsufficientStockError
	if errors.As(err, &short) {
		body.Shortfalls = short.Lines
	}
	var invalid domain.InvalidArgumentError
	if errors.As(err, &invalid) {
		body.Field = invalid.Field
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, field, reason string) {
	writeError(c, domain.Invalid(field, reason))
}
