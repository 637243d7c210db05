package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIResponse is the envelope every handler writes.
type APIResponse struct {
	Status  int         `json:"status" example:"200"`
	Message string      `json:"message" example:"OK"`
	Data    interface{} `json:"data,omitempty"`
}

// ListDataResponse is the Data of a list endpoint.
type ListDataResponse struct {
	Rows  interface{} `json:"rows"`
	Total int64       `json:"total"`
}

// ValidationError describes one rejected request field.
type ValidationError struct {
	Code    string `json:"code,omitempty" example:"ERR_ONEOF"`
	Field   string `json:"field,omitempty" example:"state"`
	Message string `json:"message,omitempty" example:"state must be one of: all, open, settled"`
}

func envelope(status int, data interface{}) APIResponse {
	return APIResponse{Status: status, Message: http.StatusText(status), Data: data}
}

// DataResponse writes status into the envelope only; the HTTP status is 200.
func DataResponse(c echo.Context, status int, data interface{}) error {
	return c.JSON(http.StatusOK, envelope(status, data))
}

// StatusResponse writes the envelope with a matching HTTP status.
func StatusResponse(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, envelope(status, data))
}

func SuccessResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusOK, data)
}

func ListResponse(c echo.Context, rows interface{}, total int64) error {
	return SuccessResponse(c, &ListDataResponse{Rows: rows, Total: total})
}

func BadRequestResponse(c echo.Context, errs []ValidationError) error {
	return DataResponse(c, http.StatusBadRequest, errs)
}

// InternalServerErrorResponse writes a 500 without leaking the cause.
func InternalServerErrorResponse(c echo.Context) error {
	return StatusResponse(c, http.StatusInternalServerError, "internal error")
}

// AppErrorResponse writes the AppError found in err's chain, or a generic 500.
// Only statuses for which carriesHTTPStatus holds leave the 200 envelope.
func AppErrorResponse(c echo.Context, err error) error {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return InternalServerErrorResponse(c)
	}
	body := []*AppError{appErr}
	if appErr.carriesHTTPStatus() {
		return StatusResponse(c, appErr.Status, body)
	}
	return DataResponse(c, appErr.Status, body)
}
