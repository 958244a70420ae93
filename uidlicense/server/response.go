package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type dataResponse struct {
	Data    interface{} `json:"data"`
	Message string      `json:"message,omitempty"`
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	render.Status(r, status)
	render.JSON(w, r, dataResponse{Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// statusFor maps a uidlicense error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case uidlicense.CodeInvalidInput:
		return http.StatusBadRequest
	case uidlicense.CodeLicenseNotFound, uidlicense.CodeBindingNotFound:
		return http.StatusNotFound
	case uidlicense.CodeLicenseInactive, uidlicense.CodeLicenseExpired, uidlicense.CodeBindingInactive,
		uidlicense.CodeBindingLocked:
		return http.StatusForbidden
	case uidlicense.CodeCapacityExceeded, uidlicense.CodeDuplicateBinding,
		uidlicense.CodeConflict, uidlicense.CodeLicenseInUse:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondError writes err in the error envelope. Internal failures are
// logged and reported without detail.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := uidlicense.ErrorCode(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
		)
		msg = "internal server error"
	}
	writeError(w, r, status, code, msg)
}

// decode reads a JSON body into v and validates its struct tags.
func (s *Server) decode(r *http.Request, v interface{}) error {
	if err := render.DecodeJSON(io.LimitReader(r.Body, maxBodyBytes), v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", uidlicense.ErrInvalidInput, err)
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", uidlicense.ErrInvalidInput, err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, formatFieldError(fe))
		}
		return fmt.Errorf("%w: %s", uidlicense.ErrInvalidInput, strings.Join(msgs, "; "))
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}
