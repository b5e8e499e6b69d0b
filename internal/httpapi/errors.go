package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bdougie/uicollage/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps a domain error onto a status and the message shown to the
// client. Server side failures get a generic message.
func statusFor(err error) (int, string) {
	var (
		validation *models.ValidationError
		decode     *models.DecodeError
		media      *models.MediaError
		limit      *models.StorageLimitError
		service    *models.ServiceError
		invalid    *models.InvalidResponseError
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &decode), errors.As(err, &media):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, models.ErrChatDisabled), errors.Is(err, models.ErrBusy), errors.Is(err, models.ErrNoResultSet):
		return http.StatusConflict, err.Error()
	case errors.As(err, &limit):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.As(err, &service):
		return http.StatusBadGateway, service.Service + " is unavailable"
	case errors.As(err, &invalid):
		return http.StatusBadGateway, "upstream returned an invalid response"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	attrs := []any{"method", r.Method, "path", r.URL.Path, "status", status, "error", err}
	var service *models.ServiceError
	if errors.As(err, &service) {
		attrs = append(attrs, "upstream_status", service.Status, "upstream_body", service.Body)
	}
	s.logger.Log(r.Context(), level, "request failed", attrs...)
	writeError(w, status, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return models.Invalid("invalid JSON body")
	}
	return nil
}
