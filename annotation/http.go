package annotation

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/lewtec/dentamark/internal/segmentation"
	"github.com/lewtec/dentamark/internal/store"
	"github.com/lewtec/dentamark/internal/teeth"
)

func HTTPLogger(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		initialTime := time.Now()
		method := r.Method
		path := r.URL.String()
		wr := NewStatusCodeRecorderResponseWriter(w)
		handler.ServeHTTP(wr, r)
		finalTime := time.Now()
		statusCode := wr.Status
		log.Printf("http: time:%dms %d %s %s", finalTime.Sub(initialTime)/time.Millisecond, statusCode, method, path)
	})
}

type StatusCodeRecorderResponseWriter struct {
	http.ResponseWriter
	Status int
}

func (r *StatusCodeRecorderResponseWriter) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

func NewStatusCodeRecorderResponseWriter(w http.ResponseWriter) *StatusCodeRecorderResponseWriter {
	return &StatusCodeRecorderResponseWriter{ResponseWriter: w, Status: 200}
}

// BasicAuth only lets through requests carrying the credentials of one of
// the configured users.
func BasicAuth(users map[string]*ConfigAuth, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok {
			if user, found := users[username]; found && user != nil &&
				subtle.ConstantTimeCompare([]byte(password), []byte(user.Password)) == 1 {
				handler.ServeHTTP(w, r)
				return
			}
			log.Printf("http: rejected credentials for user %q", username)
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="dentamark", charset="UTF-8"`)
		respondError(w, "authentication required", http.StatusUnauthorized)
	})
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("http: while encoding response: %s", err)
	}
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var statusErr *segmentation.StatusError
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, teeth.ErrToothNotFound),
		errors.Is(err, store.ErrNothingToDrag):
		return http.StatusNotFound
	case errors.Is(err, teeth.ErrPointExists),
		errors.Is(err, teeth.ErrDuplicateToothNumber),
		errors.Is(err, store.ErrDragInProgress),
		errors.Is(err, store.ErrNoDrag),
		errors.Is(err, store.ErrNoAnnotations):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidImage),
		errors.Is(err, ErrBadRequest),
		errors.Is(err, teeth.ErrInvalidPointType):
		return http.StatusBadRequest
	case errors.As(err, &statusErr),
		errors.Is(err, segmentation.ErrInvalidResponse),
		errors.Is(err, segmentation.ErrMalformedResponse):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("error: http: %s", err)
	}
	respondError(w, err.Error(), status)
}
