package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ventisec/ventiscan/pkg/types"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// mapping pairs a sentinel error with its HTTP translation.
var errorMap = []struct {
	err    error
	status int
	code   string
}{
	{types.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{types.ErrExpiredToken, http.StatusUnauthorized, "expired_token"},
	{types.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
	{types.ErrForbidden, http.StatusForbidden, "forbidden"},
	{types.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{types.ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
	{types.ErrSpecTooLarge, http.StatusRequestEntityTooLarge, "spec_too_large"},
	{types.ErrSpecMalformed, http.StatusUnprocessableEntity, "spec_malformed"},
	{types.ErrSpecUnsafe, http.StatusUnprocessableEntity, "spec_unsafe"},
	{types.ErrFetchFailed, http.StatusBadGateway, "fetch_failed"},
	{types.ErrUnsafeTarget, http.StatusBadRequest, "unsafe_target"},
	{types.ErrWorkerUnavailable, http.StatusBadRequest, "unknown_scanner"},
	{types.ErrBadRequest, http.StatusBadRequest, "bad_request"},
	{types.ErrNotFound, http.StatusNotFound, "not_found"},
	{types.ErrNotReady, http.StatusConflict, "not_ready"},
	{types.ErrConflict, http.StatusConflict, "conflict"},
}

// writeError translates a domain error into the HTTP error envelope.
// Unknown errors become an opaque 500; internals never leak to clients.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	message := "internal error"

	for _, m := range errorMap {
		if errors.Is(err, m.err) {
			status = m.status
			code = m.code
			message = err.Error()
			break
		}
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeRateLimited emits a 429 with a Retry-After hint.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
	writeError(w, types.ErrRateLimited)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
