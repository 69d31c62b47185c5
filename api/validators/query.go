package validators

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
)

// maxQueryValue bounds free-text filters such as userId.
const maxQueryValue = 128

func queryError(key, msg string, extra map[string]any) error {
	details := map[string]any{"field": key}
	for k, v := range extra {
		details[k] = v
	}
	return pkgerrors.New(pkgerrors.CodeValidation, key+" "+msg).WithDetails(details)
}

// ParseQueryInt reads an optional integer in [min, max].
func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, queryError(key, "must be numeric", nil)
	}
	if value < min || value > max {
		return 0, queryError(key, "out of range", map[string]any{"min": min, "max": max})
	}
	return value, nil
}

// QueryString reads an optional filter, cleaned and bounded like any other
// user text.
func QueryString(r *http.Request, key string) (string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if len(raw) > maxQueryValue {
		return "", queryError(key, "too long", map[string]any{"max": maxQueryValue})
	}
	return SanitizeString(raw, maxQueryValue), nil
}

// QueryEnum reads an optional enum filter. An unknown value is rejected
// rather than silently matching nothing.
func QueryEnum[T ~string](r *http.Request, key string, valid func(T) bool) (T, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return "", nil
	}
	value := T(strings.ToLower(raw))
	if !valid(value) {
		return "", queryError(key, "has an unknown value", map[string]any{"value": raw})
	}
	return value, nil
}

// PathParam returns a required chi URL parameter.
func PathParam(r *http.Request, key string) (string, error) {
	value := strings.TrimSpace(chi.URLParam(r, key))
	if value == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, key+" is required")
	}
	return value, nil
}

// ParsePathUint parses a numeric chi URL parameter such as a refund request id.
func ParsePathUint(r *http.Request, key string) (uint64, error) {
	raw, err := PathParam(r, key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || value == 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, key+" must be a positive integer")
	}
	return value, nil
}
