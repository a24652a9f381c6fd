package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"fleetdispatch/internal/model"
)

const maxBody = 1 << 20

// decodeJSON reads a single JSON value into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty body: %w", model.ErrInvalidInput)
		}
		return fmt.Errorf("invalid JSON: %v: %w", err, model.ErrInvalidInput)
	}
	return nil
}

// queryLimit parses ?limit=, clamped to [1, 500].
func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit %q must be a positive integer: %w", v, model.ErrInvalidInput)
	}
	return min(n, 500), nil
}

func queryFloat(r *http.Request, key string) (float64, error) {
	v := r.URL.Query().Get(key)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q must be a number: %w", key, v, model.ErrInvalidInput)
	}
	return f, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
