package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"songcoin/auction"
	"songcoin/auction/cache"
	"songcoin/auction/txflow"
)

const requestLimit = 64 << 10

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: strings.TrimSpace(err.Error())}
	if resp.Error == "" {
		resp.Error = http.StatusText(status)
	}
	var validation *auction.ValidationError
	if errors.As(err, &validation) {
		resp.Field = validation.Field
	}
	writeJSON(w, status, resp)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

// writeError maps workflow errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err)
}

func statusFor(err error) int {
	var (
		validation *auction.ValidationError
		read       *auction.ReadError
		write      *auction.WriteError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrBidTooLow),
		errors.Is(err, auction.ErrInsufficientBalance),
		errors.Is(err, auction.ErrInvalidSongURL):
		return http.StatusUnprocessableEntity
	case errors.Is(err, txflow.ErrInFlight),
		errors.Is(err, txflow.ErrCompleted),
		errors.Is(err, txflow.ErrNotFailed),
		errors.Is(err, auction.ErrRoundActive),
		errors.Is(err, auction.ErrNothingToClaim):
		return http.StatusConflict
	case errors.Is(err, auction.ErrUnknownRound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrNoAccount):
		return http.StatusForbidden
	case errors.Is(err, cache.ErrNotLoaded), errors.As(err, &read):
		return http.StatusServiceUnavailable
	case errors.As(err, &write):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func parseRound(raw string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, &auction.ValidationError{Field: "round", Message: "round must be a decimal integer"}
	}
	return id, nil
}
