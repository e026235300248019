package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"bookswap/auth"
	"bookswap/book"
	"bookswap/db"
	"bookswap/exchange"
	"bookswap/ledger"
	"bookswap/report"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}

// statusFor maps domain errors to HTTP status codes. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, book.ErrNotFound),
		errors.Is(err, exchange.ErrNotFound),
		errors.Is(err, report.ErrNotFound),
		errors.Is(err, report.ErrExchangeNotFound),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound

	case errors.Is(err, book.ErrNotOwner),
		errors.Is(err, exchange.ErrUnauthorized),
		errors.Is(err, report.ErrUnauthorized):
		return http.StatusForbidden

	case errors.Is(err, exchange.ErrInvalidTransition),
		errors.Is(err, exchange.ErrNotAvailable),
		errors.Is(err, exchange.ErrActiveExchangeExists),
		errors.Is(err, exchange.ErrOwnBook),
		errors.Is(err, report.ErrInvalidTransition),
		errors.Is(err, book.ErrDeleted),
		errors.Is(err, book.ErrActiveExchange),
		errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict

	case errors.Is(err, exchange.ErrMissingID),
		errors.Is(err, exchange.ErrInvalidStatus),
		errors.Is(err, report.ErrMissingID),
		errors.Is(err, report.ErrInvalidStatus),
		errors.Is(err, book.ErrMissingOwner):
		return http.StatusBadRequest

	case errors.Is(err, exchange.ErrInsufficientFunds),
		errors.Is(err, exchange.ErrRepeatExchange),
		errors.Is(err, exchange.ErrCircularExchange),
		errors.Is(err, report.ErrDuplicate),
		errors.Is(err, report.ErrInvalidReason),
		errors.Is(err, report.ErrDescriptionTooLong),
		errors.Is(err, book.ErrTitleRequired),
		errors.Is(err, book.ErrInvalidCondition),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrMissingFields):
		return http.StatusUnprocessableEntity

	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized

	case errors.Is(err, report.ErrRateLimited):
		return http.StatusTooManyRequests

	case errors.Is(err, db.ErrTryAgain):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log().Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, code, "internal server error")
		return
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondWithError(w, code, err.Error())
}
