package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"solarsystem/domain"
)

const maxBody = 1 << 20

type errorBody struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message"`
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Wrap(domain.CodeInput, "malformed request body", err)
	}
	return nil
}

// readOptionalJSON is readJSON for requests whose body may be empty.
func readOptionalJSON(r *http.Request, v any) error {
	err := readJSON(r, v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	f := domain.FailureOf(err)
	writeJSON(w, statusOf(f.Code), errorBody{Code: f.Code, Message: f.Reason})
}

// statusOf maps a failure code to the HTTP status reported for it.
func statusOf(code domain.Code) int {
	switch code {
	case domain.CodeInput, domain.CodeIdentityResolution:
		return http.StatusBadRequest
	case domain.CodeRuleViolation:
		return http.StatusUnprocessableEntity
	case domain.CodeNotaryConflict:
		return http.StatusConflict
	case domain.CodeProtocolAbort:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func notFound(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: what + " not found"})
}
