package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/failure"
)

// errorResponse is the body of every error reply.
type errorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code and writes it.
func writeError(w http.ResponseWriter, err error) {
	var verrs *config.ValidationErrors
	switch {
	case failure.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &verrs):
		resp := errorResponse{Error: "invalid document"}
		for _, e := range verrs.Errors {
			resp.Fields = append(resp.Fields, e.Error())
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// writeBadRequest writes a 400 Bad Request response
func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}
