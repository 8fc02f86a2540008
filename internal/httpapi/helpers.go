package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// decodeRequest reads a size-limited JSON body into dst. Unknown fields,
// trailing values and empty bodies are rejected.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil {
		var trailing json.RawMessage
		switch terr := dec.Decode(&trailing); {
		case errors.Is(terr, io.EOF):
			return nil
		case terr == nil:
			err = errors.New("unexpected trailing JSON value")
		default:
			err = terr
		}
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return httpError{
			Status: http.StatusRequestEntityTooLarge,
			Code:   "payload_too_large",
			Detail: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		}
	case errors.Is(err, io.EOF):
		return httpError{Status: http.StatusBadRequest, Code: "missing_body", Detail: "request body is required"}
	default:
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: fmt.Sprintf("failed to parse request: %v", err)}
	}
}
