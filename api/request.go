package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const maxBodySize = 64 << 10

// decodeJSON reads a single JSON object of type T from the request body.
// On failure it has already written the error response.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	return decodeBody[T](w, r, false)
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	return decodeBody[T](w, r, true)
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request, optional bool) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return v, true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}
