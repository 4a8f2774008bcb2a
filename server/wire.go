package server

import (
	"encoding/json"
	"net/http"

	"github.com/puzed/darkauth/internal/apierror"
)

// readJSON decodes the request body into v, reporting malformed JSON as a
// Validation error per spec §7's taxonomy.
func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierror.New(apierror.Validation, "malformed request body")
	}
	return nil
}

// writeJSON writes v as the JSON response body with status, matching the
// teacher's discoveryhandlers.go convention of setting Content-Type
// explicitly on every JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
