package main

import (
	"fmt"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

type envelope map[string]any

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writeJSON sends data as indented JSON with the given status. headers are
// copied onto the response first.
func writeJSON(w http.ResponseWriter, status int, data envelope, headers http.Header) error {
	js, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return err
	}
	js = append(js, '\n')

	for key, value := range headers {
		w.Header()[key] = value
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(js)
	return err
}

func writeText(w http.ResponseWriter, status int, format string, args ...any) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
