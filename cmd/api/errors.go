package main

import "net/http"

// errorResponse is a generic helper for sending JSON-formatted error messages
// to the client with a given status code.
func (app *application) errorResponse(w http.ResponseWriter, r *http.Request, status int, message any) {
	env := envelope{"error": message}
	if err := writeJSON(w, status, env, nil); err != nil {
		app.logger.Error("Failed to write error response", "method", r.Method, "uri", r.URL.RequestURI(), "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// serverErrorResponse logs err and hides it from the client.
func (app *application) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Error("Internal server error", "method", r.Method, "uri", r.URL.RequestURI(), "error", err)
	app.errorResponse(w, r, http.StatusInternalServerError, "the server encountered a problem and could not process your request")
}

func (app *application) failedValidationResponse(w http.ResponseWriter, r *http.Request, errors map[string]string) {
	app.errorResponse(w, r, http.StatusBadRequest, errors)
}

func (app *application) notFoundResponse(w http.ResponseWriter, r *http.Request) {
	app.errorResponse(w, r, http.StatusNotFound, "the requested resource could not be found")
}

func (app *application) methodNotAllowedResponse(w http.ResponseWriter, r *http.Request) {
	app.errorResponse(w, r, http.StatusMethodNotAllowed, "the "+r.Method+" method is not supported for this resource")
}

func (app *application) unauthorizedResponse(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	app.errorResponse(w, r, http.StatusUnauthorized, message)
}

func (app *application) serviceUnavailableResponse(w http.ResponseWriter, r *http.Request, message string) {
	app.errorResponse(w, r, http.StatusServiceUnavailable, message)
}
