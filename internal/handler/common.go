package handler

import (
	"encoding/json"
	"net/http"

	"atomic-ledger/internal/errors"
)

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	writeResponse(w, statusCode, Response{Data: data})
}

// writeError renders err with the status of its code. Errors that are not an
// *errors.AppError are reported as internal errors.
func writeError(w http.ResponseWriter, err error) {
	writeErrorWithData(w, err, nil)
}

// writeErrorWithData renders err alongside a payload, used when a rejected
// operation still produced a record.
func writeErrorWithData(w http.ResponseWriter, err error, data interface{}) {
	appErr, ok := errors.FromError(err)
	if !ok {
		appErr = errors.NewAppError(errors.InternalError, "an unexpected error occurred").WithDetails(err.Error())
	}

	writeResponse(w, appErr.HTTPStatus(), Response{
		Data: data,
		Error: &Error{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Details,
		},
	})
}

func writeResponse(w http.ResponseWriter, statusCode int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}
