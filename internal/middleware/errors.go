package middleware

import (
	"encoding/json"
	"net/http"
)

// Error codes written by middleware. They match the codes of the api package.
const (
	errCodeAuthFailed         = "auth_failed"
	errCodeInvalidCredentials = "invalid_credentials"
	errCodeSuspended          = "suspended"
	errCodeAccountLocked      = "account_locked"
	errCodeForbidden          = "forbidden"
	errCodeRateLimited        = "rate_limited"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes the {"error":{"code","message"}} envelope and records
// the code for the logging middleware.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	SetErrorCode(r.Context(), code)

	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
