package webapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	gate "github.com/xmrgate/xmrgate/pkg"
)

var httpCodeForError = map[string]int{
	string(gate.BadRequest):    400,
	string(gate.Unauthorized):  401,
	string(gate.NotFound):      404,
	string(gate.AlreadyExists): 409,
	string(gate.DBConflict):    409,
	string(gate.NotAvailable):  503,
	string(gate.RpcError):      503,
	string(gate.StoreIoError):  500,
	string(gate.UnknownError):  500,
}

func HttpStatusForError(code gate.ErrorCode) int {
	status, found := httpCodeForError[string(code)]
	if !found {
		status = http.StatusInternalServerError
	}
	return status
}

// bearerAuth wraps admin handlers. An empty token disables the check.
func bearerAuth(token string) func(httprouter.Handle) httprouter.Handle {
	expect := []byte("Bearer " + token)
	return func(h httprouter.Handle) httprouter.Handle {
		if token == "" {
			return h
		}
		return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
			got := strings.TrimSpace(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare([]byte(got), expect) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="xmrgate"`)
				sendErrorResponse(w, http.StatusUnauthorized, gate.Unauthorized, "missing or invalid bearer token")
				return
			}
			h(w, r, p)
		}
	}
}

func sendResponse(w http.ResponseWriter, payload any) {
	// note: w.Header after this, so we can call sendError
	b, err := json.Marshal(payload)
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "marshal", fmt.Sprintf("in json.Marshal: %s", err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store") // do not cache (Browsers cache GET forever by default)
	w.Write(b)
}

func sendBadRequest(w http.ResponseWriter, message string) {
	sendErrorResponse(w, http.StatusBadRequest, gate.BadRequest, message)
}

func sendError(w http.ResponseWriter, where string, err error) {
	var info *gate.ErrorInfo
	if errors.As(err, &info) {
		status := HttpStatusForError(info.Code)
		message := fmt.Sprintf("%s: %s", where, info.Message)
		sendErrorResponse(w, status, info.Code, message)
	} else {
		message := fmt.Sprintf("%s: %s", where, err.Error())
		sendErrorResponse(w, http.StatusInternalServerError, gate.UnknownError, message)
	}
}

func sendErrorResponse(w http.ResponseWriter, statusCode int, code gate.ErrorCode, message string) {
	log.Printf("[!] %s: %s\n", code, message)
	// would prefer to use json.Marshal, but this avoids the need
	// to handle encoding errors arising from json.Marshal itself!
	payload := fmt.Sprintf("{\"error\":{\"code\":%q,\"message\":%q}}", code, message)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store") // do not cache (Browsers cache GET forever by default)
	w.WriteHeader(statusCode)
	w.Write([]byte(payload))
}
