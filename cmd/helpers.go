package main

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type envelope map[string]interface{}

func (ac *appContext) writeJSON(w http.ResponseWriter, status int, data envelope) error {
	js, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(append(js, '\n'))
	return err
}

// respond writes data and logs it at debug level. Encoding failures are logged
// against the request.
func (ac *appContext) respond(w http.ResponseWriter, r *http.Request, status int, data envelope) {
	if err := ac.writeJSON(w, status, data); err != nil {
		ac.logError(r, err)
		return
	}
	if ce := ac.Logger.Check(zap.DebugLevel, "response"); ce != nil {
		payload, _ := json.Marshal(data)
		ce.Write(requestFields(r, zap.Int("status", status), zap.ByteString("payload", payload))...)
	}
}

func (ac *appContext) errorResponse(w http.ResponseWriter, r *http.Request, status int, message interface{}) {
	if err := ac.writeJSON(w, status, envelope{"error": message}); err != nil {
		ac.logError(r, err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (ac *appContext) logError(r *http.Request, err error) {
	ac.Logger.Error("request failed", requestFields(r, zap.Error(err))...)
}

func requestFields(r *http.Request, extra ...zap.Field) []zap.Field {
	return append([]zap.Field{zap.String("method", r.Method), zap.String("path", r.URL.Path)}, extra...)
}
