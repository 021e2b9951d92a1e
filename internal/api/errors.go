package api

import (
	"amr-logistics/internal/fsm"
	"amr-logistics/internal/store"
	"encoding/json"
	"errors"
	"net/http"
)

// Error 是错误响应体
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Error{Status: status, Message: message})
}

// writeStoreError 把领域错误映射为 HTTP 状态码
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fsm.ErrInvalidTransition), errors.Is(err, store.ErrPlanExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
