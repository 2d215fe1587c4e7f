package server

import (
	"errors"
	"net/http"

	"tubebridge/internal/api"
)

// writeMiddlewareError keeps middleware rejections in the API's JSON error shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
