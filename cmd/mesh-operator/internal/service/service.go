package service

import (
	"log/slog"
	"net/http"

	restful "github.com/emicklei/go-restful/v3"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

// BasePath is the base path of all operator web services.
const BasePath = "/"

// HTTPErrorResponse is the error entity written by all endpoints.
type HTTPErrorResponse struct {
	StatusCode int    `json:"statuscode"`
	Message    string `json:"message"`
}

// checkError writes an appropriate error response if err is non-nil and
// reports whether the request handling has to stop.
func checkError(log *slog.Logger, rsp *restful.Response, opname string, err error) bool {
	if err == nil {
		return false
	}

	status := http.StatusInternalServerError
	switch {
	case mesh.IsNotFound(err):
		status = http.StatusNotFound
	case mesh.IsConflict(err):
		status = http.StatusConflict
	case mesh.IsTransportUnavailable(err):
		status = http.StatusServiceUnavailable
	}

	log.Error("service error", "operation", opname, "status", status, "error", err)

	werr := rsp.WriteHeaderAndEntity(status, HTTPErrorResponse{
		StatusCode: status,
		Message:    err.Error(),
	})
	if werr != nil {
		log.Error("cannot send error response", "operation", opname, "error", werr)
	}
	return true
}
