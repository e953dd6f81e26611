package health

import (
	"log/slog"
	"net/http"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	restful "github.com/emicklei/go-restful/v3"
)

// HealthCheck reports whether the service is able to do useful work.
type HealthCheck func() error

type healthstatus struct {
	Message string `json:"message"`
}

// New returns a webservice answering health checks with the result of h.
func New(log *slog.Logger, h HealthCheck) *restful.WebService {
	ws := new(restful.WebService)
	ws.
		Path("/health").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)

	tags := []string{"health"}

	ws.Route(ws.GET("/").To(check(log, h)).
		Operation("health").
		Doc("perform a healthcheck").
		Metadata(restfulspec.KeyOpenAPITags, tags).
		Returns(http.StatusOK, "OK", healthstatus{}).
		Returns(http.StatusInternalServerError, "Unhealthy", healthstatus{}))
	return ws
}

func check(log *slog.Logger, h HealthCheck) restful.RouteFunction {
	return func(request *restful.Request, response *restful.Response) {
		if err := h(); err != nil {
			log.Error("unhealthy", "error", err)
			_ = response.WriteHeaderAndEntity(http.StatusInternalServerError, healthstatus{Message: err.Error()})
			return
		}
		_ = response.WriteEntity(healthstatus{Message: "OK"})
	}
}
