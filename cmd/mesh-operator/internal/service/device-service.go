package service

import (
	"context"
	"log/slog"
	"net/http"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	restful "github.com/emicklei/go-restful/v3"
	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
	v1 "github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/service/v1"
)

// DeviceManager is the part of the reconciler the device endpoints need.
type DeviceManager interface {
	ListTracked() mesh.Devices
	GetTracked(id string) (*mesh.Device, error)
	ResetDevice(ctx context.Context, id string) (*mesh.Device, error)
}

type deviceResource struct {
	log     *slog.Logger
	manager DeviceManager
}

// NewDevice returns a webservice for device specific endpoints.
func NewDevice(log *slog.Logger, manager DeviceManager) *restful.WebService {
	r := deviceResource{
		log:     log,
		manager: manager,
	}
	return r.webService()
}

func (r deviceResource) webService() *restful.WebService {
	ws := new(restful.WebService)
	ws.
		Path(BasePath + "v1/devices").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON)

	tags := []string{"device"}

	ws.Route(ws.GET("/").
		To(r.listDevices).
		Operation("listDevices").
		Doc("get all tracked devices with their provisioning state").
		Metadata(restfulspec.KeyOpenAPITags, tags).
		Writes([]v1.DeviceResponse{}).
		Returns(http.StatusOK, "OK", []v1.DeviceResponse{}).
		DefaultReturns("Error", HTTPErrorResponse{}))

	ws.Route(ws.GET("/{id}").
		To(r.findDevice).
		Operation("getDevice").
		Doc("get device by id").
		Param(ws.PathParameter("id", "identifier of the device").DataType("string")).
		Metadata(restfulspec.KeyOpenAPITags, tags).
		Writes(v1.DeviceResponse{}).
		Returns(http.StatusOK, "OK", v1.DeviceResponse{}).
		Returns(http.StatusNotFound, "Not Found", HTTPErrorResponse{}).
		DefaultReturns("Error", HTTPErrorResponse{}))

	// the reset request carries no body, so any content type is accepted
	ws.Route(ws.POST("/{id}/reset").
		Consumes("*/*").
		To(r.resetDevice).
		Operation("resetDevice").
		Doc("clear the retry state of a device so that provisioning is attempted again").
		Param(ws.PathParameter("id", "identifier of the device").DataType("string")).
		Metadata(restfulspec.KeyOpenAPITags, tags).
		Writes(v1.DeviceResponse{}).
		Returns(http.StatusOK, "OK", v1.DeviceResponse{}).
		Returns(http.StatusNotFound, "Not Found", HTTPErrorResponse{}).
		DefaultReturns("Error", HTTPErrorResponse{}))

	return ws
}

func (r deviceResource) listDevices(request *restful.Request, response *restful.Response) {
	devices := r.manager.ListTracked()

	result := []*v1.DeviceResponse{}
	for i := range devices {
		result = append(result, v1.NewDeviceResponse(&devices[i]))
	}
	err := response.WriteHeaderAndEntity(http.StatusOK, result)
	if err != nil {
		r.log.Error("cannot send response", "error", err)
	}
}

func (r deviceResource) findDevice(request *restful.Request, response *restful.Response) {
	id := request.PathParameter("id")

	d, err := r.manager.GetTracked(id)
	if checkError(r.log, response, "getDevice", err) {
		return
	}
	err = response.WriteHeaderAndEntity(http.StatusOK, v1.NewDeviceResponse(d))
	if err != nil {
		r.log.Error("cannot send response", "error", err)
	}
}

func (r deviceResource) resetDevice(request *restful.Request, response *restful.Response) {
	id := request.PathParameter("id")

	d, err := r.manager.ResetDevice(request.Request.Context(), id)
	if checkError(r.log, response, "resetDevice", err) {
		return
	}
	err = response.WriteHeaderAndEntity(http.StatusOK, v1.NewDeviceResponse(d))
	if err != nil {
		r.log.Error("cannot send response", "error", err)
	}
}
