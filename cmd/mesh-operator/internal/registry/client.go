package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mesh-stack/mesh-operator/cmd/mesh-operator/internal/mesh"
)

const defaultTimeout = 10 * time.Second

// Config contains the connection parameters of the device registry.
type Config struct {
	Log *slog.Logger
	// URL is the base url of the registry api.
	URL string
	// Token is the bearer token used to authenticate against the registry.
	Token   string
	Timeout time.Duration
}

// Client talks to the remote device registry. The registry is the source of
// truth for device existence and for the desired provisioning state; the
// operator only reads devices and writes back status annotations.
type Client struct {
	log     *slog.Logger
	baseURL string
	token   string
	client  *http.Client
}

// New creates a registry client.
func New(c *Config) *Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		log:     c.Log,
		baseURL: c.URL,
		token:   c.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

// ListDevices fetches all devices of the given application.
func (c *Client) ListDevices(ctx context.Context, application string) (mesh.Devices, error) {
	var devices mesh.Devices
	err := c.do(ctx, http.MethodGet, c.devicesURL(application), nil, &devices)
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// GetDevice fetches a single device of the given application.
func (c *Client) GetDevice(ctx context.Context, application, id string) (*mesh.Device, error) {
	var device mesh.Device
	err := c.do(ctx, http.MethodGet, c.deviceURL(application, id), nil, &device)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// UpdateDevice writes a device back to the registry. The update carries the
// resource version the device was read with; a concurrent modification is
// reported as a conflict error and has to be retried with a fresh read.
// Writing the same status twice is harmless, the update is an idempotent
// upsert.
func (c *Client) UpdateDevice(ctx context.Context, d *mesh.Device) error {
	return c.do(ctx, http.MethodPut, c.deviceURL(d.Application, d.ID), d, nil)
}

// Check probes the registry connection, it is used for the fail-fast check
// at startup and by the health endpoint.
func (c *Client) Check(ctx context.Context, application string) error {
	_, err := c.ListDevices(ctx, application)
	return err
}

func (c *Client) devicesURL(application string) string {
	return fmt.Sprintf("%s/api/registry/v1/apps/%s/devices", c.baseURL, url.PathEscape(application))
}

func (c *Client) deviceURL(application, id string) string {
	return fmt.Sprintf("%s/%s", c.devicesURL(application), url.PathEscape(id))
}

func (c *Client) do(ctx context.Context, method, u string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return mesh.Internal(err, "cannot marshal request body")
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return mesh.Internal(err, "cannot create registry request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return mesh.TransportUnavailable("registry not reachable: %v", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return mesh.NotFound("registry returned 404 for %s", u)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return mesh.Conflict("device was modified concurrently")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("registry authentication failed with status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return mesh.TransportUnavailable("registry returned status %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return mesh.Internal(fmt.Errorf("unexpected status %d", resp.StatusCode), "registry request %s failed", u)
	}

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return mesh.Internal(err, "cannot decode registry response")
	}

	return nil
}
