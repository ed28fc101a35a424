// Package media fetches still images from a camera's HTTP API.
package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
)

// Fetcher downloads a JPEG snapshot via the Reolink CGI endpoint.
// A snapshot failure is never fatal to a recording session; callers log
// and continue.
type Fetcher struct {
	cam  config.Camera
	http *resty.Client
}

func NewFetcher(cam config.Camera) *Fetcher {
	r := resty.New().
		SetBaseURL(fmt.Sprintf("http://%s:%d", cam.Host, cam.Port)).
		SetTimeout(10 * time.Second)

	return &Fetcher{cam: cam, http: r}
}

// Snapshot returns the binary JPEG payload for the camera's channel.
func (f *Fetcher) Snapshot(ctx context.Context) ([]byte, error) {
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("cmd", "Snap").
		SetQueryParam("channel", strconv.Itoa(f.cam.Channel)).
		// rs is a cache-busting token the Reolink API requires.
		SetQueryParam("rs", uuid.NewString()[:16]).
		SetQueryParam("user", f.cam.Username).
		SetQueryParam("password", f.cam.Password).
		Get("/cgi-bin/api.cgi")

	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("snapshot request failed: http %d", resp.StatusCode())
	}

	body := resp.Body()
	if len(body) == 0 {
		return nil, errors.New("snapshot response body is empty")
	}
	// JPEG magic; the API answers errors as JSON with status 200.
	if len(body) < 2 || body[0] != 0xFF || body[1] != 0xD8 {
		return nil, errors.New("snapshot response is not a JPEG")
	}

	return body, nil
}
