// Package geoloc acquires a best-effort device coordinate from an
// IP-geolocation endpoint. Acquisition never fails the caller: any error,
// timeout or denial yields a nil coordinate.
package geoloc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Coordinate struct {
	Lat float64
	Lon float64
}

// Provider returns the current coordinate or nil within a bounded deadline.
type Provider interface {
	CurrentCoordinate(ctx context.Context) *Coordinate
}

// Static serves a fixed coordinate (possibly nil); used in tests.
type Static struct {
	Coord *Coordinate
}

func (s Static) CurrentCoordinate(context.Context) *Coordinate { return s.Coord }

const defaultTimeout = 3 * time.Second

// Client queries a JSON geolocation endpoint shaped like
// {"lat": 51.5, "lon": -0.1}.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) CurrentCoordinate(ctx context.Context) *Coordinate {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil
	}
	var body struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil
	}
	if body.Lat == nil || body.Lon == nil {
		return nil
	}
	return &Coordinate{Lat: *body.Lat, Lon: *body.Lon}
}
