// Package engine executes the network measurement phases (ping batch,
// download, upload) against a fixed HTTP server and derives the timing
// metrics from them.
//
// Timing deliberately covers the entire HTTP call (connection + headers +
// body) as a single wall-clock interval. That is a practical proxy for
// application-level throughput and keeps results comparable across runs.
package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/avyuzhakov-jpg/internet-spd-test/internal/stats"
)

// TestSize is the payload size of a run in decimal megabytes.
type TestSize int

const (
	Size5MB  TestSize = 5
	Size50MB TestSize = 50
)

// Bytes returns the payload size in bytes (decimal MB = 1,000,000 bytes).
func (s TestSize) Bytes() int64 { return int64(s) * 1_000_000 }

func (s TestSize) Valid() bool { return s == Size5MB || s == Size50MB }

const (
	// DefaultPingSamples is the per-run ping batch size.
	DefaultPingSamples = 15

	DefaultPingTimeout     = 10 * time.Second
	DefaultDownloadTimeout = 60 * time.Second
	DefaultUploadTimeout   = 90 * time.Second

	// pingSampleGap spaces consecutive ping samples to avoid burst
	// correlation between them.
	pingSampleGap = 120 * time.Millisecond

	// minElapsed floors the measured interval so an implausibly fast
	// response cannot divide by zero.
	minElapsed = 0.0001
)

type Config struct {
	BaseURL         string
	PingSamples     int
	PingTimeout     time.Duration
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration
}

// Result is the 4-tuple of a full run. Each metric is set exactly once when
// its phase completes.
type Result struct {
	PingMs       float64
	JitterMs     float64
	DownloadMbps float64
	UploadMbps   float64
}

// Engine runs measurement phases strictly sequentially; it owns the phase
// timeouts and observes cancellation between discrete steps.
type Engine struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	log    zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Engine, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, cfg.BaseURL)
	}
	if cfg.PingSamples <= 0 {
		cfg.PingSamples = DefaultPingSamples
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	return &Engine{
		cfg:  cfg,
		base: u,
		// Per-phase deadlines come from the request context, not a
		// client-wide timeout.
		client: &http.Client{},
		log:    log,
	}, nil
}

func (e *Engine) endpoint(path string) string {
	u := *e.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// MeasurePingAndJitter performs n sequential round trips to the ping
// endpoint and returns (median, sample stddev) of the raw times in
// milliseconds. n == 0 short-circuits to (0, 0) with no network calls.
func (e *Engine) MeasurePingAndJitter(ctx context.Context, n int) (pingMs, jitterMs float64, err error) {
	if n == 0 {
		return 0, 0, nil
	}

	limiter := rate.NewLimiter(rate.Every(pingSampleGap), 1)
	samples := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		// The limiter paces samples and doubles as the between-sample
		// cancellation point.
		if err := limiter.Wait(ctx); err != nil {
			return 0, 0, ErrCancelled
		}
		rtt, err := e.pingOnce(ctx)
		if err != nil {
			return 0, 0, err
		}
		samples = append(samples, rtt)
	}

	pingMs, jitterMs, err = stats.PingAndJitter(samples)
	if err != nil {
		return 0, 0, err
	}
	e.log.Debug().Float64("ping_ms", pingMs).Float64("jitter_ms", jitterMs).Int("samples", n).Msg("ping batch done")
	return pingMs, jitterMs, nil
}

// pingOnce times a single round trip up to status+headers.
func (e *Engine) pingOnce(ctx context.Context) (float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.PingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, e.endpoint("/ping"), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, e.transportErr(ctx, err)
	}
	rtt := time.Since(start)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{Code: resp.StatusCode}
	}
	return float64(rtt) / float64(time.Millisecond), nil
}

// MeasureDownloadMbps times one complete GET of size decimal megabytes.
// The response body length is authoritative for the byte count.
func (e *Engine) MeasureDownloadMbps(ctx context.Context, size TestSize) (float64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.DownloadTimeout)
	defer cancel()

	u := e.endpoint("/download") + "?size=" + strconv.Itoa(int(size))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, e.transportErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{Code: resp.StatusCode}
	}

	received, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, e.transportErr(ctx, err)
	}
	elapsed := time.Since(start).Seconds()

	mbps := throughputMbps(received, elapsed)
	e.log.Debug().Int64("bytes", received).Float64("seconds", elapsed).Float64("mbps", mbps).Msg("download done")
	return mbps, nil
}

// MeasureUploadMbps POSTs size decimal megabytes of random (incompressible)
// payload and times the full call. The payload length is the byte count for
// the throughput derivation, not the response size.
func (e *Engine) MeasureUploadMbps(ctx context.Context, size TestSize) (float64, error) {
	payload := make([]byte, size.Bytes())
	if _, err := rand.Read(payload); err != nil {
		return 0, fmt.Errorf("generate payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.UploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.endpoint("/upload"), bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, e.transportErr(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, e.transportErr(ctx, err)
	}
	elapsed := time.Since(start).Seconds()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{Code: resp.StatusCode}
	}

	var ack struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &ack); err != nil || !ack.OK {
		return 0, ErrUploadRejected
	}

	mbps := throughputMbps(int64(len(payload)), elapsed)
	e.log.Debug().Int64("bytes", int64(len(payload))).Float64("seconds", elapsed).Float64("mbps", mbps).Msg("upload done")
	return mbps, nil
}

// RunFullTest runs ping, download and upload in strict sequence, checking
// cancellation before each phase. The first failure propagates.
func (e *Engine) RunFullTest(ctx context.Context, size TestSize) (Result, error) {
	var res Result

	if ctx.Err() != nil {
		return res, ErrCancelled
	}
	ping, jitter, err := e.MeasurePingAndJitter(ctx, e.cfg.PingSamples)
	if err != nil {
		return res, err
	}
	res.PingMs, res.JitterMs = ping, jitter

	if ctx.Err() != nil {
		return res, ErrCancelled
	}
	dl, err := e.MeasureDownloadMbps(ctx, size)
	if err != nil {
		return res, err
	}
	res.DownloadMbps = dl

	if ctx.Err() != nil {
		return res, ErrCancelled
	}
	ul, err := e.MeasureUploadMbps(ctx, size)
	if err != nil {
		return res, err
	}
	res.UploadMbps = ul

	return res, nil
}

// throughputMbps converts a transfer into megabits per second (decimal
// mega), flooring the interval at minElapsed.
func throughputMbps(bytes int64, seconds float64) float64 {
	if seconds < minElapsed {
		seconds = minElapsed
	}
	return float64(bytes) * 8 / seconds / 1_000_000
}

// transportErr maps a failed HTTP call: a cancelled run context means the
// caller asked to stop; everything else (timeouts included) is a bad
// response from the transport's point of view.
func (e *Engine) transportErr(runCtx context.Context, err error) error {
	if runCtx.Err() == context.Canceled {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %v", ErrBadResponse, err)
}
