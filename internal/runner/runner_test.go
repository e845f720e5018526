package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/avyuzhakov-jpg/internet-spd-test/internal/engine"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/geoloc"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/logstore"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/netinfo"
)

type stubMeasurer struct {
	ping, jitter float64
	pingErr      error

	download    float64
	downloadErr error
	downloadFn  func(ctx context.Context) (float64, error)

	upload    float64
	uploadErr error
}

func (s *stubMeasurer) MeasurePingAndJitter(ctx context.Context, n int) (float64, float64, error) {
	return s.ping, s.jitter, s.pingErr
}

func (s *stubMeasurer) MeasureDownloadMbps(ctx context.Context, size engine.TestSize) (float64, error) {
	if s.downloadFn != nil {
		return s.downloadFn(ctx)
	}
	return s.download, s.downloadErr
}

func (s *stubMeasurer) MeasureUploadMbps(ctx context.Context, size engine.TestSize) (float64, error) {
	return s.upload, s.uploadErr
}

type captureListener struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *captureListener) OnRunUpdate(s Snapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func (c *captureListener) all() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.snaps...)
}

func testConfig() Config {
	return Config{
		BaseURL:      "https://speed.example.net",
		Size:         engine.Size5MB,
		PingSamples:  3,
		LocationWait: 100 * time.Millisecond,
	}
}

func newTestRunner(t *testing.T, m Measurer, loc geoloc.Provider) (*Runner, *logstore.Store) {
	t.Helper()
	store := logstore.New(filepath.Join(t.TempDir(), "runs.csv"))
	r := New(testConfig(), m, store, netinfo.Static{Type: netinfo.TypeWifi}, loc, zerolog.Nop())
	return r, store
}

func countLines(t *testing.T, store *logstore.Store) int {
	t.Helper()
	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return len(strings.Split(strings.TrimRight(string(data), "\n"), "\n"))
}

func TestSuccessfulRunProgressContract(t *testing.T) {
	m := &stubMeasurer{ping: 20, jitter: 2, download: 100, upload: 50}
	r, store := newTestRunner(t, m, geoloc.Static{})
	var lst captureListener
	r.AddListener(&lst)

	if !r.Start(context.Background()) {
		t.Fatalf("Start returned false")
	}
	final := r.Wait(context.Background())

	if final.Phase != PhaseDone || final.Progress != 1.0 {
		t.Fatalf("final snapshot = %+v", final)
	}
	if final.Metrics != (Metrics{PingMs: 20, JitterMs: 2, DownloadMbps: 100, UploadMbps: 50}) {
		t.Fatalf("metrics = %+v", final.Metrics)
	}

	want := []float64{0.10, 0.35, 0.40, 0.70, 0.75, 0.90, 0.95, 1.0}
	snaps := lst.all()
	if len(snaps) != len(want) {
		t.Fatalf("got %d snapshots, want %d: %+v", len(snaps), len(want), snaps)
	}
	prev := 0.0
	for i, s := range snaps {
		if s.Progress != want[i] {
			t.Fatalf("snapshot %d progress = %v, want %v", i, s.Progress, want[i])
		}
		if s.Progress < prev {
			t.Fatalf("progress not monotone at %d: %v < %v", i, s.Progress, prev)
		}
		prev = s.Progress
	}

	if n := countLines(t, store); n != 2 {
		t.Fatalf("expected header + 1 record, got %d lines", n)
	}
	recs, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 1 || recs[0].ErrorMessage != "" || recs[0].DownloadMbps != 100 {
		t.Fatalf("unexpected record: %+v", recs)
	}
	if recs[0].NetworkType != "wifi" || recs[0].TestSizeMB != 5 {
		t.Fatalf("context fields: %+v", recs[0])
	}
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	block := make(chan struct{})
	m := &stubMeasurer{downloadFn: func(ctx context.Context) (float64, error) {
		<-block
		return 10, nil
	}}
	r, _ := newTestRunner(t, m, geoloc.Static{})

	if !r.Start(context.Background()) {
		t.Fatalf("first Start returned false")
	}
	time.Sleep(20 * time.Millisecond)
	if r.Start(context.Background()) {
		t.Fatalf("second Start should be a no-op while running")
	}
	close(block)
	r.Wait(context.Background())

	// A finished runner accepts a new run.
	if !r.Start(context.Background()) {
		t.Fatalf("Start after completion returned false")
	}
	r.Wait(context.Background())
}

func TestUploadFailureEndToEnd(t *testing.T) {
	// Real engine against a server whose upload phase fails with HTTP 500.
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 32*1024))
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	eng, err := engine.New(engine.Config{BaseURL: srv.URL, PingSamples: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	store := logstore.New(filepath.Join(t.TempDir(), "runs.csv"))
	cfg := testConfig()
	cfg.BaseURL = srv.URL
	cfg.PingSamples = 2
	r := New(cfg, eng, store, netinfo.Static{Type: netinfo.TypeWifi}, geoloc.Static{}, zerolog.Nop())

	r.Start(context.Background())
	final := r.Wait(context.Background())

	if final.Phase != PhaseFailed {
		t.Fatalf("final phase = %v, want failed", final.Phase)
	}
	if n := countLines(t, store); n != 2 {
		t.Fatalf("expected header + 1 record, got %d lines", n)
	}
	recs, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	rec := recs[0]
	if rec.PingMs <= 0 || rec.DownloadMbps <= 0 {
		t.Fatalf("expected captured ping/download metrics, got %+v", rec)
	}
	if rec.UploadMbps != 0 {
		t.Fatalf("upload_mbps = %v, want 0", rec.UploadMbps)
	}
	if rec.ErrorMessage != "HTTP error: 500" {
		t.Fatalf("error_message = %q", rec.ErrorMessage)
	}
}

func TestCancelMidDownload(t *testing.T) {
	m := &stubMeasurer{
		ping:   15,
		jitter: 1.5,
		downloadFn: func(ctx context.Context) (float64, error) {
			<-ctx.Done()
			return 0, engine.ErrCancelled
		},
	}
	r, store := newTestRunner(t, m, geoloc.Static{})

	r.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	r.Cancel()
	final := r.Wait(context.Background())

	// Cancellation resets published state to idle; history still records it.
	if final.Phase != PhaseIdle || final.Progress != 0 {
		t.Fatalf("final snapshot = %+v", final)
	}
	if !errors.Is(final.Err, engine.ErrCancelled) {
		t.Fatalf("final err = %v", final.Err)
	}

	recs, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(recs))
	}
	if recs[0].ErrorMessage != "Cancelled" {
		t.Fatalf("error_message = %q, want Cancelled", recs[0].ErrorMessage)
	}
	if recs[0].PingMs != 15 || recs[0].JitterMs != 1.5 {
		t.Fatalf("expected captured ping metrics, got %+v", recs[0])
	}
	if recs[0].DownloadMbps != 0 || recs[0].UploadMbps != 0 {
		t.Fatalf("never-reached metrics must be 0, got %+v", recs[0])
	}
}

// flakyLocator returns a coordinate for the first call and nil afterwards,
// mimicking a start fix that is lost by the end of the run.
type flakyLocator struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyLocator) CurrentCoordinate(ctx context.Context) *geoloc.Coordinate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return &geoloc.Coordinate{Lat: 51.501, Lon: -0.142}
	}
	return nil
}

func TestLocationDowngradeWhenEndFixLost(t *testing.T) {
	m := &stubMeasurer{ping: 10, download: 100, upload: 50}
	r, store := newTestRunner(t, m, &flakyLocator{})

	r.Start(context.Background())
	r.Wait(context.Background())

	recs, err := store.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	rec := recs[0]
	if rec.LocationStatus != "unavailable" {
		t.Fatalf("location_status = %q, want unavailable", rec.LocationStatus)
	}
	if rec.StartLat == nil || rec.StartLon == nil {
		t.Fatalf("start coordinate should be kept: %+v", rec)
	}
	if rec.EndLat != nil || rec.EndLon != nil {
		t.Fatalf("end coordinate should be empty: %+v", rec)
	}
}

func TestLocationOKWhenBothSidesPresent(t *testing.T) {
	m := &stubMeasurer{ping: 10, download: 100, upload: 50}
	coord := &geoloc.Coordinate{Lat: 40.7, Lon: -74.0}
	r, store := newTestRunner(t, m, geoloc.Static{Coord: coord})

	r.Start(context.Background())
	r.Wait(context.Background())

	recs, _ := store.ReadAll()
	if recs[0].LocationStatus != "ok" {
		t.Fatalf("location_status = %q, want ok", recs[0].LocationStatus)
	}
}

type failingAppender struct{}

func (failingAppender) Append(logstore.Record) error {
	return errors.New("disk full")
}

func TestAppendFailureKeepsMetricsVisible(t *testing.T) {
	m := &stubMeasurer{ping: 10, download: 100, upload: 50}
	r := New(testConfig(), m, failingAppender{}, netinfo.Static{Type: netinfo.TypeUnknown}, geoloc.Static{}, zerolog.Nop())

	r.Start(context.Background())
	final := r.Wait(context.Background())

	if final.Phase != PhaseFailed {
		t.Fatalf("final phase = %v, want failed", final.Phase)
	}
	if final.Err == nil || !strings.Contains(final.Err.Error(), "disk full") {
		t.Fatalf("final err = %v", final.Err)
	}
	if final.Metrics.DownloadMbps != 100 || final.Metrics.UploadMbps != 50 {
		t.Fatalf("captured metrics must stay visible, got %+v", final.Metrics)
	}
}

type captureSink struct {
	mu   sync.Mutex
	recs []logstore.Record
}

func (c *captureSink) RecordRun(rec logstore.Record) {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
}

func TestRecordSinkReceivesFinishedRun(t *testing.T) {
	m := &stubMeasurer{ping: 10, download: 100, upload: 50}
	r, _ := newTestRunner(t, m, geoloc.Static{})
	var sink captureSink
	r.AddRecordSink(&sink)

	r.Start(context.Background())
	r.Wait(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 1 || sink.recs[0].DownloadMbps != 100 {
		t.Fatalf("sink records = %+v", sink.recs)
	}
}

func TestJSONEncodableSnapshot(t *testing.T) {
	// Snapshots feed external observers; the metrics payload must marshal.
	s := Snapshot{Phase: PhaseDownloading, Progress: 0.40, Metrics: Metrics{PingMs: 12}}
	if _, err := json.Marshal(s.Metrics); err != nil {
		t.Fatalf("marshal metrics: %v", err)
	}
	if s.Phase.String() != "downloading" {
		t.Fatalf("phase string = %q", s.Phase.String())
	}
}
