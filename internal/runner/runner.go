// Package runner sequences one measurement run end to end: context
// acquisition, the three network phases, record derivation and the log
// append. Exactly one run is in flight at a time, and every run (success,
// failure or cancellation) leaves exactly one persisted record behind.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avyuzhakov-jpg/internet-spd-test/internal/engine"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/geoloc"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/logstore"
	"github.com/avyuzhakov-jpg/internet-spd-test/internal/netinfo"
)

// Phase is the internal transition tag of the run state machine. Its
// String() form is for logs and snapshots only; it is never persisted.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePinging
	PhaseDownloading
	PhaseUploading
	PhaseSaving
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePinging:
		return "pinging"
	case PhaseDownloading:
		return "downloading"
	case PhaseUploading:
		return "uploading"
	case PhaseSaving:
		return "saving"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Metrics are the run metrics gathered so far. Each field is written once,
// when its phase completes.
type Metrics struct {
	PingMs       float64
	JitterMs     float64
	DownloadMbps float64
	UploadMbps   float64
}

// Snapshot is an immutable view of the run state published to listeners.
type Snapshot struct {
	Phase    Phase
	Progress float64
	Metrics  Metrics
	Err      error
}

// Listener receives every state snapshot of a run, in order.
type Listener interface {
	OnRunUpdate(Snapshot)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Snapshot)

func (f ListenerFunc) OnRunUpdate(s Snapshot) { f(s) }

// RecordSink receives the final record of a finished run after it has been
// appended to the canonical log. Failures are logged, not propagated.
type RecordSink interface {
	RecordRun(rec logstore.Record)
}

// Measurer is the engine surface the runner drives.
type Measurer interface {
	MeasurePingAndJitter(ctx context.Context, n int) (pingMs, jitterMs float64, err error)
	MeasureDownloadMbps(ctx context.Context, size engine.TestSize) (float64, error)
	MeasureUploadMbps(ctx context.Context, size engine.TestSize) (float64, error)
}

// Appender is the log surface the runner drives.
type Appender interface {
	Append(rec logstore.Record) error
}

type Config struct {
	BaseURL     string
	Size        engine.TestSize
	PingSamples int
	// LocationWait bounds how long record building waits for the
	// start-location fetch launched at run start.
	LocationWait time.Duration
}

const defaultLocationWait = 5 * time.Second

type Runner struct {
	cfg     Config
	eng     Measurer
	store   Appender
	network netinfo.Provider
	locator geoloc.Provider
	log     zerolog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	snap      Snapshot
	listeners []Listener
	sinks     []RecordSink
}

// New wires a runner from its collaborators. All dependencies are explicit;
// substitute test doubles freely.
func New(cfg Config, eng Measurer, store Appender, network netinfo.Provider, locator geoloc.Provider, log zerolog.Logger) *Runner {
	if cfg.PingSamples <= 0 {
		cfg.PingSamples = engine.DefaultPingSamples
	}
	if cfg.LocationWait <= 0 {
		cfg.LocationWait = defaultLocationWait
	}
	return &Runner{
		cfg:     cfg,
		eng:     eng,
		store:   store,
		network: network,
		locator: locator,
		log:     log,
		snap:    Snapshot{Phase: PhaseIdle},
	}
}

// AddListener registers a state listener. Register before Start.
func (r *Runner) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// AddRecordSink registers a sink for finished-run records.
func (r *Runner) AddRecordSink(s RecordSink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Current returns the latest published snapshot.
func (r *Runner) Current() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Start begins a run. It reports false, without queueing or restarting,
// when a run is already in flight.
func (r *Runner) Start(ctx context.Context) bool {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.snap = Snapshot{Phase: PhaseIdle}
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		r.run(runCtx)
		r.mu.Lock()
		r.running = false
		r.cancel = nil
		r.mu.Unlock()
	}()
	return true
}

// Cancel requests cooperative cancellation of the in-flight run. No-op when
// idle.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the in-flight run (if any) finishes and returns the
// final snapshot.
func (r *Runner) Wait(ctx context.Context) Snapshot {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return r.Current()
}

func (r *Runner) run(ctx context.Context) {
	started := time.Now()

	// Context acquisition: network type is sampled once; the start location
	// fetch begins now but must not delay the ping phase.
	netType := netinfo.TypeUnknown
	if r.network != nil {
		netType = r.network.CurrentType()
	}
	startLoc := r.fetchLocationAsync()

	var m Metrics

	r.publish(Snapshot{Phase: PhasePinging, Progress: 0.10, Metrics: m})

	ping, jitter, err := r.eng.MeasurePingAndJitter(ctx, r.cfg.PingSamples)
	if err != nil {
		r.finishFailed(netType, startLoc, m, err)
		return
	}
	m.PingMs, m.JitterMs = ping, jitter
	r.publish(Snapshot{Phase: PhasePinging, Progress: 0.35, Metrics: m})
	r.publish(Snapshot{Phase: PhaseDownloading, Progress: 0.40, Metrics: m})

	dl, err := r.eng.MeasureDownloadMbps(ctx, r.cfg.Size)
	if err != nil {
		r.finishFailed(netType, startLoc, m, err)
		return
	}
	m.DownloadMbps = dl
	r.publish(Snapshot{Phase: PhaseDownloading, Progress: 0.70, Metrics: m})
	r.publish(Snapshot{Phase: PhaseUploading, Progress: 0.75, Metrics: m})

	ul, err := r.eng.MeasureUploadMbps(ctx, r.cfg.Size)
	if err != nil {
		r.finishFailed(netType, startLoc, m, err)
		return
	}
	m.UploadMbps = ul
	r.publish(Snapshot{Phase: PhaseSaving, Progress: 0.90, Metrics: m})

	rec := r.buildRecord(netType, startLoc, m, "")
	r.publish(Snapshot{Phase: PhaseSaving, Progress: 0.95, Metrics: m})

	if err := r.store.Append(rec); err != nil {
		r.log.Error().Err(err).Msg("append run record failed")
		r.publish(Snapshot{Phase: PhaseFailed, Progress: 0.95, Metrics: m, Err: err})
		return
	}
	r.notifySinks(rec)

	r.log.Info().
		Float64("ping_ms", m.PingMs).
		Float64("jitter_ms", m.JitterMs).
		Float64("download_mbps", m.DownloadMbps).
		Float64("upload_mbps", m.UploadMbps).
		Str("network_type", string(netType)).
		Dur("took", time.Since(started)).
		Msg("run complete")
	r.publish(Snapshot{Phase: PhaseDone, Progress: 1.0, Metrics: m})
}

// finishFailed converts a stage failure or cancellation into the terminal
// failure record. The record still carries whatever metrics and location
// context were captured before the failure.
func (r *Runner) finishFailed(netType netinfo.Type, startLoc <-chan *geoloc.Coordinate, m Metrics, cause error) {
	rec := r.buildRecord(netType, startLoc, m, cause.Error())
	if err := r.store.Append(rec); err != nil {
		r.log.Error().Err(err).Msg("append failure record failed")
	} else {
		r.notifySinks(rec)
	}

	if errors.Is(cause, engine.ErrCancelled) {
		// Cancellation is an expected outcome: history keeps the record,
		// but the published state returns to idle with progress reset.
		r.log.Info().Msg("run cancelled")
		r.publish(Snapshot{Phase: PhaseIdle, Progress: 0, Metrics: m, Err: cause})
		return
	}
	r.log.Warn().Err(cause).Msg("run failed")
	r.publish(Snapshot{Phase: PhaseFailed, Progress: r.Current().Progress, Metrics: m, Err: cause})
}

// fetchLocationAsync launches a bounded location fetch and returns the
// channel its result arrives on.
func (r *Runner) fetchLocationAsync() <-chan *geoloc.Coordinate {
	ch := make(chan *geoloc.Coordinate, 1)
	go func() {
		// Independent deadline: run cancellation must not turn a captured
		// coordinate into a lost one mid-flight.
		locCtx, cancel := context.WithTimeout(context.Background(), r.cfg.LocationWait)
		defer cancel()
		if r.locator == nil {
			ch <- nil
			return
		}
		ch <- r.locator.CurrentCoordinate(locCtx)
	}()
	return ch
}

func (r *Runner) collectLocation(ch <-chan *geoloc.Coordinate) *geoloc.Coordinate {
	select {
	case c := <-ch:
		return c
	case <-time.After(r.cfg.LocationWait + time.Second):
		return nil
	}
}

func (r *Runner) buildRecord(netType netinfo.Type, startLoc <-chan *geoloc.Coordinate, m Metrics, errMsg string) logstore.Record {
	start := r.collectLocation(startLoc)
	end := r.collectLocation(r.fetchLocationAsync())

	// ok requires both sides: a run that starts located but loses the end
	// fetch downgrades to unavailable without failing.
	status := "unavailable"
	if start != nil && end != nil {
		status = "ok"
	}

	rec := logstore.Record{
		Timestamp:      time.Now(),
		DownloadMbps:   m.DownloadMbps,
		UploadMbps:     m.UploadMbps,
		PingMs:         m.PingMs,
		JitterMs:       m.JitterMs,
		NetworkType:    string(netType),
		LocationStatus: status,
		TestSizeMB:     int(r.cfg.Size),
		ServerBaseURL:  r.cfg.BaseURL,
		ErrorMessage:   errMsg,
	}
	if start != nil {
		rec.StartLat, rec.StartLon = &start.Lat, &start.Lon
	}
	if end != nil {
		rec.EndLat, rec.EndLon = &end.Lat, &end.Lon
	}
	return rec
}

func (r *Runner) publish(s Snapshot) {
	r.mu.Lock()
	r.snap = s
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnRunUpdate(s)
	}
}

func (r *Runner) notifySinks(rec logstore.Record) {
	r.mu.Lock()
	sinks := append([]RecordSink(nil), r.sinks...)
	r.mu.Unlock()
	for _, s := range sinks {
		s.RecordRun(rec)
	}
}
