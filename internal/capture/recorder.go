package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPermissionTimeout = 60 * time.Second
	eventQueueSize           = 256
)

// RecorderConfig configures a Recorder. Zero fields take defaults, except
// Provider: a nil provider means the platform has no capture API.
type RecorderConfig struct {
	Provider          DeviceProvider
	Clock             Clock
	Filters           *FilterTable
	Store             AssetStore
	PermissionTimeout time.Duration
	Listeners         []Listener
	Logger            *zap.Logger
}

// StartOptions carries what the user-initiated start action knows about the platform.
type StartOptions struct {
	Capabilities Capabilities `json:"capabilities"`
	DeviceID     string       `json:"device_id,omitempty"`
	Transport    string       `json:"transport,omitempty"`
}

// Snapshot is a read-only view of a recorder at one instant.
type Snapshot struct {
	SessionID       string     `json:"session_id,omitempty"`
	State           State      `json:"state"`
	ElapsedMs       int64      `json:"elapsed_ms"`
	Elapsed         string     `json:"elapsed"`
	Encoding        *Encoding  `json:"encoding,omitempty"`
	Segments        int        `json:"segments"`
	Bytes           int        `json:"bytes"`
	DroppedSegments int        `json:"dropped_segments,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	AssetReady      bool       `json:"asset_ready"`
	AssetName       string     `json:"asset_name,omitempty"`
	AssetSize       int64      `json:"asset_size,omitempty"`
	CanSubmit       bool       `json:"can_submit"`
	Submitting      bool       `json:"submitting"`
	Warning         string     `json:"warning,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Submission hands a stopped session to the binder. It shares no mutable state with the recorder.
type Submission struct {
	SessionID      uuid.UUID
	StartedAt      time.Time
	AccumulatedMs  int64
	Asset          Asset
	AssetPath      string
	ContainerID    uuid.UUID
	ContainerStart time.Time
}

// Recorder drives one recording session at a time. API calls, device
// segments, timer callbacks and permission results are all serialized on a
// single event loop; device acquisition is the only step that runs off it.
type Recorder struct {
	provider          DeviceProvider
	clock             Clock
	filters           *FilterTable
	store             AssetStore
	permissionTimeout time.Duration
	listeners         []Listener
	logger            *zap.Logger

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// event loop state
	session       *Session
	gen           uint64
	tick          Timer
	shown         int64
	warning       string
	cancelAcquire context.CancelFunc
	pending       chan error
}

// NewRecorder starts a recorder's event loop. Call Close to stop it.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Filters == nil {
		cfg.Filters = DefaultFilterTable()
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = defaultPermissionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &Recorder{
		provider:          cfg.Provider,
		clock:             cfg.Clock,
		filters:           cfg.Filters,
		store:             cfg.Store,
		permissionTimeout: cfg.PermissionTimeout,
		listeners:         cfg.Listeners,
		logger:            cfg.Logger,
		events:            make(chan func(), eventQueueSize),
		quit:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.quit:
			r.abandon("recorder closed")
			return
		}
	}
}

type result[T any] struct {
	val T
	err error
}

// call runs fn on the event loop and waits for its result.
func call[T any](ctx context.Context, r *Recorder, fn func() (T, error)) (T, error) {
	var zero T
	out := make(chan result[T], 1)
	select {
	case r.events <- func() {
		v, err := fn()
		out <- result[T]{v, err}
	}:
	case <-r.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case res := <-out:
		return res.val, res.err
	case <-r.done:
		select {
		case res := <-out:
			return res.val, res.err
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// post queues fn from a device or timer goroutine. It reports false once the loop has exited.
func (r *Recorder) post(fn func()) bool {
	select {
	case r.events <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Close abandons any session and stops the event loop.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.done
}

// Start negotiates an encoding, requests the device and waits for the
// platform's answer. On success the recorder is Recording. On a permission,
// device or capability failure it is back in Idle and Start may be retried.
func (r *Recorder) Start(ctx context.Context, opts StartOptions) (Snapshot, error) {
	answer := make(chan error, 1)
	snap, err := call(ctx, r, func() (Snapshot, error) {
		err := r.begin(opts, answer)
		return r.snapshot(r.clock.Now()), err
	})
	if err != nil {
		return snap, err
	}
	select {
	case err = <-answer:
	case <-r.done:
		return snap, ErrClosed
	case <-ctx.Done():
		return snap, ctx.Err()
	}
	if s, serr := r.Snapshot(context.WithoutCancel(ctx)); serr == nil {
		snap = s
	}
	return snap, err
}

// Pause freezes the elapsed counter. Only valid while Recording.
func (r *Recorder) Pause(ctx context.Context) (Snapshot, error) {
	return r.apply(ctx, r.pause)
}

// Resume continues a paused session.
func (r *Recorder) Resume(ctx context.Context) (Snapshot, error) {
	return r.apply(ctx, r.resume)
}

// Stop ends capture and assembles the asset. The recorder is Stopped even
// when the error wraps ErrAssemblyFailure; submission is then disabled.
func (r *Recorder) Stop(ctx context.Context) (Snapshot, error) {
	return r.apply(ctx, r.stop)
}

// Discard drops a stopped session and returns to Idle.
func (r *Recorder) Discard(ctx context.Context) (Snapshot, error) {
	return r.apply(ctx, r.discard)
}

// Abandon tears down whatever is in progress, from any state. A pending
// Start returns ErrAbandoned.
func (r *Recorder) Abandon(ctx context.Context) (Snapshot, error) {
	return r.apply(ctx, func(time.Time) error {
		r.abandon("abandoned")
		return nil
	})
}

// Snapshot returns the current view.
func (r *Recorder) Snapshot(ctx context.Context) (Snapshot, error) {
	return r.apply(ctx, func(time.Time) error { return nil })
}

func (r *Recorder) apply(ctx context.Context, fn func(now time.Time) error) (Snapshot, error) {
	return call(ctx, r, func() (Snapshot, error) {
		now := r.clock.Now()
		err := fn(now)
		return r.snapshot(now), err
	})
}

// BeginSubmission marks the stopped session as submitting and returns its
// immutable hand-off. A second call before FinishSubmission is rejected.
func (r *Recorder) BeginSubmission(ctx context.Context) (Submission, error) {
	return call(ctx, r, func() (Submission, error) {
		s := r.session
		if s == nil {
			return Submission{}, transitionError(StateIdle, "submit")
		}
		if err := s.submittable(); err != nil {
			return Submission{}, err
		}
		s.submitting = true
		r.notifyState(r.clock.Now())
		return Submission{
			SessionID:      s.ID,
			StartedAt:      s.startedAt,
			AccumulatedMs:  s.acc.AccumulatedMs(),
			Asset:          *s.asset,
			AssetPath:      s.assetPath,
			ContainerID:    s.containerID,
			ContainerStart: s.containerStart,
		}, nil
	})
}

// FinishSubmission records the binder's outcome. A nil subErr completes the
// session and returns the recorder to Idle. Otherwise the session stays
// Stopped with its asset, remembering containerID so a retry reuses it.
// ErrAbandoned is returned when the session went away in the meantime; the
// stored asset then belongs to the caller.
func (r *Recorder) FinishSubmission(ctx context.Context, sessionID, containerID uuid.UUID, containerStart time.Time, subErr error) error {
	_, err := call(ctx, r, func() (struct{}, error) {
		s := r.session
		if s == nil || s.ID != sessionID {
			return struct{}{}, fmt.Errorf("finish submission %s: %w", sessionID, ErrAbandoned)
		}
		s.submitting = false
		if containerID != uuid.Nil {
			s.containerID = containerID
			s.containerStart = containerStart
		}
		now := r.clock.Now()
		if subErr != nil {
			r.warning = subErr.Error()
			r.notifyState(now)
			return struct{}{}, nil
		}
		s.outcome = OutcomeSubmitted
		r.session = nil
		r.warning = ""
		r.logger.Info("recording submitted",
			zap.String("session_id", s.ID.String()),
			zap.String("docustream_id", s.containerID.String()),
			zap.Int64("accumulated_ms", s.acc.AccumulatedMs()),
		)
		r.notifyState(now)
		return struct{}{}, nil
	})
	return err
}

func (r *Recorder) begin(opts StartOptions, answer chan error) error {
	if r.session != nil {
		return transitionError(r.session.state, "start")
	}
	r.warning = ""
	if r.provider == nil {
		err := fmt.Errorf("%w: no capture api available", ErrUnsupportedCapability)
		r.warning = err.Error()
		r.notifyState(r.clock.Now())
		return err
	}

	enc := Negotiate(opts.Capabilities)
	cons := r.filters.Constraints(enc, opts.Capabilities)
	cons.DeviceID = opts.DeviceID
	cons.Transport = opts.Transport

	s := newSession(enc)
	r.session = s
	r.shown = 0
	r.pending = answer
	r.gen++
	gen := r.gen

	actx, cancel := context.WithTimeout(context.Background(), r.permissionTimeout)
	r.cancelAcquire = cancel
	provider := r.provider
	go func() {
		dev, err := provider.Acquire(actx, cons)
		cancel()
		if !r.post(func() { r.permissionResult(gen, s, dev, err) }) && dev != nil {
			_ = dev.Close()
		}
	}()

	r.logger.Info("requesting capture device",
		zap.String("session_id", s.ID.String()),
		zap.String("mime_type", enc.MimeType),
		zap.String("environment", opts.Capabilities.Environment),
		zap.Bool("echo_cancellation", cons.EchoCancellation),
		zap.Bool("noise_suppression", cons.NoiseSuppression),
		zap.Bool("auto_gain_control", cons.AutoGainControl),
	)
	r.notifyState(r.clock.Now())
	return nil
}

func (r *Recorder) permissionResult(gen uint64, s *Session, dev Device, err error) {
	if gen != r.gen || r.session != s {
		// abandoned while waiting
		if dev != nil {
			_ = dev.Close()
		}
		return
	}
	r.cancelAcquire = nil
	if err == nil && dev == nil {
		err = ErrNotFound
	}
	now := r.clock.Now()
	if err != nil {
		mapped := classifyDeviceError(err)
		r.session = nil
		r.warning = mapped.Error()
		r.logger.Warn("capture device not granted",
			zap.String("session_id", s.ID.String()),
			zap.Error(mapped),
		)
		r.notifyState(now)
		r.resolvePending(mapped)
		return
	}

	if gerr := s.grant(now, dev); gerr != nil {
		_ = dev.Close()
		r.session = nil
		r.resolvePending(gerr)
		return
	}
	if l, ok := dev.(Listener); ok {
		s.listener = l
	}
	dev.Capture(func(seg []byte) {
		r.post(func() { r.onSegment(s, seg) })
	})
	r.scheduleTick(r.gen, TickInterval)

	r.logger.Info("recording started",
		zap.String("session_id", s.ID.String()),
		zap.String("device_id", dev.ID()),
	)
	r.notifyState(now)
	r.resolvePending(nil)
}

func (r *Recorder) resolvePending(err error) {
	if r.pending == nil {
		return
	}
	select {
	case r.pending <- err:
	default:
	}
	r.pending = nil
}

func (r *Recorder) onSegment(s *Session, seg []byte) {
	if r.session != s {
		return
	}
	if !s.append(seg) && s.state != StateRecording {
		r.logger.Debug("segment dropped outside recording",
			zap.String("session_id", s.ID.String()),
			zap.String("state", string(s.state)),
		)
	}
}

func (r *Recorder) scheduleTick(gen uint64, d time.Duration) {
	r.tick = r.clock.AfterFunc(d, func() {
		r.post(func() { r.onTick(gen) })
	})
}

// onTick publishes the next whole second and re-aligns to the following boundary.
func (r *Recorder) onTick(gen uint64) {
	s := r.session
	if gen != r.gen || s == nil || s.state != StateRecording {
		return
	}
	elapsed := s.acc.Elapsed(r.clock.Now())
	// A late timer catches up so every whole second is shown once.
	for secs := int64(elapsed / TickInterval); r.shown < secs; {
		r.shown++
		r.notifyTick(r.shown)
	}
	r.scheduleTick(gen, TickRemainder(elapsed))
}

func (r *Recorder) cancelTimers() {
	if r.tick != nil {
		r.tick.Stop()
		r.tick = nil
	}
	r.gen++
}

func (r *Recorder) pause(now time.Time) error {
	s := r.session
	if s == nil {
		return transitionError(StateIdle, "pause")
	}
	if err := s.pause(now); err != nil {
		return err
	}
	r.cancelTimers()
	r.logger.Info("recording paused",
		zap.String("session_id", s.ID.String()),
		zap.Int64("accumulated_ms", s.acc.AccumulatedMs()),
	)
	r.notifyState(now)
	return nil
}

func (r *Recorder) resume(now time.Time) error {
	s := r.session
	if s == nil {
		return transitionError(StateIdle, "resume")
	}
	if err := s.resume(now); err != nil {
		return err
	}
	r.cancelTimers()
	r.scheduleTick(r.gen, TickRemainder(s.acc.Accumulated()))
	r.logger.Info("recording resumed", zap.String("session_id", s.ID.String()))
	r.notifyState(now)
	return nil
}

func (r *Recorder) stop(now time.Time) error {
	s := r.session
	if s == nil {
		return transitionError(StateIdle, "stop")
	}
	if err := s.stoppable(); err != nil {
		return err
	}
	r.cancelTimers()
	asset, err := s.stop(now)
	if err == nil && r.store != nil {
		path, serr := r.store.Save(s.ID, asset)
		if serr != nil {
			err = fmt.Errorf("%w: %v", ErrAssemblyFailure, serr)
			s.assemblyErr = err
			s.asset = nil
		} else {
			s.assetPath = path
		}
	}
	fields := []zap.Field{
		zap.String("session_id", s.ID.String()),
		zap.Int64("accumulated_ms", s.acc.AccumulatedMs()),
		zap.Int("segments", s.buffer.Len()),
		zap.Int("bytes", s.buffer.Size()),
	}
	if err != nil {
		r.logger.Warn("recording stopped without asset", append(fields, zap.Error(err))...)
	} else {
		r.logger.Info("recording stopped", fields...)
	}
	// the device sees the final state before it is released
	r.notifyState(now)
	if rerr := s.releaseDevice(); rerr != nil {
		r.logger.Warn("release capture device", zap.String("session_id", s.ID.String()), zap.Error(rerr))
	}
	return err
}

func (r *Recorder) discard(now time.Time) error {
	s := r.session
	if s == nil {
		return transitionError(StateIdle, "discard")
	}
	if s.state != StateStopped {
		return transitionError(s.state, "discard")
	}
	if s.submitting {
		return transitionError(s.state, "discard during submission")
	}
	r.drop(s)
	r.logger.Info("recording discarded", zap.String("session_id", s.ID.String()))
	r.notifyState(now)
	return nil
}

// abandon cancels everything in flight and returns to Idle from any state.
func (r *Recorder) abandon(reason string) {
	r.cancelTimers()
	if r.cancelAcquire != nil {
		r.cancelAcquire()
		r.cancelAcquire = nil
	}
	r.resolvePending(ErrAbandoned)
	s := r.session
	if s == nil {
		return
	}
	r.drop(s)
	r.logger.Info("recording abandoned",
		zap.String("session_id", s.ID.String()),
		zap.String("reason", reason),
	)
	r.notifyState(r.clock.Now())
}

func (r *Recorder) drop(s *Session) {
	if err := s.releaseDevice(); err != nil {
		r.logger.Warn("release capture device", zap.String("session_id", s.ID.String()), zap.Error(err))
	}
	// An in-flight submission still reads the stored asset; the submitter
	// removes it once FinishSubmission reports the session gone.
	if r.store != nil && !s.submitting {
		if err := r.store.Remove(s.ID); err != nil {
			r.logger.Warn("remove local asset", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	}
	s.outcome = OutcomeDiscarded
	s.buffer.Reset()
	s.asset = nil
	r.session = nil
	r.warning = ""
}

func (r *Recorder) snapshot(now time.Time) Snapshot {
	snap := Snapshot{State: StateIdle, Elapsed: FormatElapsed(0), Warning: r.warning}
	s := r.session
	if s == nil {
		return snap
	}
	enc := s.encoding
	elapsed := s.acc.Elapsed(now)
	snap.SessionID = s.ID.String()
	snap.State = s.state
	snap.Encoding = &enc
	snap.ElapsedMs = elapsed.Milliseconds()
	snap.Elapsed = FormatElapsed(elapsed)
	snap.Segments = s.buffer.Len()
	snap.Bytes = s.buffer.Size()
	snap.DroppedSegments = s.dropped
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if s.asset != nil {
		snap.AssetReady = true
		snap.AssetName = s.asset.FileName()
		snap.AssetSize = s.asset.Size()
	}
	if s.assemblyErr != nil {
		snap.Error = s.assemblyErr.Error()
	}
	snap.Submitting = s.submitting
	snap.CanSubmit = s.submittable() == nil
	return snap
}

func (r *Recorder) notifyState(now time.Time) {
	snap := r.snapshot(now)
	for _, l := range r.listeners {
		l.StateChanged(snap)
	}
	if r.session != nil && r.session.listener != nil {
		r.session.listener.StateChanged(snap)
	}
}

func (r *Recorder) notifyTick(secs int64) {
	display := FormatElapsed(time.Duration(secs) * time.Second)
	for _, l := range r.listeners {
		l.Tick(display, secs)
	}
	if r.session != nil && r.session.listener != nil {
		r.session.listener.Tick(display, secs)
	}
}
