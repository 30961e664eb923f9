package device

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/docustream/backend/internal/capture"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"go.uber.org/zap"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
)

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// ParseICEServers builds an ICE configuration from STUN/TURN URLs, falling back to a public STUN server.
func ParseICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}

// RTCSource receives one Opus track from a client peer connection. Publishing
// the track is the client's grant; the audio is re-muxed into Ogg pages and
// every page becomes a segment.
type RTCSource struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
	tracks chan *webrtc.TrackRemote
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	track *webrtc.TrackRemote
}

// NewRTCSource answers offer with a receive-only peer connection. ICE
// gathering completes before the answer is returned, so no trickle exchange is needed.
func NewRTCSource(ctx context.Context, iceServers []webrtc.ICEServer, offer webrtc.SessionDescription, logger *zap.Logger) (*RTCSource, webrtc.SessionDescription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}

	s := &RTCSource{
		pc:     pc,
		logger: logger,
		tracks: make(chan *webrtc.TrackRemote, 1),
		done:   make(chan struct{}),
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio || !strings.EqualFold(track.Codec().MimeType, webrtc.MimeTypeOpus) {
			logger.Debug("ignoring non-opus track", zap.String("mime_type", track.Codec().MimeType))
			return
		}
		select {
		case s.tracks <- track:
		default:
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go s.Close()
		}
	})

	fail := func(err error) (*RTCSource, webrtc.SessionDescription, error) {
		_ = pc.Close()
		return nil, webrtc.SessionDescription{}, err
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	return s, *pc.LocalDescription(), nil
}

func (s *RTCSource) Transport() string { return TransportWebRTC }

func (s *RTCSource) Done() <-chan struct{} { return s.done }

// Open waits for the client's audio track.
func (s *RTCSource) Open(ctx context.Context, _ capture.Constraints) (Stream, error) {
	s.mu.Lock()
	ready := s.track != nil
	s.mu.Unlock()
	if ready {
		return s, nil
	}
	select {
	case track := <-s.tracks:
		s.mu.Lock()
		s.track = track
		s.mu.Unlock()
		return s, nil
	case <-s.done:
		return nil, fmt.Errorf("%w: peer connection closed", capture.ErrNotFound)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *RTCSource) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return ""
	}
	return s.track.ID()
}

func (s *RTCSource) Start(sink func([]byte)) {
	s.mu.Lock()
	track := s.track
	s.mu.Unlock()
	if track == nil {
		return
	}
	go s.pump(track, sink)
}

func (s *RTCSource) pump(track *webrtc.TrackRemote, sink func([]byte)) {
	w, err := oggwriter.NewWith(segmentWriter(sink), opusSampleRate, opusChannels)
	if err != nil {
		s.logger.Warn("ogg writer", zap.Error(err))
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			s.logger.Warn("write ogg page", zap.Error(err))
			return
		}
	}
}

// Close tears down the peer connection. It is safe to call repeatedly.
func (s *RTCSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pc.Close()
	})
	return err
}

// segmentWriter turns each Write into one segment.
type segmentWriter func([]byte)

func (w segmentWriter) Write(p []byte) (int, error) {
	seg := make([]byte, len(p))
	copy(seg, p)
	w(seg)
	return len(p), nil
}
