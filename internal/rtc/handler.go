package rtc

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"voicedesk/internal/audio"
)

// SessionDescription is a small DTO so transport handlers never expose webrtc
// types.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// AudioIngest receives decoded 16kHz microphone audio; the recognizer
// implements it.
type AudioIngest interface {
	SendPCM16KLE(pcm []byte) error
	RecentlyDetectedVoice(window time.Duration) bool
}

// EventPublisher fans dashboard events out to connected clients.
type EventPublisher interface {
	Publish(event string, payload any)
}

// Hooks connect a peer's lifecycle to the voice session that owns the turn
// loop. All fields are optional.
type Hooks struct {
	// OnConnected fires when the remote audio track is up; it starts the
	// voice session. An error disables assistant replies for this peer.
	OnConnected func() error
	OnClosed    func()
	// OnStop handles an explicit stop command from the control channel.
	OnStop func()
	// OnBargeIn cuts the agent's speech; fired by control commands and by
	// voice-activity detection while the agent is speaking.
	OnBargeIn  func()
	IsSpeaking func() bool
}

// Handler terminates WebRTC peers for the voice dashboard: inbound Opus is
// decoded and fed to the recognizer, outbound synthesis goes through a paced
// Opus writer. The handler itself is the synthesizer's audio sink; with no
// peer connected, audio is discarded.
type Handler struct {
	ingest    AudioIngest
	meter     *audio.Meter
	publisher EventPublisher
	hooks     Hooks
	logger    *zap.Logger

	paced atomic.Pointer[OpusPacedWriter]
}

func NewHandler(ingest AudioIngest, meter *audio.Meter, publisher EventPublisher, hooks Hooks, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ingest: ingest, meter: meter, publisher: publisher, hooks: hooks, logger: logger}
}

// WritePCM routes synthesized 48kHz PCM to the connected peer's paced writer.
func (h *Handler) WritePCM(pcm []byte) error {
	if p := h.paced.Load(); p != nil {
		return p.WritePCM(pcm)
	}
	return nil
}

func (h *Handler) FlushTail() {
	if p := h.paced.Load(); p != nil {
		p.FlushTail()
	}
}

func (h *Handler) Reset() {
	if p := h.paced.Load(); p != nil {
		p.Reset()
	}
}

// HandleOffer accepts a browser SDP offer and returns the answer. One audio
// peer is active at a time; a new offer takes over the outbound sink.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	peerID := uuid.NewString()[:8]
	log := h.logger.With(zap.String("peer", peerID))

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent")
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			close(done)
			if h.hooks.OnClosed != nil {
				h.hooks.OnClosed()
			}
			if p := h.paced.Load(); p != nil {
				p.FlushTail()
				time.AfterFunc(400*time.Millisecond, p.Close)
				h.paced.CompareAndSwap(p, nil)
			}
			_ = pc.Close()
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			closeSession()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug("ice state", zap.String("state", state.String()))
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Info("control channel opened")
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			switch cmd {
			case "stop":
				if h.hooks.OnStop != nil {
					h.hooks.OnStop()
				}
			case "stop-speaking", "cancel", "barge-in":
				if h.hooks.OnBargeIn != nil {
					h.hooks.OnBargeIn()
				}
			}
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Info("remote audio track", zap.String("codec", remote.Codec().MimeType))

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Error("opus encoder", zap.Error(err))
			return
		}
		if prev := h.paced.Swap(paced); prev != nil {
			prev.Close()
		}

		dec, err := opus.NewDecoder(16000, 1)
		if err != nil {
			log.Error("opus decoder", zap.Error(err))
			return
		}
		go h.readMic(remote, dec, log)
		go h.publishLevels(done)
		go h.watchBargeIn(done, log)

		if h.hooks.OnConnected != nil {
			if err := h.hooks.OnConnected(); err != nil {
				log.Error("voice session start failed, replies disabled", zap.Error(err))
			}
		}
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// readMic decodes inbound RTP to 16kHz PCM and forwards fixed 100ms chunks to
// the recognizer and the level meter.
func (h *Handler) readMic(remote *webrtc.TrackRemote, dec *opus.Decoder, log *zap.Logger) {
	const chunkBytes = 3200 // 100ms at 16kHz mono
	pcmSamples := make([]int16, 1920)
	buf := make([]byte, 0, chunkBytes*4)

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			log.Debug("rtp read ended", zap.Error(err))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcmSamples)
		if err != nil {
			log.Debug("opus decode", zap.Error(err))
			continue
		}
		startLen := len(buf)
		need := n * 2
		if cap(buf)-len(buf) < need {
			tmp := make([]byte, len(buf), len(buf)+need+chunkBytes)
			copy(tmp, buf)
			buf = tmp
		}
		buf = buf[:len(buf)+need]
		o := buf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(pcmSamples[i]))
		}
		for len(buf) >= chunkBytes {
			chunk := make([]byte, chunkBytes)
			copy(chunk, buf[:chunkBytes])
			if h.meter != nil {
				h.meter.FeedPCM16LE(chunk)
			}
			if err := h.ingest.SendPCM16KLE(chunk); err != nil {
				log.Debug("recognizer ingest", zap.Error(err))
			}
			copy(buf, buf[chunkBytes:])
			buf = buf[:len(buf)-chunkBytes]
		}
	}
}

// publishLevels streams the microphone level to dashboard clients.
func (h *Handler) publishLevels(done <-chan struct{}) {
	if h.publisher == nil || h.meter == nil {
		return
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.publisher.Publish("level", map[string]any{
				"level":  h.meter.Level(),
				"voiced": h.meter.Voiced(),
			})
		}
	}
}

// bargeInPreRollMs is how much onset audio is replayed to the recognizer
// after a barge-in, so the first syllables spoken over the agent are not lost.
const bargeInPreRollMs = 300

// watchBargeIn cuts agent speech when the user talks over it. Voice energy
// within the last 150ms while the agent is speaking counts as a barge-in.
func (h *Handler) watchBargeIn(done <-chan struct{}, log *zap.Logger) {
	if h.hooks.IsSpeaking == nil || h.hooks.OnBargeIn == nil {
		return
	}
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if h.hooks.IsSpeaking() && h.ingest.RecentlyDetectedVoice(150*time.Millisecond) {
				log.Info("barge-in detected, canceling speech")
				var pre []byte
				if h.meter != nil {
					pre = h.meter.PreRoll(bargeInPreRollMs)
				}
				h.hooks.OnBargeIn()
				h.Reset()
				h.flushPreRoll(pre, done)
			}
		}
	}
}

// flushPreRoll replays onset audio captured while the agent was still
// speaking. The recognizer only accepts microphone audio again once the
// canceled utterance's end event has been processed, so wait for that first.
func (h *Handler) flushPreRoll(pre []byte, done <-chan struct{}) {
	if len(pre) == 0 {
		return
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for h.hooks.IsSpeaking() && time.Now().Before(deadline) {
		select {
		case <-done:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := h.ingest.SendPCM16KLE(pre); err != nil {
		h.logger.Debug("pre-roll ingest", zap.Error(err))
	}
}
