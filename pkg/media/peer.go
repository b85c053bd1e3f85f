// Package media receives the remote audio and video of a streaming avatar
// over WebRTC.
//
// A Peer is always the answering side: the avatar service creates the
// offer, the Peer answers it, decodes the Opus audio track into PCM16 and
// hands it to an audioio.Sink. Video is counted but not decoded. Messages on
// data channels opened by the service are forwarded to OnMessage, which is
// where providers report talking state.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/teslashibe/go-interview/pkg/audioio"
)

// Sentinel errors.
var (
	ErrClosed         = errors.New("media: peer closed")
	ErrGatherTimeout  = errors.New("media: ice gathering timed out")
	ErrNoLocalAnswer  = errors.New("media: no local description")
	ErrInvalidOffer   = errors.New("media: invalid offer")
	ErrDecoderMissing = errors.New("media: opus decoder unavailable")
)

// OpusSampleRate is the RTP clock and decode rate of Opus.
const OpusSampleRate = 48000

// Config configures a Peer.
type Config struct {
	ICEServers []webrtc.ICEServer

	// Trickle returns the answer immediately and reports local candidates
	// through OnICECandidate. Otherwise Answer waits for gathering to finish
	// and the answer carries every candidate.
	Trickle bool

	GatherTimeout time.Duration

	// Channels is the decoded channel count.
	Channels int

	Logger *slog.Logger
}

// DefaultConfig returns a non-trickle mono configuration.
func DefaultConfig() Config {
	return Config{
		GatherTimeout: 5 * time.Second,
		Channels:      1,
		Logger:        slog.Default(),
	}
}

// Decoder decodes one compressed audio packet into interleaved PCM16.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// DecoderFactory creates a Decoder for a sample rate and channel count.
type DecoderFactory func(sampleRate, channels int) (Decoder, error)

// Option configures a Peer.
type Option func(*Peer)

// WithSink sets where decoded audio is written.
func WithSink(sink audioio.Sink) Option {
	return func(p *Peer) { p.sink = sink }
}

// WithDecoder replaces the Opus decoder.
func WithDecoder(f DecoderFactory) Option {
	return func(p *Peer) { p.newDecoder = f }
}

// Stats counts received media.
type Stats struct {
	AudioPackets   int64 `json:"audio_packets"`
	AudioBytes     int64 `json:"audio_bytes"`
	AudioSamples   int64 `json:"audio_samples"`
	DecodeErrors   int64 `json:"decode_errors"`
	LostPackets    int64 `json:"lost_packets"`
	VideoPackets   int64 `json:"video_packets"`
	VideoBytes     int64 `json:"video_bytes"`
	Messages       int64 `json:"messages"`
	SinkWriteFails int64 `json:"sink_write_fails"`
}

// Peer is a receive-only WebRTC peer.
type Peer struct {
	cfg        Config
	logger     *slog.Logger
	pc         *webrtc.PeerConnection
	sink       audioio.Sink
	newDecoder DecoderFactory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onMessage   func(label string, data []byte)
	onTrack     func(kind webrtc.RTPCodecType)
	closed      bool

	audioPackets   atomic.Int64
	audioBytes     atomic.Int64
	audioSamples   atomic.Int64
	decodeErrors   atomic.Int64
	lostPackets    atomic.Int64
	videoPackets   atomic.Int64
	videoBytes     atomic.Int64
	messages       atomic.Int64
	sinkWriteFails atomic.Int64
}

// NewPeer creates a peer with receive-only audio and video transceivers.
func NewPeer(cfg Config, opts ...Option) (*Peer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("media: new peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("media: add %s transceiver: %w", kind, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "media"),
		pc:         pc,
		newDecoder: newOpusDecoder,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	pc.OnTrack(p.handleTrack)
	pc.OnICECandidate(p.handleCandidate)
	pc.OnConnectionStateChange(p.handleState)
	pc.OnDataChannel(p.handleDataChannel)

	return p, nil
}

// OnICECandidate sets the callback for local candidates in trickle mode.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

// OnConnectionStateChange sets the callback for peer connection states.
func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// OnMessage sets the callback for data channel messages.
func (p *Peer) OnMessage(fn func(label string, data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = fn
}

// OnTrack sets the callback invoked when a remote track starts.
func (p *Peer) OnTrack(fn func(kind webrtc.RTPCodecType)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

// Answer applies the remote offer and returns the local answer.
func (p *Peer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if p.isClosed() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return webrtc.SessionDescription{}, ErrInvalidOffer
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: set local description: %w", err)
	}
	if p.cfg.Trickle {
		return answer, nil
	}

	timeout := time.NewTimer(p.cfg.GatherTimeout)
	defer timeout.Stop()
	select {
	case <-gathered:
	case <-timeout.C:
		return webrtc.SessionDescription{}, ErrGatherTimeout
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, ErrNoLocalAnswer
	}
	return *local, nil
}

// AddICECandidate adds a remote candidate.
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("media: add ice candidate: %w", err)
	}
	return nil
}

// ConnectionState returns the peer connection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close tears down the connection and waits for track readers.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	err := p.pc.Close()
	p.wg.Wait()
	return err
}

// Stats returns media counters.
func (p *Peer) Stats() Stats {
	return Stats{
		AudioPackets:   p.audioPackets.Load(),
		AudioBytes:     p.audioBytes.Load(),
		AudioSamples:   p.audioSamples.Load(),
		DecodeErrors:   p.decodeErrors.Load(),
		LostPackets:    p.lostPackets.Load(),
		VideoPackets:   p.videoPackets.Load(),
		VideoBytes:     p.videoBytes.Load(),
		Messages:       p.messages.Load(),
		SinkWriteFails: p.sinkWriteFails.Load(),
	}
}

func (p *Peer) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Peer) handleCandidate(c *webrtc.ICECandidate) {
	if c == nil || !p.cfg.Trickle {
		return
	}
	p.mu.RLock()
	fn := p.onCandidate
	p.mu.RUnlock()
	if fn != nil {
		fn(c.ToJSON())
	}
}

func (p *Peer) handleState(st webrtc.PeerConnectionState) {
	p.logger.Debug("connection state", "state", st.String())
	p.mu.RLock()
	fn := p.onState
	p.mu.RUnlock()
	if fn != nil {
		fn(st)
	}
}

func (p *Peer) handleDataChannel(dc *webrtc.DataChannel) {
	label := dc.Label()
	p.logger.Debug("data channel opened by remote", "label", label)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.messages.Add(1)
		p.mu.RLock()
		fn := p.onMessage
		p.mu.RUnlock()
		if fn != nil {
			fn(label, msg.Data)
		}
	})
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind()
	p.logger.Info("remote track", "kind", kind.String(), "codec", track.Codec().MimeType)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	fn := p.onTrack
	var read func(*webrtc.TrackRemote)
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		read = p.readAudio
	case webrtc.RTPCodecTypeVideo:
		read = p.readVideo
	}
	if read != nil {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if fn != nil {
		fn(kind)
	}
	if read != nil {
		go read(track)
	}
}

func (p *Peer) readVideo(track *webrtc.TrackRemote) {
	defer p.wg.Done()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.videoPackets.Add(1)
		p.videoBytes.Add(int64(len(pkt.Payload)))
	}
}

func (p *Peer) readAudio(track *webrtc.TrackRemote) {
	defer p.wg.Done()

	rate := int(track.Codec().ClockRate)
	if rate == 0 {
		rate = OpusSampleRate
	}
	dec, err := p.newDecoder(rate, p.cfg.Channels)
	if err != nil {
		p.logger.Error("audio decoder unavailable, dropping audio", "error", err)
		dec = nil
	}
	ap := newAudioPipe(p, dec, rate)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		ap.handle(p.ctx, pkt)
	}
}

// audioPipe turns RTP packets into sink writes.
type audioPipe struct {
	p        *Peer
	dec      Decoder
	rate     int
	buf      []int16
	lastSeq  uint16
	havePrev bool
}

func newAudioPipe(p *Peer, dec Decoder, rate int) *audioPipe {
	// 120 ms is the longest Opus frame.
	return &audioPipe{p: p, dec: dec, rate: rate, buf: make([]int16, rate*120/1000*p.cfg.Channels)}
}

func (a *audioPipe) handle(ctx context.Context, pkt *rtp.Packet) {
	p := a.p
	p.audioPackets.Add(1)
	p.audioBytes.Add(int64(len(pkt.Payload)))

	if a.havePrev {
		if gap := pkt.SequenceNumber - a.lastSeq; gap > 1 && gap < 0x8000 {
			p.lostPackets.Add(int64(gap - 1))
		}
	}
	a.lastSeq = pkt.SequenceNumber
	a.havePrev = true

	if a.dec == nil || len(pkt.Payload) == 0 {
		return
	}
	n, err := a.dec.Decode(pkt.Payload, a.buf)
	if err != nil {
		if p.decodeErrors.Add(1) <= 5 {
			p.logger.Warn("opus decode failed", "error", err, "payload", len(pkt.Payload))
		}
		return
	}
	total := n * p.cfg.Channels
	p.audioSamples.Add(int64(total))

	if p.sink == nil || total == 0 {
		return
	}
	chunk := audioio.AudioChunk{
		Samples:    append([]int16(nil), a.buf[:total]...),
		SampleRate: a.rate,
		Channels:   p.cfg.Channels,
	}
	if err := p.sink.Write(ctx, chunk); err != nil && ctx.Err() == nil {
		if p.sinkWriteFails.Add(1) == 1 {
			p.logger.Warn("audio sink write failed", "error", err)
		}
	}
}

// Conn is the part of a Peer the avatar adapters use.
type Conn interface {
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnMessage(fn func(label string, data []byte))
	Stats() Stats
	Close() error
}

// Factory creates a Conn for one avatar session.
type Factory func(cfg Config) (Conn, error)

// NewFactory returns a Factory creating Peers with opts.
func NewFactory(opts ...Option) Factory {
	return func(cfg Config) (Conn, error) {
		p, err := NewPeer(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var _ Conn = (*Peer)(nil)
