// Package discord implements the peer-media adaptor contract on top of a
// Discord voice channel via bwmarrin/discordgo. It decodes inbound Opus
// packets to PCM, downmixes concurrent speakers into the gateway's single
// mono 48 kHz stream, and encodes outbound sink frames back to Opus.
//
// Discord has no SDP exchange and no data channel: HandleOffer and
// HandleSignal return [peer.ErrSignalingUnsupported], SendControl drops the
// message and Control is nil. Clients on this transport interact by voice
// only.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/audio/peer"
)

var (
	_ peer.Factory = (*Factory)(nil)
	_ peer.Adaptor = (*Adaptor)(nil)
)

const (
	frameChannelBuffer = 64
	eventChannelBuffer = 8

	// pendingCap bounds how many decoded packets one speaker may queue
	// before the mixer drops the oldest. 16 packets is 320 ms of lag.
	pendingCap = 16
)

// Factory joins the configured voice channel once per gateway connection.
// It requires an already-open *discordgo.Session owned by the caller.
type Factory struct {
	session   *discordgo.Session
	guildID   string
	channelID string
	log       *slog.Logger
}

// NewFactory creates a peer adaptor factory for one guild voice channel.
func NewFactory(session *discordgo.Session, guildID, channelID string, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{session: session, guildID: guildID, channelID: channelID, log: logger}
}

// Name identifies the transport.
func (f *Factory) Name() string { return "discord" }

// NewAdaptor joins the voice channel and returns a live adaptor.
// mute=false (we send audio), deaf=false (we receive audio).
func (f *Factory) NewAdaptor(_ context.Context, connectionID string) (peer.Adaptor, error) {
	vc, err := f.session.ChannelVoiceJoin(f.guildID, f.channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", f.channelID, err)
	}
	f.log.Info("joined voice channel",
		"connection_id", connectionID, "guild_id", f.guildID, "channel_id", f.channelID)
	return newAdaptor(vc.OpusRecv, vc.OpusSend, vc.Speaking, vc.Disconnect, f.log), nil
}

// Adaptor bridges one joined voice channel to the gateway. Inbound packets
// are demuxed by SSRC, decoded, downmixed to mono and additively mixed
// across speakers on a 20 ms cadence; outbound 10 ms sink frames are
// batched to 20 ms, expanded to stereo and Opus-encoded.
//
// Adaptor is safe for concurrent use.
type Adaptor struct {
	recv       <-chan *discordgo.Packet
	send       chan<- []byte
	speak      func(bool) error
	disconnect func() error
	log        *slog.Logger

	frames chan audio.Frame
	events chan peer.Event

	// pending holds decoded 20 ms mono spans per speaker awaiting the
	// next mixer tick.
	pendingMu sync.Mutex
	pending   map[uint32][][]byte

	// outbound write state, guarded so concurrent WriteFrame calls keep
	// the 16-bit alignment of the batch buffer.
	outMu    sync.Mutex
	outBuf   []byte
	enc      *opusEncoder
	speaking bool

	done      chan struct{}
	loops     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newAdaptor(recv <-chan *discordgo.Packet, send chan<- []byte, speak func(bool) error, disconnect func() error, logger *slog.Logger) *Adaptor {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adaptor{
		recv:       recv,
		send:       send,
		speak:      speak,
		disconnect: disconnect,
		log:        logger,
		frames:     make(chan audio.Frame, frameChannelBuffer),
		events:     make(chan peer.Event, eventChannelBuffer),
		pending:    make(map[uint32][][]byte),
		done:       make(chan struct{}),
	}

	// A Discord join brings media up in both directions at once.
	a.events <- peer.Event{Kind: peer.EventTrackUp}

	a.loops.Add(2)
	go a.recvLoop()
	go a.mixLoop()
	return a
}

// HandleOffer reports that Discord voice has no SDP exchange.
func (a *Adaptor) HandleOffer(context.Context, string) (string, error) {
	return "", peer.ErrSignalingUnsupported
}

// HandleSignal reports that Discord voice has no signaling channel.
func (a *Adaptor) HandleSignal(context.Context, json.RawMessage) error {
	return peer.ErrSignalingUnsupported
}

// Frames delivers the mixed participant audio as mono 48 kHz PCM.
func (a *Adaptor) Frames() <-chan audio.Frame { return a.frames }

// WriteFrame accepts one 10 ms mono sink frame. Frames are batched to
// Discord's 20 ms packet size before encoding, so every second call flushes
// a packet.
func (a *Adaptor) WriteFrame(ctx context.Context, pcm []byte) error {
	a.outMu.Lock()
	defer a.outMu.Unlock()

	select {
	case <-a.done:
		return peer.ErrNoOutboundTrack
	default:
	}

	if a.enc == nil {
		enc, err := newOpusEncoder()
		if err != nil {
			return err
		}
		a.enc = enc
	}
	if !a.speaking {
		a.setSpeaking(true)
	}

	a.outBuf = append(a.outBuf, pcm...)
	for len(a.outBuf) >= monoFrameBytes {
		packet, err := a.enc.encode(audio.MonoToStereo(a.outBuf[:monoFrameBytes]))
		a.outBuf = a.outBuf[monoFrameBytes:]
		if err != nil {
			return err
		}
		select {
		case a.send <- packet:
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return peer.ErrNoOutboundTrack
		}
	}
	return nil
}

// SendControl drops the message: Discord voice has no data channel and the
// control WebSocket remains the authoritative path.
func (a *Adaptor) SendControl(context.Context, []byte) error { return nil }

// Control returns nil: no data channel on this transport.
func (a *Adaptor) Control() <-chan []byte { return nil }

// Events delivers lifecycle notifications.
func (a *Adaptor) Events() <-chan peer.Event { return a.events }

// Close leaves the voice channel. Safe to call more than once.
func (a *Adaptor) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.loops.Wait()

		a.outMu.Lock()
		if a.speaking {
			a.setSpeaking(false)
		}
		a.outMu.Unlock()

		if a.disconnect != nil {
			a.closeErr = a.disconnect()
		}

		close(a.frames)
		a.events <- peer.Event{Kind: peer.EventClosed}
		close(a.events)
	})
	return a.closeErr
}

// recvLoop decodes inbound packets and queues each speaker's mono PCM for
// the mixer. Decoders are lazily created per SSRC.
func (a *Adaptor) recvLoop() {
	defer a.loops.Done()
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-a.done:
			return
		case pkt, ok := <-a.recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					a.log.Error("opus decoder init failed", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			stereo, err := dec.decode(pkt.Opus)
			if err != nil {
				a.log.Warn("opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			mono := audio.StereoToMono(stereo)
			a.pendingMu.Lock()
			q := append(a.pending[pkt.SSRC], mono)
			if len(q) > pendingCap {
				q = q[len(q)-pendingCap:]
			}
			a.pending[pkt.SSRC] = q
			a.pendingMu.Unlock()
		}
	}
}

// mixLoop pops one queued span per speaker every 20 ms, mixes them
// additively and emits the result as a single mono frame. Silence (no
// queued spans) emits nothing; the VAD gate treats the gap as silence
// anyway once speech ends.
func (a *Adaptor) mixLoop() {
	defer a.loops.Done()
	ticker := time.NewTicker(opusFrameSizeMs * time.Millisecond)
	defer ticker.Stop()

	var start time.Time

	for {
		select {
		case <-a.done:
			return
		case now := <-ticker.C:
			spans := a.takePending()
			if len(spans) == 0 {
				continue
			}
			if start.IsZero() {
				start = now
			}

			mixed := spans[0]
			if len(spans) > 1 {
				mixed = audio.MixMono16(spans...)
			}

			frame := audio.Frame{
				Data:       mixed,
				SampleRate: opusSampleRate,
				Channels:   1,
				Timestamp:  now.Sub(start),
			}
			select {
			case a.frames <- frame:
			default:
				// Consumer is behind; drop rather than stall decode.
			}
		}
	}
}

// takePending removes and returns the head span of every speaker queue.
func (a *Adaptor) takePending() [][]byte {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	var spans [][]byte
	for ssrc, q := range a.pending {
		if len(q) == 0 {
			delete(a.pending, ssrc)
			continue
		}
		spans = append(spans, q[0])
		if len(q) == 1 {
			delete(a.pending, ssrc)
		} else {
			a.pending[ssrc] = q[1:]
		}
	}
	return spans
}

func (a *Adaptor) setSpeaking(b bool) {
	if a.speak == nil {
		return
	}
	if err := a.speak(b); err != nil {
		a.log.Warn("speaking notification error", "speaking", b, "error", err)
	}
	a.speaking = b
}
