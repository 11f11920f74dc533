package discord

import (
	"sync"
	"time"

	"github.com/Hideous-Monster/voxclaw/pkg/voice"
)

// Compile-time interface assertion.
var _ voice.Receiver = (*receiver)(nil)

// packetBuffer bounds a subscription's channel; a stalled consumer drops
// frames rather than blocking the demux loop.
const packetBuffer = 64

// receiver demuxes the connection's inbound Opus packets by SSRC into
// per-user subscriptions. A subscription ends after its configured
// silence window elapses without packets.
type receiver struct {
	conn *Connection

	mu       sync.Mutex
	ssrcUser map[uint32]string
	subs     map[*subscription]struct{}
	closed   bool
}

// subscription is one live per-user packet stream.
type subscription struct {
	r             *receiver
	userID        string
	ch            chan voice.OpusPacket
	silence       *time.Timer
	silenceWindow time.Duration

	closeOnce sync.Once
}

var _ voice.PacketStream = (*subscription)(nil)

func newReceiver(conn *Connection) *receiver {
	return &receiver{
		conn:     conn,
		ssrcUser: make(map[uint32]string),
		subs:     make(map[*subscription]struct{}),
	}
}

// SubscribeOpus implements [voice.Receiver]. The returned stream's channel
// closes after the silence window elapses with no packets for the user.
func (r *receiver) SubscribeOpus(userID string, silence time.Duration) (voice.PacketStream, error) {
	sub := &subscription{
		r:             r,
		userID:        userID,
		ch:            make(chan voice.OpusPacket, packetBuffer),
		silenceWindow: silence,
	}

	// Packets rearm the timer on arrival; expiry ends the utterance.
	sub.silence = time.AfterFunc(silence, sub.end)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.end()
		return nil, voice.ErrNotReady
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	return sub, nil
}

// mapSSRC records the SSRC-to-user association from speaking updates.
func (r *receiver) mapSSRC(ssrc uint32, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssrcUser[ssrc] = userID
}

// run drains the discordgo receive channel and fans packets out to
// matching subscriptions.
func (r *receiver) run() {
	for {
		select {
		case <-r.conn.done:
			return
		case pkt, ok := <-r.conn.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			r.dispatch(pkt.SSRC, pkt.Opus)
		}
	}
}

// dispatch forwards one packet to every subscription for the SSRC's user.
func (r *receiver) dispatch(ssrc uint32, opus []byte) {
	r.mu.Lock()
	userID := r.ssrcUser[ssrc]
	var targets []*subscription
	for sub := range r.subs {
		if sub.userID == userID {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		sub.silence.Reset(sub.silenceWindow)
		select {
		case sub.ch <- voice.OpusPacket{SSRC: ssrc, Opus: opus}:
		default:
			// Consumer stalled; dropping is better than blocking the demux.
		}
	}
}

// close ends every live subscription. Called from connection teardown.
func (r *receiver) close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*subscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.end()
	}
}

// remove detaches a finished subscription.
func (r *receiver) remove(sub *subscription) {
	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
}

// Packets implements [voice.PacketStream].
func (s *subscription) Packets() <-chan voice.OpusPacket { return s.ch }

// Close implements [voice.PacketStream].
func (s *subscription) Close() { s.end() }

// end closes the packet channel exactly once and detaches from the
// receiver.
func (s *subscription) end() {
	s.closeOnce.Do(func() {
		s.silence.Stop()
		s.r.remove(s)
		close(s.ch)
	})
}
