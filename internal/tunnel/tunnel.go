// Package tunnel offers a peer-to-peer alternative to the WebSocket bridge
// in internal/webui: a browser negotiates a WebRTC DataChannel directly
// against the daemon and gets the same PTY byte stream without the traffic
// round-tripping through the daemon's HTTP loopback listener a second time.
package tunnel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DCHandler is invoked once a DataChannel opens on a peer connection. label
// is the channel's label, expected to be "<session>/<pty>".
type DCHandler func(label string, dc *webrtc.DataChannel)

// Manager holds one WebRTC peer connection per browser tab that has
// negotiated a tunnel. Each connection is keyed by an opaque id the caller
// assigns (e.g. a random string minted per /rtc/offer request).
type Manager struct {
	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
	log   *slog.Logger

	onDC DCHandler
}

// NewManager returns a Manager using host candidates only (no STUN/TURN),
// matching coop's same-machine/same-LAN deployment model.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{peers: make(map[string]*webrtc.PeerConnection), log: log}
}

// OnDataChannel registers the callback invoked for each DataChannel opened
// against any peer connection this Manager negotiates.
func (m *Manager) OnDataChannel(handler DCHandler) {
	m.mu.Lock()
	m.onDC = handler
	m.mu.Unlock()
}

// HandleOffer negotiates a new peer connection for id from a browser's SDP
// offer and returns the answer SDP, blocking until ICE gathering completes.
func (m *Manager) HandleOffer(id, sdpOffer string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	m.mu.Lock()
	if old, ok := m.peers[id]; ok {
		old.Close()
	}
	m.peers[id] = pc
	m.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		dc.OnOpen(func() {
			m.log.Debug("tunnel data channel opened", "peer", id, "label", label)
			m.mu.Lock()
			handler := m.onDC
			m.mu.Unlock()
			if handler != nil {
				handler(label, dc)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Debug("tunnel peer state", "peer", id, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			m.mu.Lock()
			if m.peers[id] == pc {
				delete(m.peers, id)
			}
			m.mu.Unlock()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return local.SDP, nil
}

// Close tears down every peer connection the Manager has negotiated.
func (m *Manager) Close() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*webrtc.PeerConnection)
	m.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}
