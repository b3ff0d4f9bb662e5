package tunnel

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestHandleOfferNegotiatesLoopback(t *testing.T) {
	mgr := NewManager(slog.Default())
	defer mgr.Close()

	dcOpened := make(chan string, 1)
	mgr.OnDataChannel(func(label string, dc *webrtc.DataChannel) {
		dcOpened <- label
	})

	browserPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("browser pc: %v", err)
	}
	defer browserPC.Close()

	dc, err := browserPC.CreateDataChannel("mysession/0", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}

	offer, err := browserPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(browserPC)
	if err := browserPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	<-gatherDone

	answerSDP, err := mgr.HandleOffer("peer-1", browserPC.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}

	if err := browserPC.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		t.Fatalf("set remote description: %v", err)
	}

	dcReady := make(chan struct{})
	dc.OnOpen(func() { close(dcReady) })

	select {
	case <-dcReady:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for data channel to open")
	}

	select {
	case label := <-dcOpened:
		if label != "mysession/0" {
			t.Fatalf("got label %q, want %q", label, "mysession/0")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for OnDataChannel callback")
	}
}

func TestHandleOfferReplacesExistingPeer(t *testing.T) {
	mgr := NewManager(slog.Default())
	defer mgr.Close()

	browserPC1, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("browser pc 1: %v", err)
	}
	defer browserPC1.Close()
	if _, err := browserPC1.CreateDataChannel("s/0", nil); err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	offer1, err := browserPC1.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer 1: %v", err)
	}
	gather1 := webrtc.GatheringCompletePromise(browserPC1)
	if err := browserPC1.SetLocalDescription(offer1); err != nil {
		t.Fatalf("set local description 1: %v", err)
	}
	<-gather1
	if _, err := mgr.HandleOffer("dup", browserPC1.LocalDescription().SDP); err != nil {
		t.Fatalf("first handle offer: %v", err)
	}

	browserPC2, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("browser pc 2: %v", err)
	}
	defer browserPC2.Close()
	if _, err := browserPC2.CreateDataChannel("s/0", nil); err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	offer2, err := browserPC2.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer 2: %v", err)
	}
	gather2 := webrtc.GatheringCompletePromise(browserPC2)
	if err := browserPC2.SetLocalDescription(offer2); err != nil {
		t.Fatalf("set local description 2: %v", err)
	}
	<-gather2

	if _, err := mgr.HandleOffer("dup", browserPC2.LocalDescription().SDP); err != nil {
		t.Fatalf("second handle offer: %v", err)
	}

	mgr.mu.Lock()
	n := len(mgr.peers)
	mgr.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected the old peer to be replaced, got %d peers", n)
	}
}

// connPipe builds a connected pair of *webrtc.DataChannel via two loopback
// PeerConnections, for exercising Conn against a real channel instead of a
// fake.
func connPipe(t *testing.T) (local, remote *webrtc.DataChannel, cleanup func()) {
	t.Helper()

	pc1, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("pc1: %v", err)
	}
	pc2, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("pc2: %v", err)
	}

	dc1, err := pc1.CreateDataChannel("pipe", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}

	remoteReady := make(chan *webrtc.DataChannel, 1)
	pc2.OnDataChannel(func(dc *webrtc.DataChannel) {
		remoteReady <- dc
	})

	offer, err := pc1.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gather1 := webrtc.GatheringCompletePromise(pc1)
	if err := pc1.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	<-gather1

	if err := pc2.SetRemoteDescription(*pc1.LocalDescription()); err != nil {
		t.Fatalf("set remote description on pc2: %v", err)
	}
	answer, err := pc2.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	gather2 := webrtc.GatheringCompletePromise(pc2)
	if err := pc2.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local description on pc2: %v", err)
	}
	<-gather2

	if err := pc1.SetRemoteDescription(*pc2.LocalDescription()); err != nil {
		t.Fatalf("set remote description on pc1: %v", err)
	}

	dc1Ready := make(chan struct{})
	dc1.OnOpen(func() { close(dc1Ready) })

	select {
	case <-dc1Ready:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dc1 to open")
	}

	var dc2 *webrtc.DataChannel
	select {
	case dc2 = <-remoteReady:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dc2")
	}

	return dc1, dc2, func() {
		pc1.Close()
		pc2.Close()
	}
}

func TestConnReadWrite(t *testing.T) {
	dcA, dcB, cleanup := connPipe(t)
	defer cleanup()

	connA := NewConn(dcA)
	connB := NewConn(dcB)

	n, err := connB.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 5 {
		t.Fatalf("write returned %d, want 5", n)
	}

	buf := make([]byte, 16)
	n, err = connA.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("read %q, want %q", buf[:n], "hello")
	}
}

func TestConnCloseUnblocksRead(t *testing.T) {
	dcA, dcB, cleanup := connPipe(t)
	defer cleanup()

	connA := NewConn(dcA)
	_ = NewConn(dcB)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := connA.Read(buf)
		done <- err
	}()

	if err := connA.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("expected io.EOF after close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for read to unblock after close")
	}
}
