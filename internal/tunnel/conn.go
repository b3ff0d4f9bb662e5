package tunnel

import (
	"io"

	"github.com/pion/webrtc/v4"
)

// Conn adapts a pion DataChannel's message-oriented API to the
// io.ReadWriter the bridge package drives PTYs over — the same adaptation
// problem internal/webui solves for browser WebSocket connections, applied
// to a DataChannel instead of a socket.
type Conn struct {
	dc *webrtc.DataChannel

	pr *io.PipeReader
	pw *io.PipeWriter
}

// NewConn wraps dc. The channel must already be open (call from its OnOpen
// callback) so the first Write does not race channel setup.
func NewConn(dc *webrtc.DataChannel) *Conn {
	pr, pw := io.Pipe()
	c := &Conn{dc: dc, pr: pr, pw: pw}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		pw.Write(msg.Data)
	})
	dc.OnClose(func() {
		pw.CloseWithError(io.EOF)
	})
	return c
}

func (c *Conn) Read(p []byte) (int, error)  { return c.pr.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return len(p), c.dc.Send(p) }

// Close closes the underlying DataChannel and unblocks any pending Read.
func (c *Conn) Close() error {
	c.pw.CloseWithError(io.EOF)
	return c.dc.Close()
}
