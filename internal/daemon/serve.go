package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/vibesrc/coop/internal/bridge"
	"github.com/vibesrc/coop/internal/ipc"
	"github.com/vibesrc/coop/internal/tunnel"
	"github.com/vibesrc/coop/internal/webui"
)

// handleServe starts (or reports the existing) HTTP listener that exposes
// every session's PTYs over WebSocket at /ws/<session>/<pty>. It runs
// fire-and-forget for the rest of the daemon's life; a second serve request
// against an already-listening daemon just returns the existing address.
func (d *Daemon) handleServe(ctx context.Context, req *ipc.Request) *ipc.Response {
	d.serveMu.Lock()
	defer d.serveMu.Unlock()

	if d.serveAddr != "" {
		return &ipc.Response{OK: true, Host: d.serveHost, Port: d.servePort, MachineID: d.MachineID}
	}

	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(req.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errResponse(ipc.ErrInternal, err.Error())
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	token := req.Token
	d.tunnelMgr = tunnel.NewManager(d.Log)
	d.tunnelMgr.OnDataChannel(d.handleTunnelDC)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		d.serveWS(w, r, token)
	})
	mux.HandleFunc("/rtc/offer", func(w http.ResponseWriter, r *http.Request) {
		d.serveRTCOffer(w, r, token)
	})

	srv := &http.Server{Handler: mux}
	d.serveAddr = ln.Addr().String()
	d.serveHost = host
	d.servePort = port

	go func() {
		<-ctx.Done()
		srv.Close()
		d.tunnelMgr.Close()
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.Log.Warn("web server exited", "err", err)
		}
	}()

	d.Log.Info("web server listening", "addr", d.serveAddr)
	return &ipc.Response{OK: true, Host: host, Port: port, MachineID: d.MachineID}
}

// serveWS handles one `/ws/<session>/<pty>` upgrade request.
func (d *Daemon) serveWS(w http.ResponseWriter, r *http.Request, token string) {
	if token != "" && r.URL.Query().Get("token") != token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	if len(parts) != 2 {
		http.Error(w, "expected /ws/<session>/<pty>", http.StatusBadRequest)
		return
	}
	sess, ok := d.Registry.Get(parts[0])
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	ptyID, err := strconv.Atoi(parts[1])
	if err != nil {
		http.Error(w, "invalid pty id", http.StatusBadRequest)
		return
	}
	st, ok := sess.PTY(ptyID)
	if !ok {
		http.Error(w, "pty not found", http.StatusNotFound)
		return
	}

	if err := webui.UpgradeAndBridge(w, r, sess, st, bridge.Options{}, sess.Log()); err != nil {
		d.Log.Debug("web bridge ended", "session", sess.Name, "pty", st.ID, "err", err)
	}
}

// offerRequest is the JSON body a browser posts to negotiate a DataChannel
// tunnel instead of (or alongside) the WebSocket path.
type offerRequest struct {
	SDP string `json:"sdp"`
}

type offerResponse struct {
	SDP string `json:"sdp"`
}

// serveRTCOffer negotiates one WebRTC peer connection per request and
// returns the answer SDP. The browser is expected to open a DataChannel
// labeled "<session>/<pty>" once the connection completes; handleTunnelDC
// resolves that label and bridges the channel the same way serveWS bridges
// a WebSocket.
func (d *Daemon) serveRTCOffer(w http.ResponseWriter, r *http.Request, token string) {
	if token != "" && r.URL.Query().Get("token") != token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid offer body", http.StatusBadRequest)
		return
	}

	answer, err := d.tunnelMgr.HandleOffer(uuid.NewString(), req.SDP)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offerResponse{SDP: answer})
}

// handleTunnelDC resolves a "<session>/<pty>" DataChannel label and bridges
// it exactly like an attached WebSocket.
func (d *Daemon) handleTunnelDC(label string, dc *webrtc.DataChannel) {
	parts := strings.SplitN(label, "/", 2)
	if len(parts) != 2 {
		d.Log.Warn("tunnel data channel with malformed label", "label", label)
		dc.Close()
		return
	}
	sess, ok := d.Registry.Get(parts[0])
	if !ok {
		d.Log.Warn("tunnel data channel for unknown session", "session", parts[0])
		dc.Close()
		return
	}
	ptyID, err := strconv.Atoi(parts[1])
	if err != nil {
		dc.Close()
		return
	}
	st, ok := sess.PTY(ptyID)
	if !ok {
		d.Log.Warn("tunnel data channel for unknown pty", "session", parts[0], "pty", parts[1])
		dc.Close()
		return
	}

	conn := tunnel.NewConn(dc)
	if err := bridge.Run(conn, nil, sess, st, bridge.Options{}, sess.Log()); err != nil {
		d.Log.Debug("tunnel bridge ended", "session", sess.Name, "pty", st.ID, "err", err)
	}
}
