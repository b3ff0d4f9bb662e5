package daemon

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/vibesrc/coop/internal/bridge"
	"github.com/vibesrc/coop/internal/config"
	"github.com/vibesrc/coop/internal/ipc"
	cpty "github.com/vibesrc/coop/internal/pty"
	"github.com/vibesrc/coop/internal/sandbox"
	"github.com/vibesrc/coop/internal/session"
)

// handleConn serves exactly one connection: peer-uid check, handshake, one
// request/response, and — for commands that upgrade — the PTY stream bridge
// for the rest of the connection's life.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if uc, ok := conn.(*net.UnixConn); ok {
		if err := ipc.CheckPeerUID(uc); err != nil {
			d.Log.Warn("rejected connection", "err", err)
			return
		}
	}

	var hs ipc.Handshake
	if err := ipc.ReadMessage(conn, &hs); err != nil {
		return
	}
	if hs.Version != ipc.ProtocolVersion {
		ipc.WriteMessage(conn, ipc.HandshakeAck{Version: ipc.ProtocolVersion, OK: false, Error: ipc.ErrVersionMismatch})
		return
	}
	if err := ipc.WriteMessage(conn, ipc.HandshakeAck{Version: ipc.ProtocolVersion, OK: true}); err != nil {
		return
	}

	var req ipc.Request
	if err := ipc.ReadMessage(conn, &req); err != nil {
		return
	}

	resp, sess, st, opts, stream := d.dispatch(ctx, &req)
	if err := ipc.WriteMessage(conn, resp); err != nil {
		return
	}
	if !stream || !resp.OK {
		return
	}

	if err := bridge.Run(conn, nil, sess, st, opts, sess.Log()); err != nil {
		d.Log.Debug("bridge ended", "session", sess.Name, "pty", st.ID, "err", err)
	}
}

// dispatch executes one request against the registry and returns the
// response to send, plus — when the command upgrades into stream mode —
// the session/PTY/options the caller should bridge against.
func (d *Daemon) dispatch(ctx context.Context, req *ipc.Request) (resp *ipc.Response, sess *session.Session, st *cpty.State, opts bridge.Options, stream bool) {
	switch req.Cmd {
	case ipc.CmdCreate:
		return d.handleCreate(ctx, req)
	case ipc.CmdAttach:
		return d.handleAttach(req)
	case ipc.CmdShell:
		return d.handleShell(ctx, req)
	case ipc.CmdLs:
		return d.handleLs(), nil, nil, bridge.Options{}, false
	case ipc.CmdSessionLs:
		return d.handleSessionLs(req), nil, nil, bridge.Options{}, false
	case ipc.CmdKill:
		return d.handleKill(req), nil, nil, bridge.Options{}, false
	case ipc.CmdSessionKill:
		return d.handleSessionKill(req), nil, nil, bridge.Options{}, false
	case ipc.CmdLogs:
		return d.handleLogs(req)
	case ipc.CmdRestart:
		return d.handleRestart(ctx, req), nil, nil, bridge.Options{}, false
	case ipc.CmdResize:
		return d.handleResize(req), nil, nil, bridge.Options{}, false
	case ipc.CmdDetach:
		return errResponse(ipc.ErrInvalidCommand, "detach is issued as a stream control frame, not a top-level request"), nil, nil, bridge.Options{}, false
	case ipc.CmdShutdown:
		if d.cancel != nil {
			go d.cancel()
		}
		return &ipc.Response{OK: true}, nil, nil, bridge.Options{}, false
	case ipc.CmdServe:
		return d.handleServe(ctx, req), nil, nil, bridge.Options{}, false
	default:
		return errResponse(ipc.ErrInvalidCommand, fmt.Sprintf("unknown command %q", req.Cmd)), nil, nil, bridge.Options{}, false
	}
}

func errResponse(code, msg string) *ipc.Response {
	return &ipc.Response{OK: false, Error: code, Message: msg}
}

func (d *Daemon) handleCreate(ctx context.Context, req *ipc.Request) (*ipc.Response, *session.Session, *cpty.State, bridge.Options, bool) {
	if req.Workspace == "" {
		return errResponse(ipc.ErrInvalidCommand, "workspace is required"), nil, nil, bridge.Options{}, false
	}
	workspace, err := filepath.Abs(req.Workspace)
	if err != nil {
		return errResponse(ipc.ErrInvalidCommand, err.Error()), nil, nil, bridge.Options{}, false
	}

	name := req.Name
	if name == "" {
		name = filepath.Base(workspace)
	}
	if existing, ok := d.Registry.Get(name); ok && !req.ForceNew {
		return errResponse(ipc.ErrSessionExists, existing.Name), nil, nil, bridge.Options{}, false
	}
	if existing, ok := d.Registry.Get(workspace); ok && !req.ForceNew {
		return errResponse(ipc.ErrSessionExists, existing.Name), nil, nil, bridge.Options{}, false
	}

	if _, err := os.Stat(d.Dir.RootfsBase()); err != nil {
		return errResponse(ipc.ErrRootfsNotFound, d.Dir.RootfsBase()), nil, nil, bridge.Options{}, false
	}

	coopfilePath := req.Coopfile
	if coopfilePath == "" {
		coopfilePath = filepath.Join(workspace, "Coopfile")
	}
	cf, err := config.Load(coopfilePath)
	if err != nil {
		return errResponse(ipc.ErrInvalidCommand, err.Error()), nil, nil, bridge.Options{}, false
	}

	mounts, mountErrs := cf.ParsedMounts()
	for _, e := range mountErrs {
		d.Log.Warn("skipping invalid mount", "session", name, "err", e)
	}

	paths := d.Dir.Session(name)
	cfg := sandbox.Config{
		RootfsBase:    d.Dir.RootfsBase(),
		Upper:         paths.Upper,
		Work:          paths.Work,
		Merged:        paths.Merged,
		PersistDir:    paths.Persist,
		VolumesRoot:   d.Dir.VolumesDir(),
		HostWorkspace: workspace,
		SandboxHome:   cf.Home,
		SandboxWork:   cf.Workspace,
		User:          cf.User,
		Env:           cf.Env,
		Mounts:        mounts,
		Volumes:       cf.Volumes,
		Network:       cf.Network,
		Command:       cf.Agent,
		Args:          cf.AgentArgs,
	}

	log := d.Log.With("session", name)
	st, result, err := session.CreatePTY0(ctx, cfg, cf.AutoRestart, log)
	if err != nil {
		return errResponse(ipc.ErrNamespaceError, err.Error()), nil, nil, bridge.Options{}, false
	}

	sess := session.New(name, workspace, cf, paths, d.Dir.RootfsBase(), result.Handles, log)
	sess.CoopfilePath = coopfilePath
	sess.AddPTY0(st)

	if err := d.Registry.Add(sess); err != nil {
		sess.Destroy(true)
		return errResponse(ipc.ErrSessionExists, err.Error()), nil, nil, bridge.Options{}, false
	}

	go session.Supervise(ctx, sess, st, d.Registry)
	go session.WatchCoopfile(ctx, sess, st)

	resp := &ipc.Response{OK: true, Session: name, PID: st.PID(), PTY: 0}
	if req.Detach {
		return resp, nil, nil, bridge.Options{}, false
	}
	return resp, sess, st, bridge.Options{Local: true}, true
}

func (d *Daemon) lookupSession(req *ipc.Request) (*session.Session, string) {
	key := req.Session
	if key == "" {
		key = req.Name
	}
	sess, ok := d.Registry.Get(key)
	if !ok {
		return nil, key
	}
	return sess, key
}

func (d *Daemon) handleAttach(req *ipc.Request) (*ipc.Response, *session.Session, *cpty.State, bridge.Options, bool) {
	sess, key := d.lookupSession(req)
	if sess == nil {
		return errResponse(ipc.ErrSessionNotFound, key), nil, nil, bridge.Options{}, false
	}
	st, ok := sess.PTY(req.PTY)
	if !ok {
		return errResponse(ipc.ErrPTYNotFound, fmt.Sprintf("pty %d", req.PTY)), nil, nil, bridge.Options{}, false
	}
	resp := &ipc.Response{OK: true, Session: sess.Name, PID: st.PID(), PTY: st.ID}
	return resp, sess, st, bridge.Options{Local: true}, true
}

func (d *Daemon) handleShell(ctx context.Context, req *ipc.Request) (*ipc.Response, *session.Session, *cpty.State, bridge.Options, bool) {
	sess, key := d.lookupSession(req)
	if sess == nil {
		return errResponse(ipc.ErrSessionNotFound, key), nil, nil, bridge.Options{}, false
	}
	command := req.Command
	if command == "" {
		command = "sh"
	}
	st, err := sess.SpawnShell(ctx, command, nil)
	if err != nil {
		return errResponse(ipc.ErrNamespaceError, err.Error()), nil, nil, bridge.Options{}, false
	}
	go session.Supervise(ctx, sess, st, d.Registry)

	resp := &ipc.Response{OK: true, Session: sess.Name, PID: st.PID(), PTY: st.ID}
	if req.Detach {
		return resp, nil, nil, bridge.Options{}, false
	}
	return resp, sess, st, bridge.Options{Local: true}, true
}

func (d *Daemon) handleLs() *ipc.Response {
	sessions := d.Registry.List()
	out := make([]ipc.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ipc.SessionInfo{
			Name:      s.Name,
			Workspace: s.Workspace,
			CreatedAt: s.CreatedAt.Unix(),
			PTYs:      ptyInfos(s),
			Local:     int(s.LocalClients()),
			Web:       int(s.WebClients()),
		})
	}
	return &ipc.Response{OK: true, Sessions: out}
}

func (d *Daemon) handleSessionLs(req *ipc.Request) *ipc.Response {
	sess, key := d.lookupSession(req)
	if sess == nil {
		return errResponse(ipc.ErrSessionNotFound, key)
	}
	return &ipc.Response{OK: true, Session: sess.Name, PTYs: ptyInfos(sess)}
}

func ptyInfos(s *session.Session) []ipc.PTYInfo {
	ptys := s.PTYs()
	out := make([]ipc.PTYInfo, 0, len(ptys))
	for _, st := range ptys {
		out = append(out, ipc.PTYInfo{ID: st.ID, Role: st.Role.String(), PID: st.PID(), State: st.State()})
	}
	return out
}

func (d *Daemon) handleKill(req *ipc.Request) *ipc.Response {
	if req.All {
		for _, s := range d.Registry.List() {
			s.Destroy(req.Force)
			d.Registry.Remove(s.Name)
		}
		return &ipc.Response{OK: true}
	}
	sess, key := d.lookupSession(req)
	if sess == nil {
		return errResponse(ipc.ErrSessionNotFound, key)
	}
	if err := sess.Destroy(req.Force); err != nil {
		d.Log.Warn("destroy session", "session", sess.Name, "err", err)
	}
	d.Registry.Remove(sess.Name)
	return &ipc.Response{OK: true, Session: sess.Name}
}

func (d *Daemon) handleSessionKill(req *ipc.Request) *ipc.Response {
	sess, key := d.lookupSession(req)
	if sess == nil {
		return errResponse(ipc.ErrSessionNotFound, key)
	}
	if err := sess.KillPTY(req.PTY, req.Force); err != nil {
		return errResponse(ipc.ErrPTYNotFound, err.Error())
	}
	return &ipc.Response{OK: true, Session: sess.Name, PTY: req.PTY}
}

func (d *Daemon) handleLogs(req *ipc.Request) (*ipc.Response, *session.Session, *cpty.State, bridge.Options, bool) {
	sess, key := d.lookupSession(req)
	if sess == nil {
		return errResponse(ipc.ErrSessionNotFound, key), nil, nil, bridge.Options{}, false
	}
	st, ok := sess.PTY(req.PTY)
	if !ok {
		return errResponse(ipc.ErrPTYNotFound, fmt.Sprintf("pty %d", req.PTY)), nil, nil, bridge.Options{}, false
	}

	var data []byte
	if req.TailLines > 0 {
		data = st.Scrollback.TailLines(req.TailLines)
	} else {
		data = st.Scrollback.Snapshot()
	}
	resp := &ipc.Response{OK: true, Session: sess.Name, PTY: st.ID, LogData: base64.StdEncoding.EncodeToString(data)}
	if !req.Follow {
		return resp, nil, nil, bridge.Options{}, false
	}
	return resp, sess, st, bridge.Options{Readonly: true, Local: true}, true
}

func (d *Daemon) handleRestart(ctx context.Context, req *ipc.Request) *ipc.Response {
	sess, key := d.lookupSession(req)
	if sess == nil {
		return errResponse(ipc.ErrSessionNotFound, key)
	}
	st, ok := sess.PTY(req.PTY)
	if !ok {
		return errResponse(ipc.ErrPTYNotFound, fmt.Sprintf("pty %d", req.PTY))
	}
	command := req.Command
	if command == "" {
		command = st.Command
	}
	if err := sess.Restart(ctx, st, command, nil); err != nil {
		return errResponse(ipc.ErrNamespaceError, err.Error())
	}
	return &ipc.Response{OK: true, Session: sess.Name, PTY: st.ID, PID: st.PID()}
}

func (d *Daemon) handleResize(req *ipc.Request) *ipc.Response {
	sess, key := d.lookupSession(req)
	if sess == nil {
		return errResponse(ipc.ErrSessionNotFound, key)
	}
	st, ok := sess.PTY(req.PTY)
	if !ok {
		return errResponse(ipc.ErrPTYNotFound, fmt.Sprintf("pty %d", req.PTY))
	}
	if err := st.Resize(req.Cols, req.Rows); err != nil {
		return errResponse(ipc.ErrInternal, err.Error())
	}
	return &ipc.Response{OK: true, Session: sess.Name, PTY: st.ID}
}
