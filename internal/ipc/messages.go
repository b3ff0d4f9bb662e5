package ipc

// Command names. cmd disambiguates the Request payload.
const (
	CmdCreate      = "create"
	CmdAttach      = "attach"
	CmdShell       = "shell"
	CmdLs          = "ls"
	CmdKill        = "kill"
	CmdLogs        = "logs"
	CmdRestart     = "restart"
	CmdResize      = "resize"
	CmdDetach      = "detach"
	CmdShutdown    = "shutdown"
	CmdServe       = "serve"
	CmdSessionLs   = "session_ls"
	CmdSessionKill = "session_kill"
)

// Error codes.
const (
	ErrSessionExists   = "SESSION_EXISTS"
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrPTYNotFound     = "PTY_NOT_FOUND"
	ErrInvalidCommand  = "INVALID_COMMAND"
	ErrVersionMismatch = "VERSION_MISMATCH"
	ErrMessageTooLarge = "MESSAGE_TOO_LARGE"
	ErrRootfsNotFound  = "ROOTFS_NOT_FOUND"
	ErrNamespaceError  = "NAMESPACE_ERROR"
	ErrInternal        = "INTERNAL_ERROR"
)

// Request is the JSON payload sent from client to daemon.
type Request struct {
	Cmd string `json:"cmd"`

	// create / attach / shell / kill / logs / restart / session_ls / session_kill
	Name       string `json:"name,omitempty"`
	Session    string `json:"session,omitempty"`
	Workspace  string `json:"workspace,omitempty"`
	Coopfile   string `json:"coopfile,omitempty"`
	Detach     bool   `json:"detach,omitempty"`
	PTY        int    `json:"pty,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Command    string `json:"command,omitempty"`
	ForceNew   bool   `json:"force_new,omitempty"`
	All        bool   `json:"all,omitempty"`
	Force      bool   `json:"force,omitempty"`
	Follow     bool   `json:"follow,omitempty"`
	TailLines  int    `json:"tail_lines,omitempty"`

	// serve
	Port  int    `json:"port,omitempty"`
	Host  string `json:"host,omitempty"`
	Token string `json:"token,omitempty"`
}

// PTYInfo describes one PTY within a session (ls/session_ls responses).
type PTYInfo struct {
	ID    int    `json:"id"`
	Role  string `json:"role"`  // "agent" | "shell"
	PID   int    `json:"pid,omitempty"`
	State string `json:"state"` // "running" | "waiting"
}

// SessionInfo describes one session (ls response).
type SessionInfo struct {
	Name      string    `json:"name"`
	Workspace string    `json:"workspace"`
	CreatedAt int64     `json:"created_at"`
	PTYs      []PTYInfo `json:"ptys"`
	Local     int       `json:"local_clients"`
	Web       int       `json:"web_clients"`
}

// Response is the envelope returned for every non-stream-upgrade request.
type Response struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	Session  string        `json:"session,omitempty"`
	PID      int           `json:"pid,omitempty"`
	PTY      int           `json:"pty,omitempty"`
	Sessions []SessionInfo `json:"sessions,omitempty"`
	PTYs     []PTYInfo     `json:"ptys,omitempty"`
	LogData  string        `json:"log_data,omitempty"` // base64

	Port      int    `json:"port,omitempty"`
	Host      string `json:"host,omitempty"`
	Token     string `json:"token,omitempty"`
	MachineID string `json:"machine_id,omitempty"` // serve: identifies which coop-dir/host answered
}

// Control frame payloads exchanged in stream mode.
const (
	CtrlResize      = "resize"
	CtrlDetach      = "detach"
	CtrlPTYExited   = "pty_exited"
	CtrlRestarting  = "pty_restarting"
	CtrlDetached    = "detached"
)

// ControlEnvelope is the minimal shape every control frame carries.
type ControlEnvelope struct {
	Cmd string `json:"cmd"`
}

// ResizeControl is sent client→server to resize the attached PTY.
type ResizeControl struct {
	Cmd  string `json:"cmd"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// DetachControl is sent client→server to end the stream cleanly.
type DetachControl struct {
	Cmd string `json:"cmd"`
}

// PTYExitedEvent is sent server→client when the bridged PTY's reader ends.
type PTYExitedEvent struct {
	Cmd  string `json:"cmd"`
	Code int    `json:"code"`
}

// PTYRestartingEvent is the restart-countdown event the client knows how to
// render. The daemon does not send it; the supervisor announces a restart
// with a banner line in the PTY output instead.
type PTYRestartingEvent struct {
	Cmd      string `json:"cmd"`
	DelayMS  int64  `json:"delay_ms"`
}

// DetachedEvent acknowledges a client-initiated detach.
type DetachedEvent struct {
	Cmd string `json:"cmd"`
}

func NewResizeControl(cols, rows int) ResizeControl {
	return ResizeControl{Cmd: CtrlResize, Cols: cols, Rows: rows}
}
