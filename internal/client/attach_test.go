package client

import (
	"encoding/json"
	"testing"

	"github.com/vibesrc/coop/internal/ipc"
)

func TestIndexByteFindsDetachKey(t *testing.T) {
	if i := indexByte([]byte("hello"), detachByte); i != -1 {
		t.Fatalf("expected -1, got %d", i)
	}
	chunk := []byte{'a', 'b', detachByte, 'c'}
	if i := indexByte(chunk, detachByte); i != 2 {
		t.Fatalf("expected 2, got %d", i)
	}
}

func TestHandleEventPTYExitedClean(t *testing.T) {
	payload, _ := json.Marshal(ipc.PTYExitedEvent{Cmd: ipc.CtrlPTYExited, Code: 0})
	done, err := handleEvent(payload)
	if !done || err != nil {
		t.Fatalf("got done=%v err=%v", done, err)
	}
}

func TestHandleEventPTYExitedNonZero(t *testing.T) {
	payload, _ := json.Marshal(ipc.PTYExitedEvent{Cmd: ipc.CtrlPTYExited, Code: 7})
	done, err := handleEvent(payload)
	if !done || err == nil {
		t.Fatalf("got done=%v err=%v", done, err)
	}
}

func TestHandleEventDetached(t *testing.T) {
	payload, _ := json.Marshal(ipc.DetachedEvent{Cmd: ipc.CtrlDetached})
	done, err := handleEvent(payload)
	if !done || err != nil {
		t.Fatalf("got done=%v err=%v", done, err)
	}
}

func TestHandleEventUnknownIsIgnored(t *testing.T) {
	payload, _ := json.Marshal(ipc.ControlEnvelope{Cmd: "something_new"})
	done, err := handleEvent(payload)
	if done || err != nil {
		t.Fatalf("got done=%v err=%v", done, err)
	}
}
