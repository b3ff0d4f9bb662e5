package ipc

import (
	"bytes"
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []Request{
		{Cmd: CmdCreate, Name: "p", Workspace: "/w"},
		{Cmd: CmdAttach, Session: "p", PTY: 0, Cols: 80, Rows: 24},
		{Cmd: CmdLs},
	}
	for _, req := range cases {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, req); err != nil {
			t.Fatalf("write: %v", err)
		}
		var got Request
		if err := ReadMessage(&buf, &got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != req {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, req)
		}
	}
}

func TestMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	big := strings.Repeat("x", MaxMessageSize+1)
	err := WriteMessage(&buf, map[string]string{"what": big})
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestStreamFrameRoundTrip(t *testing.T) {
	cases := []struct {
		tag     byte
		payload []byte
	}{
		{StreamTagData, []byte("hello\r\n")},
		{StreamTagData, nil},
		{StreamTagControl, []byte(`{"cmd":"resize","cols":80,"rows":24}`)},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		if err := WriteStreamFrame(&buf, c.tag, c.payload); err != nil {
			t.Fatalf("write: %v", err)
		}
		tag, payload, err := ReadStreamFrame(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if tag != c.tag {
			t.Fatalf("tag mismatch: got %x want %x", tag, c.tag)
		}
		if !bytes.Equal(payload, c.payload) && !(len(payload) == 0 && len(c.payload) == 0) {
			t.Fatalf("payload mismatch: got %q want %q", payload, c.payload)
		}
	}
}

func TestReadMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0x7f, 0xff, 0xff, 0xff} // way over the 1 MiB ceiling
	buf.Write(hdr)
	if _, err := ReadRawMessage(&buf); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
