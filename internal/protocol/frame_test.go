package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, TypeTextRequest, TextRequest{Text: "Hello", Language: "en"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.Bytes()[:4]; got[0] == 0 || got[3] != 0 {
		t.Fatalf("expected little-endian length prefix, got %v", got)
	}
	payload, err := ReadFrame(&buf, 1024)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeTextRequest {
		t.Fatalf("unexpected type %s", env.Type)
	}
	var req TextRequest
	if err := env.Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Text != "Hello" || req.Language != "en" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, bytes.Repeat([]byte("a"), 64)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFrame(&buf, 16); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize, got %v", err)
	}
}

func TestReadFrameRejectsEmpty(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(buf, 16); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("expected ErrFrameSize, got %v", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	buf := bytes.NewReader([]byte{8, 0, 0, 0, 'a', 'b'})
	if _, err := ReadFrame(buf, 16); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestUnmarshalRequiresType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
