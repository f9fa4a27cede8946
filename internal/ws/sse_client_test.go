package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := client.Send([]byte("{\"a\":1}\n{\"b\":2}")); err != nil {
		t.Fatalf("send: %v", err)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "retry: 3000\n\n: ping\n\n") {
		t.Fatalf("expected retry hint before first frame, got %q", body)
	}
	if strings.Count(body, "retry:") != 1 {
		t.Fatalf("retry hint repeated: %q", body)
	}
	want := "id: 1\nevent: deployment\ndata: {\"a\":1}\ndata: {\"b\":2}\n\n"
	if !strings.HasSuffix(body, want) {
		t.Fatalf("unexpected event frame: %q", body)
	}
	if !rec.Flushed {
		t.Fatal("expected writer to be flushed")
	}
}

func TestSSEClientClosed(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	client.Close()
	if err := client.Send([]byte("{}")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected nothing written, got %q", rec.Body.String())
	}
}
