package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-ai/parley/internal/playbook"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/wire"
	peermock "github.com/parley-ai/parley/pkg/audio/peer/mock"
	"github.com/parley-ai/parley/pkg/provider/llm"
	llmmock "github.com/parley-ai/parley/pkg/provider/llm/mock"
	sttmock "github.com/parley-ai/parley/pkg/provider/stt/mock"
	ttsmock "github.com/parley-ai/parley/pkg/provider/tts/mock"
)

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Config{})
	if err == nil {
		t.Fatal("empty config accepted")
	}
	for _, want := range []string{"session store", "stt provider", "llm provider", "tts provider"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	_, err = NewServer(Config{
		Store:    session.NewStore(session.StoreConfig{}),
		STT:      &sttmock.Provider{},
		LLM:      &llmmock.Provider{},
		TTS:      &ttsmock.Provider{},
		Playbook: &playbook.Playbook{Name: "p", InitialStage: "s", Stages: []playbook.Stage{{ID: "s"}}},
		Peers:    &peermock.Factory{},
	})
	if err == nil {
		t.Fatal("incomplete playbook and peer wiring accepted")
	}
	for _, want := range []string{"tool executor", "vad model factory"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestNewServer_Defaults(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(Config{
		Store: session.NewStore(session.StoreConfig{}),
		STT:   &sttmock.Provider{},
		LLM:   &llmmock.Provider{},
		TTS:   &ttsmock.Provider{},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv.cfg.Heartbeat != DefaultHeartbeat {
		t.Fatalf("heartbeat = %v, want %v", srv.cfg.Heartbeat, DefaultHeartbeat)
	}
	if srv.cfg.ICEWait != DefaultICEWait {
		t.Fatalf("ice wait = %v, want %v", srv.cfg.ICEWait, DefaultICEWait)
	}
	if srv.log == nil || srv.fabric == nil || srv.metrics == nil {
		t.Fatal("nil ambient collaborators after defaulting")
	}
}

func TestServer_WebSocketHandshake(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(Config{
		Store: session.NewStore(session.StoreConfig{}),
		STT:   &sttmock.Provider{Text: "hi"},
		LLM:   &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{SupportsStreaming: true}},
		TTS:   &ttsmock.Provider{},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/voice"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	readMsg := func() map[string]any {
		t.Helper()
		_, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		return m
	}

	ready := readMsg()
	if ready["type"] != wire.TypeReady {
		t.Fatalf("first message type = %v, want ready", ready["type"])
	}
	if ready["protocolVersion"] != float64(wire.ProtocolVersion) {
		t.Fatalf("protocolVersion = %v", ready["protocolVersion"])
	}

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping","timestamp":5}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readMsg()
	if pong["type"] != wire.TypePong || pong["timestamp"] != float64(5) {
		t.Fatalf("pong = %v", pong)
	}

	// Server shutdown closes the connection from the far side.
	srv.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection still open after server close")
		}
	}
}
