package wire

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestDecode_Ping(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"type":"ping","timestamp":1724580000123}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	ping, ok := msg.(Ping)
	if !ok {
		t.Fatalf("Decode returned %T, want Ping", msg)
	}
	if ping.Timestamp != 1724580000123 {
		t.Errorf("Timestamp = %d, want 1724580000123", ping.Timestamp)
	}
}

func TestDecode_Reconnect(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"type":"reconnect","sessionId":"sess-42"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	rc, ok := msg.(Reconnect)
	if !ok {
		t.Fatalf("Decode returned %T, want Reconnect", msg)
	}
	if rc.SessionID != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", rc.SessionID)
	}
}

func TestDecode_Offer(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"type":"offer","signal":"v=0\r\no=- 0 0 IN IP4 0.0.0.0"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	offer, ok := msg.(Offer)
	if !ok {
		t.Fatalf("Decode returned %T, want Offer", msg)
	}
	if !strings.HasPrefix(offer.Signal, "v=0") {
		t.Errorf("Signal = %q, want SDP text", offer.Signal)
	}
}

func TestDecode_Signal_PreservesRawPayload(t *testing.T) {
	t.Parallel()

	raw := `{"type":"signal","signal":{"candidate":"candidate:1 1 UDP 2122252543 192.0.2.1 54321 typ host","sdpMid":"0"}}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	sig, ok := msg.(Signal)
	if !ok {
		t.Fatalf("Decode returned %T, want Signal", msg)
	}
	var candidate struct {
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal(sig.Signal, &candidate); err != nil {
		t.Fatalf("payload not preserved as JSON: %v", err)
	}
	if !strings.HasPrefix(candidate.Candidate, "candidate:1") {
		t.Errorf("candidate = %q", candidate.Candidate)
	}
}

func TestDecode_Audio_Base64AndAttachments(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	img := []byte{0x89, 0x50, 0x4E, 0x47}
	raw := `{"type":"audio","data":"` + base64.StdEncoding.EncodeToString(pcm) +
		`","attachments":[{"mimeType":"image/png","data":"` + base64.StdEncoding.EncodeToString(img) + `"}]}`

	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	audio, ok := msg.(Audio)
	if !ok {
		t.Fatalf("Decode returned %T, want Audio", msg)
	}
	if string(audio.Data) != string(pcm) {
		t.Errorf("Data = %v, want %v", audio.Data, pcm)
	}
	if len(audio.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(audio.Attachments))
	}
	if audio.Attachments[0].MIMEType != "image/png" {
		t.Errorf("MIMEType = %q", audio.Attachments[0].MIMEType)
	}
	if string(audio.Attachments[0].Data) != string(img) {
		t.Errorf("attachment data = %v, want %v", audio.Attachments[0].Data, img)
	}
}

func TestDecode_Attachments(t *testing.T) {
	t.Parallel()

	raw := `{"type":"attachments","attachments":[{"mimeType":"image/jpeg","data":"AQI="}]}`
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	att, ok := msg.(Attachments)
	if !ok {
		t.Fatalf("Decode returned %T, want Attachments", msg)
	}
	if len(att.Attachments) != 1 || att.Attachments[0].MIMEType != "image/jpeg" {
		t.Errorf("attachments = %+v", att.Attachments)
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{"not json", `pcm bytes here`},
		{"missing type", `{"timestamp":1}`},
		{"unknown type", `{"type":"selfdestruct"}`},
		{"server-only type", `{"type":"ready","id":"x"}`},
		{"wrong field type", `{"type":"ping","timestamp":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode([]byte(tt.data)); err == nil {
				t.Errorf("Decode(%s): expected error, got nil", tt.data)
			}
		})
	}
}

func TestEncode_Ready(t *testing.T) {
	t.Parallel()

	data, err := Encode(NewReady("conn-7"))
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	want := `{"type":"ready","id":"conn-7","protocolVersion":1}`
	if string(data) != want {
		t.Errorf("Encode = %s, want %s", data, want)
	}
}

func TestEncode_Transcript(t *testing.T) {
	t.Parallel()

	data, err := Encode(NewTranscript("turn left here", true))
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	want := `{"type":"transcript","text":"turn left here","isFinal":true}`
	if string(data) != want {
		t.Errorf("Encode = %s, want %s", data, want)
	}
}

func TestEncode_TTSChunk(t *testing.T) {
	t.Parallel()

	data, err := Encode(NewTTSChunk(24000, []byte{0x01, 0x02}))
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "tts-chunk" || decoded["format"] != "pcm" {
		t.Errorf("type/format = %v/%v", decoded["type"], decoded["format"])
	}
	if decoded["sampleRate"] != float64(24000) {
		t.Errorf("sampleRate = %v, want 24000", decoded["sampleRate"])
	}
	if decoded["data"] != base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}) {
		t.Errorf("data = %v, want base64 of 0x0102", decoded["data"])
	}
}

func TestEncode_ToolCallEnd_OmitsEmpty(t *testing.T) {
	t.Parallel()

	okData, err := Encode(NewToolCallEnd("call-1", map[string]any{"ok": true}, "", 42))
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if strings.Contains(string(okData), `"error"`) {
		t.Errorf("success message carries error field: %s", okData)
	}

	failData, err := Encode(NewToolCallEnd("call-2", nil, "boom", 7))
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if strings.Contains(string(failData), `"result"`) {
		t.Errorf("failure message carries result field: %s", failData)
	}
	if !strings.Contains(string(failData), `"error":"boom"`) {
		t.Errorf("failure message missing error: %s", failData)
	}
}

func TestEncode_Error(t *testing.T) {
	t.Parallel()

	data, err := Encode(NewError(CodeSTTError, "whisper: server returned HTTP 503"))
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	want := `{"type":"error","code":"STT_ERROR","message":"whisper: server returned HTTP 503"}`
	if string(data) != want {
		t.Errorf("Encode = %s, want %s", data, want)
	}
}

func TestErrorCode_Component(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want string
	}{
		{CodeWebRTCUnavailable, "peer"},
		{CodeAudioProcessingError, "audio"},
		{CodeSTTError, "stt"},
		{CodeLLMError, "llm"},
		{CodeTTSError, "tts"},
		{CodeInvalidMessage, "wire"},
		{CodeSessionNotFound, "session"},
		{CodeInternalError, "internal"},
		{ErrorCode("SOMETHING_ELSE"), "internal"},
	}
	for _, tt := range tests {
		if got := tt.code.Component(); got != tt.want {
			t.Errorf("Component(%s) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestBareMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  Bare
		want string
	}{
		{NewTTSStart(), `{"type":"tts-start"}`},
		{NewTTSComplete(), `{"type":"tts-complete"}`},
		{NewTTSCancelled(), `{"type":"tts-cancelled"}`},
		{NewSpeechStart(), `{"type":"speech-start"}`},
		{NewSpeechEnd(), `{"type":"speech-end"}`},
	}
	for _, tt := range tests {
		data, err := Encode(tt.msg)
		if err != nil {
			t.Fatalf("Encode returned error: %v", err)
		}
		if string(data) != tt.want {
			t.Errorf("Encode = %s, want %s", data, tt.want)
		}
	}
}

func TestDecode_ServerTypeRejected_NamesType(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"type":"pong","timestamp":5}`))
	if err == nil {
		t.Fatal("expected error decoding a server-only type")
	}
	if !strings.Contains(err.Error(), "pong") {
		t.Errorf("error %q does not name the offending type", err)
	}
}
