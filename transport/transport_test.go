package transport

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWriteMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf, nil)

	params, _ := json.Marshal(map[string]string{"foo": "bar"})
	if err := conn.WriteMessage(&Envelope{ID: json.RawMessage("1"), Method: "ping", Params: params}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	raw := buf.String()
	if !strings.HasPrefix(raw, "Content-Length: ") {
		t.Fatalf("frame missing Content-Length header: %q", raw)
	}
	headerEnd := strings.Index(raw, "\r\n\r\n")
	if headerEnd < 0 {
		t.Fatalf("frame missing header terminator: %q", raw)
	}
	body := raw[headerEnd+4:]

	reader := NewConn(strings.NewReader(raw), &bytes.Buffer{}, nil)
	env, err := reader.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if env.Method != "ping" {
		t.Errorf("expected method ping, got %s", env.Method)
	}
	if string(env.Params) != string(params) {
		t.Errorf("params mismatch: got %s want %s", env.Params, params)
	}

	var decoded Envelope
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
}

func TestReadMessageMalformedContentLength(t *testing.T) {
	input := "Content-Length: notanumber\r\n\r\nContent-Length: 2\r\n\r\n{}"
	conn := NewConn(strings.NewReader(input), &bytes.Buffer{}, nil)
	env, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected resync to succeed, got error: %v", err)
	}
	if env == nil {
		t.Fatal("expected an envelope after resync")
	}
}

func TestPendingCallCorrelation(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf, nil)

	id, ch := conn.NextID()
	resp := &Envelope{ID: id, Result: json.RawMessage(`{"ok":true}`)}
	conn.Resolve(resp)

	select {
	case got := <-ch:
		if string(got.Result) != `{"ok":true}` {
			t.Errorf("unexpected result: %s", got.Result)
		}
	default:
		t.Fatal("expected resolved response on channel")
	}
}

func TestResolveUnmatchedIDDropped(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf, nil)
	// Should not panic even though no pending call exists for this ID.
	conn.Resolve(&Envelope{ID: json.RawMessage("999")})
}

func TestAbortFailsPendingCalls(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf, nil)
	_, ch := conn.NextID()
	conn.Abort(errTest{})
	env := <-ch
	if env.Error == nil {
		t.Fatal("expected an error envelope")
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestIsResponseIsNotification(t *testing.T) {
	resp := &Envelope{ID: json.RawMessage("1")}
	if !IsResponse(resp) {
		t.Error("expected response")
	}
	notif := &Envelope{Method: "session/update"}
	if !IsNotification(notif) {
		t.Error("expected notification")
	}
	req := &Envelope{ID: json.RawMessage("1"), Method: "ping"}
	if IsResponse(req) || IsNotification(req) {
		t.Error("request with both id and method is neither pure response nor notification")
	}
}
