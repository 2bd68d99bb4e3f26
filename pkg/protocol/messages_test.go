package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeJoin(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"join","roomCode":"ABCD1234","username":"alice","userId":"u1"}`))
	if err != nil {
		t.Fatal(err)
	}
	join, ok := msg.(Join)
	if !ok {
		t.Fatalf("expected Join, got %T", msg)
	}
	if join.RoomCode != "ABCD1234" || join.Username != "alice" || join.UserID != "u1" {
		t.Errorf("unexpected join: %+v", join)
	}
}

func TestDecodeLegacyAliases(t *testing.T) {
	cases := map[string]string{
		`{"type":"join_room","roomCode":"R1","username":"bob"}`:              TypeJoin,
		`{"type":"send_message","roomCode":"R1","message":"hi"}`:             TypeSend,
		`{"type":"leave_room","roomCode":"R1","username":"bob"}`:             TypeLeave,
		`{"type":"typing","roomCode":"R1","username":"bob","isTyping":true}`: TypeTyping,
	}
	for raw, want := range cases {
		msg, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if msg.Kind() != want {
			t.Errorf("decode %s: kind = %q, want %q", raw, msg.Kind(), want)
		}
	}
}

func TestDecodeJoinRequiresRoomAndUser(t *testing.T) {
	_, err := Decode([]byte(`{"type":"join","username":"alice"}`))
	if !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestDecodeRejectsBadMessageType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"send","message":"x","messageType":"video"}`))
	if !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestDecodeSyntaxError(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	if !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"dance","roomCode":"R1"}`))
	if err != nil {
		t.Fatal(err)
	}
	u, ok := msg.(Unrecognized)
	if !ok || u.Type != "dance" {
		t.Errorf("expected Unrecognized{dance}, got %#v", msg)
	}
}

func TestSendEmpty(t *testing.T) {
	if !(Send{Message: "   "}).Empty() {
		t.Error("whitespace-only send should be empty")
	}
	if (Send{FilePath: "/uploads/a.png"}).Empty() {
		t.Error("file send should not be empty")
	}
	if got := (Send{}).ContentType(); got != MessageText {
		t.Errorf("default content type = %q", got)
	}
}

func TestEncodeAddsTypeTag(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := Encode(NewMessage{ChatMessage{
		RoomCode:    "R1",
		Username:    "alice",
		Message:     "hello",
		MessageType: MessageText,
		Timestamp:   ts,
	}})
	if err != nil {
		t.Fatal(err)
	}

	typ, err := PeekType(raw)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeNewMessage {
		t.Errorf("type = %q", typ)
	}

	var decoded struct {
		Type     string `json:"type"`
		RoomCode string `json:"roomCode"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.RoomCode != "R1" || decoded.Message != "hello" {
		t.Errorf("unexpected payload: %s", raw)
	}
}

func TestEncodeErrorCode(t *testing.T) {
	raw, err := Encode(NewError(ErrRoomNotFound, "NOPE"))
	if err != nil {
		t.Fatal(err)
	}
	var decoded ErrorResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Code != CodeRoomNotFound {
		t.Errorf("code = %q", decoded.Code)
	}
}

func TestErrorCodeUnwraps(t *testing.T) {
	err := errors.Join(errors.New("context"), ErrPersistence)
	if got := ErrorCode(err); got != CodePersistence {
		t.Errorf("ErrorCode = %q", got)
	}
	if got := ErrorCode(errors.New("boom")); got != CodeInternal {
		t.Errorf("ErrorCode = %q", got)
	}
}
