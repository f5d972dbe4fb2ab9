package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gridcollab/internal/activity"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/collab"
	"github.com/MarcoPoloResearchLab/gridcollab/internal/wire"
	"github.com/gorilla/websocket"
)

func dialChannel(t *testing.T, s *testServer, token, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/tables/1/channel?access_token=" + token + query
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial failed (%d): %v", status, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, messageType, requestID string, payload any) {
	t.Helper()
	envelope, err := wire.NewEnvelope(messageType, requestID, payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteJSON(envelope); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readUntil reads frames until match accepts one, failing after five seconds.
func readUntil(t *testing.T, conn *websocket.Conn, match func(wire.Envelope) bool) wire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var envelope wire.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if match(envelope) {
			return envelope
		}
	}
}

func byRequest(requestID string) func(wire.Envelope) bool {
	return func(envelope wire.Envelope) bool {
		return envelope.RequestID == requestID
	}
}

func byEntry(action collab.ActionType) func(wire.Envelope) bool {
	return func(envelope wire.Envelope) bool {
		if envelope.Type != wire.TypeActivityEntry {
			return false
		}
		var entry activity.Entry
		return json.Unmarshal(envelope.Payload, &entry) == nil && entry.ActionType == action
	}
}

func TestChannelGreetsAndRejectsBadFrames(t *testing.T) {
	s := newTestServer(t)
	conn := dialChannel(t, s, s.token(t, "user-a"), "&view_id=grid")

	hello := readUntil(t, conn, func(envelope wire.Envelope) bool { return envelope.Type == wire.TypeHello })
	var greeting wire.HelloPayload
	if err := hello.Decode(&greeting); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if greeting.User.ID != "user-a" || greeting.TableID != "1" || greeting.ViewID != "grid" || greeting.Settings.CursorRate != 10 {
		t.Fatalf("unexpected hello %#v", greeting)
	}

	send(t, conn, "lock.steal", "r1", nil)
	failure := readUntil(t, conn, byRequest("r1"))
	var payload wire.ErrorPayload
	if err := failure.Decode(&payload); err != nil || failure.Type != wire.TypeError || payload.Error != "invalid_request" {
		t.Fatalf("expected invalid_request error, got %#v %#v", failure, payload)
	}
}

func TestChannelCloseReleasesLocksForOtherCollaborators(t *testing.T) {
	s := newTestServer(t)
	connA := dialChannel(t, s, s.token(t, "user-a"), "")
	readUntil(t, connA, func(envelope wire.Envelope) bool { return envelope.Type == wire.TypeHello })

	send(t, connA, wire.TypeHeartbeat, "a1", wire.HeartbeatPayload{ViewID: "grid"})
	if reply := readUntil(t, connA, byRequest("a1")); reply.Type != wire.TypeReply {
		t.Fatalf("heartbeat failed: %s", reply.Payload)
	}
	send(t, connA, wire.TypeLockAcquire, "a2", wire.CellPayload{RowID: "5", FieldID: "3"})
	if reply := readUntil(t, connA, byRequest("a2")); reply.Type != wire.TypeReply {
		t.Fatalf("acquire failed: %s", reply.Payload)
	}

	connB := dialChannel(t, s, s.token(t, "user-b"), "&after=0")
	readUntil(t, connB, byEntry(collab.ActionUserJoined))
	readUntil(t, connB, byEntry(collab.ActionLockAcquired))

	send(t, connB, wire.TypeLockAcquire, "b1", wire.CellPayload{RowID: "5", FieldID: "3"})
	denied := readUntil(t, connB, byRequest("b1"))
	var denial wire.ErrorPayload
	if err := denied.Decode(&denial); err != nil || denied.Type != wire.TypeError || denial.Owner != "user-a" {
		t.Fatalf("expected lock denial naming user-a, got %#v %#v", denied, denial)
	}

	if err := connA.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	readUntil(t, connB, byEntry(collab.ActionLockReleased))
	readUntil(t, connB, byEntry(collab.ActionUserLeft))

	send(t, connB, wire.TypeLockAcquire, "b2", wire.CellPayload{RowID: "5", FieldID: "3"})
	if granted := readUntil(t, connB, byRequest("b2")); granted.Type != wire.TypeReply {
		t.Fatalf("expected grant after owner left, got %s", granted.Payload)
	}
}

func TestChannelKeepsPresenceWhileAnotherTabIsOpen(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, "user-a")
	first := dialChannel(t, s, token, "")
	second := dialChannel(t, s, token, "")
	readUntil(t, first, func(envelope wire.Envelope) bool { return envelope.Type == wire.TypeHello })
	readUntil(t, second, func(envelope wire.Envelope) bool { return envelope.Type == wire.TypeHello })

	send(t, first, wire.TypeHeartbeat, "h1", wire.HeartbeatPayload{})
	readUntil(t, first, byRequest("h1"))

	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	send(t, second, wire.TypeHeartbeat, "h2", wire.HeartbeatPayload{})
	readUntil(t, second, byRequest("h2"))

	for _, action := range actionsOf(s.entries(t, "1")) {
		if action == collab.ActionUserLeft {
			t.Fatalf("closing one of two tabs must not record a departure")
		}
	}
}

func TestChannelRequiresToken(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/tables/1/channel"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake to fail without a token")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake, got %v", response)
	}
}
