package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(d *Directory) *session {
	return newSession(testConfig(), d, "test")
}

// handle feeds one JSON line through the session the way the read loop
// does, converting a returned error into an error reply.
func handle(s *session, line string) {
	if err := s.handleLine([]byte(line)); err != nil {
		s.reply(errorMessage{Type: "error", Message: err.Error()})
	}
}

func TestHandleLineErrors(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantMessage string
	}{
		{"invalid json", "{not json", "invalid message format"},
		{"missing type", `{"username":"alice"}`, "message missing 'type' field"},
		{"unknown type", `{"type":"trade"}`, "unknown type: trade"},
		{"createRoom without username", `{"type":"createRoom"}`, "missing required fields for createRoom"},
		{"joinRoom without code", `{"type":"joinRoom","username":"bob"}`, "missing required fields for joinRoom"},
		{"setCapacity without capacity", `{"type":"setCapacity","roomCode":"123456","username":"alice"}`, "missing required fields for setCapacity"},
		{"submitAnswer without answer", `{"type":"submitAnswer","roomCode":"123456","username":"alice","elapsedMs":100}`, "missing required fields for submitAnswer"},
		{"chatMessage without payload", `{"type":"chatMessage"}`, "missing chatMessage field"},
		{"getRoomState unbound", `{"type":"getRoomState"}`, "no room code provided"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(newTestDirectory(nil))
			handle(s, tt.line)

			errs := messagesOfType[errorMessage](drain(s.c))
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0].Message, tt.wantMessage)
		})
	}
}

func TestPing(t *testing.T) {
	s := newTestSession(newTestDirectory(nil))
	handle(s, `{"type":"ping"}`)

	msgs := drain(s.c)
	require.Len(t, msgs, 1)
	assert.Equal(t, pongMessage{Type: "pong"}, msgs[0])
}

func TestCreateRoomFlow(t *testing.T) {
	d := newTestDirectory(nil)
	s := newTestSession(d)

	handle(s, `{"type":"createRoom","username":"alice","room":"Math Quiz","difficulty":"Hard"}`)

	msgs := drain(s.c)
	created := messagesOfType[roomCreatedMessage](msgs)
	require.Len(t, created, 1)
	assert.Regexp(t, `^\d{6}$`, created[0].RoomCode)
	require.Len(t, messagesOfType[roomUpdateMessage](msgs), 1)

	assert.Equal(t, "alice", s.c.username)
	assert.Equal(t, created[0].RoomCode, s.c.roomCode)

	category, difficulty, ok := d.Settings(created[0].RoomCode)
	require.True(t, ok)
	assert.Equal(t, "Math Quiz", category)
	assert.Equal(t, "Hard", difficulty)
}

func TestJoinRoomFlow(t *testing.T) {
	d := newTestDirectory(nil)
	code := d.CreateRoom("alice")
	d.SetSelection(code, "Math Quiz", "Medium")

	tests := []struct {
		name     string
		line     string
		wantErr  string
		wantJoin bool
	}{
		{
			name:    "unknown room",
			line:    `{"type":"joinRoom","roomCode":"000000","username":"bob"}`,
			wantErr: "Room not found",
		},
		{
			name:    "category mismatch",
			line:    fmt.Sprintf(`{"type":"joinRoom","roomCode":"%s","username":"bob","room":"Riddle Chamber","difficulty":"Medium"}`, code),
			wantErr: "Room selection mismatch. This room is configured for 'Math Quiz - Medium'. Please select the same room and difficulty to join.",
		},
		{
			name:    "difficulty mismatch",
			line:    fmt.Sprintf(`{"type":"joinRoom","roomCode":"%s","username":"bob","room":"Math Quiz","difficulty":"Hard"}`, code),
			wantErr: "Difficulty mismatch. This room is configured for 'Math Quiz - Medium'. Please select the same room and difficulty to join.",
		},
		{
			name:     "matching selection",
			line:     fmt.Sprintf(`{"type":"joinRoom","roomCode":"%s","username":"bob","room":"Math Quiz","difficulty":"Medium"}`, code),
			wantJoin: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(d)
			handle(s, tt.line)

			msgs := drain(s.c)
			if tt.wantErr != "" {
				errs := messagesOfType[errorMessage](msgs)
				require.Len(t, errs, 1)
				assert.Equal(t, tt.wantErr, errs[0].Message)
				assert.Empty(t, s.c.roomCode)
				return
			}

			joined := messagesOfType[joinedMessage](msgs)
			require.Len(t, joined, 1)
			assert.Equal(t, code, joined[0].Room.Code)
			assert.Contains(t, joined[0].Room.Players, "bob")
			assert.Equal(t, code, s.c.roomCode)
		})
	}
}

func TestFirstBindWinsIdentity(t *testing.T) {
	s := newTestSession(newTestDirectory(nil))

	handle(s, `{"type":"createRoom","username":"alice"}`)
	require.Equal(t, "alice", s.c.username)

	// a later message claiming another name does not rebind
	handle(s, fmt.Sprintf(`{"type":"reaction","roomCode":"%s","username":"mallory","emoji":"wave"}`, s.c.roomCode))

	assert.Equal(t, "alice", s.c.username)

	reactions := messagesOfType[reactionMessage](drain(s.c))
	// the broadcast attributes the reaction to the bound identity
	for _, r := range reactions {
		assert.Equal(t, "alice", r.Username)
	}
}

func TestLeaveRoomClearsBinding(t *testing.T) {
	d := newTestDirectory(nil)
	s := newTestSession(d)

	handle(s, `{"type":"createRoom","username":"alice"}`)
	code := s.c.roomCode
	require.NotEmpty(t, code)

	handle(s, fmt.Sprintf(`{"type":"leaveRoom","roomCode":"%s","username":"alice"}`, code))

	assert.Empty(t, s.c.roomCode)
	assert.False(t, d.RoomExists(code))

	// cleanup after an explicit leave must not double-leave
	s.cleanup()
}

func TestCleanupLeavesBoundRoom(t *testing.T) {
	d := newTestDirectory(nil)
	s := newTestSession(d)

	handle(s, `{"type":"createRoom","username":"alice"}`)
	code := s.c.roomCode
	require.True(t, d.RoomExists(code))

	s.cleanup()

	assert.False(t, d.RoomExists(code))
	assert.Empty(t, s.c.roomCode)
}

// TestDisconnectWithSinkInAnotherRoom covers the binding drift case: a
// connection joins one room, then a reaction naming a second room rebinds
// its room code. Disconnect cleanup leaves only the second room, so the
// first still holds the sink; broadcasting there afterwards must unbind the
// dead sink, never panic.
func TestDisconnectWithSinkInAnotherRoom(t *testing.T) {
	d := newTestDirectory(nil)

	s := newTestSession(d)
	handle(s, `{"type":"createRoom","username":"alice"}`)
	roomA := s.c.roomCode
	require.NotEmpty(t, roomA)

	other := newTestSession(d)
	handle(other, `{"type":"createRoom","username":"bob"}`)
	roomB := other.c.roomCode

	handle(s, fmt.Sprintf(`{"type":"reaction","roomCode":"%s","emoji":"wave"}`, roomB))
	require.Equal(t, roomB, s.c.roomCode)

	// disconnect path: one leave for the bound room, then the pump release
	s.cleanup()
	s.c.close()

	require.True(t, d.RoomExists(roomA))
	require.NotPanics(t, func() {
		d.BroadcastRoomUpdate(roomA)
	})

	r := d.lookup(roomA)
	require.NotNil(t, r)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, bound := r.sinks["alice"]
	assert.False(t, bound, "dead sink unbound on first refused send")
	assert.True(t, r.members["alice"], "membership in the unbound room is untouched")
}

func TestChatMessageRouting(t *testing.T) {
	d := newTestDirectory(nil)

	host := newTestSession(d)
	handle(host, `{"type":"createRoom","username":"alice"}`)
	code := host.c.roomCode

	guest := newTestSession(d)
	handle(guest, fmt.Sprintf(`{"type":"joinRoom","roomCode":"%s","username":"bob"}`, code))
	drain(host.c)
	drain(guest.c)

	handle(host, fmt.Sprintf(
		`{"type":"chatMessage","roomCode":"%s","chatMessage":{"sender":"alice","content":"hello","type":"PUBLIC"}}`, code))

	relayed := messagesOfType[chatRelayMessage](drain(guest.c))
	require.Len(t, relayed, 1)
	assert.Equal(t, "hello", relayed[0].Chat.Content)
	assert.NotEmpty(t, relayed[0].Chat.Timestamp, "timestamp filled in when absent")
	assert.Empty(t, messagesOfType[chatRelayMessage](drain(host.c)), "sender excluded")

	handle(guest, fmt.Sprintf(
		`{"type":"chatMessage","roomCode":"%s","chatMessage":{"sender":"bob","receiver":"alice","content":"psst","type":"PRIVATE"}}`, code))

	private := messagesOfType[chatRelayMessage](drain(host.c))
	require.Len(t, private, 1)
	assert.Equal(t, "psst", private[0].Chat.Content)
	assert.Empty(t, messagesOfType[chatRelayMessage](drain(guest.c)))
}

// TestServeConn runs the full read loop over an in-memory pipe: newline
// framing, replies in order, and resilience to garbage input.
func TestServeConn(t *testing.T) {
	server, clientConn := net.Pipe()

	d := newTestDirectory(nil)
	done := make(chan struct{})
	go func() {
		serveConn(testConfig(), d, server)
		close(done)
	}()

	require.NoError(t, clientConn.SetDeadline(time.Now().Add(5*time.Second)))
	reader := bufio.NewReader(clientConn)

	readReply := func() map[string]any {
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(line, &msg))
		return msg
	}

	send := func(line string) {
		_, err := clientConn.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}

	send(`{"type":"ping"}`)
	assert.Equal(t, "pong", readReply()["type"])

	// blank lines are skipped, not answered
	send("")
	send(`{"type":"ping"}`)
	assert.Equal(t, "pong", readReply()["type"])

	// garbage earns an error reply and the connection stays usable
	send("this is not json")
	reply := readReply()
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "invalid message format")

	send(`{"type":"createRoom","username":"alice"}`)
	reply = readReply()
	require.Equal(t, "roomCreated", reply["type"])
	code, ok := reply["roomCode"].(string)
	require.True(t, ok)
	assert.Regexp(t, `^\d{6}$`, code)
	assert.Equal(t, "roomUpdate", readReply()["type"])

	// disconnecting implicitly leaves, emptying and deleting the room
	require.NoError(t, clientConn.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serveConn did not return after disconnect")
	}
	assert.False(t, d.RoomExists(code))
}
