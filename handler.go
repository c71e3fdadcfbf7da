// Quizbox connection handling
//
// One session per accepted socket: a read loop parsing one JSON object per
// line, and a write pump draining a buffered outbound channel. A malformed
// line earns an error reply and the loop keeps reading; nothing a client
// sends can take its own connection down except closing the socket.
//
// Identity is first-bind-wins: the first message carrying a username pins
// the connection's identity for its lifetime. Later messages claiming a
// different username are still routed, but never rebind the connection.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

const (
	sendBufferSize = 32
	maxLineBytes   = 1024 * 1024
)

// client is the outbound half of a connection: the sink rooms broadcast
// into, plus the identity and room binding owned by the reader goroutine.
// The sink can outlive the room binding (a connection's code can drift to
// another room while earlier rooms still hold the sink), so the channel is
// never closed without the guard below.
type client struct {
	send     chan any
	username string
	roomCode string

	mu     sync.Mutex
	closed bool
}

// trySend queues msg without blocking. Returns false when the client has
// been closed or its buffer is full; either way the caller should unbind it.
func (c *client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close releases the write pump. Rooms still holding the sink get a refusal
// from trySend instead of a send on a closed channel.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type session struct {
	cfg    *Config
	dir    *Directory
	c      *client
	remote string
}

func newSession(cfg *Config, dir *Directory, remote string) *session {
	return &session{
		cfg:    cfg,
		dir:    dir,
		c:      &client{send: make(chan any, sendBufferSize)},
		remote: remote,
	}
}

// serveConn runs one TCP connection to completion.
func serveConn(cfg *Config, dir *Directory, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log.Printf("Client connected: %s", remote)

	s := newSession(cfg, dir, remote)

	go writeLines(conn, s.c.send)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := s.handleLine(line); err != nil {
			s.reply(errorMessage{Type: "error", Message: err.Error()})
		}
	}

	s.cleanup()
	s.c.close()
	log.Printf("Client disconnected: %s", remote)
}

// writeLines encodes one JSON object per line. On a write error it closes
// the socket and bails; the read side notices and runs cleanup.
func writeLines(conn net.Conn, send <-chan any) {
	defer conn.Close()

	enc := json.NewEncoder(conn)
	for msg := range send {
		if err := enc.Encode(msg); err != nil {
			return
		}
	}
}

// cleanup leaves the bound room, once, when the connection goes away.
func (s *session) cleanup() {
	if s.c.roomCode == "" || s.c.username == "" {
		return
	}

	logf(s.cfg, "SERVE: User %q leaving room %s", s.c.username, s.c.roomCode)
	s.dir.Leave(s.c.roomCode, s.c.username)
	s.c.roomCode = ""
}

// reply queues a message for this connection without blocking the reader.
func (s *session) reply(msg any) {
	s.c.trySend(msg)
}

func (s *session) identify(username string) {
	if s.c.username != "" || username == "" {
		return
	}

	s.c.username = username
	logf(s.cfg, "SERVE: Client %s identified as %q", s.remote, username)
}

// handleLine processes a single inbound message. Returned errors become
// error replies; panics are contained so one bad message cannot kill the
// read loop.
func (s *session) handleLine(line []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error processing message: %v", r)
		}
	}()

	var env clientEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return fmt.Errorf("invalid message format: %v", err)
	}
	if env.Type == "" {
		return errors.New("message missing 'type' field")
	}

	switch env.Type {
	case "ping":
		s.reply(pongMessage{Type: "pong"})
		return nil
	case "createRoom":
		return s.createRoom(env)
	case "joinRoom":
		return s.joinRoom(env)
	case "startGame":
		return s.startGame(env)
	case "setCapacity":
		return s.setCapacity(env)
	case "submitAnswer":
		return s.submitAnswer(env)
	case "reaction":
		return s.reaction(env)
	case "chat":
		return s.chat(env)
	case "chatMessage":
		return s.chatMessage(env)
	case "getRoomState":
		return s.getRoomState(env)
	case "leaveRoom":
		return s.leaveRoom(env)
	default:
		return fmt.Errorf("unknown type: %s", env.Type)
	}
}

func missingFields(kind string) error {
	return fmt.Errorf("missing required fields for %s", kind)
}

func (s *session) createRoom(env clientEnvelope) error {
	if env.Username == "" {
		return missingFields("createRoom")
	}
	s.identify(env.Username)

	code := s.dir.CreateRoom(env.Username)
	s.c.roomCode = code
	s.dir.BindClient(code, env.Username, s.c)

	if env.Room != "" || env.Difficulty != "" {
		s.dir.SetSelection(code, env.Room, env.Difficulty)
	}

	s.reply(roomCreatedMessage{Type: "roomCreated", RoomCode: code})
	s.dir.BroadcastRoomUpdate(code)

	return nil
}

func (s *session) joinRoom(env clientEnvelope) error {
	if env.RoomCode == "" || env.Username == "" {
		return missingFields("joinRoom")
	}
	s.identify(env.Username)

	category, difficulty, ok := s.dir.Settings(env.RoomCode)
	if !ok {
		return errors.New("Room not found")
	}

	if env.Room != "" && env.Room != category {
		return fmt.Errorf(
			"Room selection mismatch. This room is configured for '%s - %s'. Please select the same room and difficulty to join.",
			category, difficulty)
	}
	if env.Difficulty != "" && env.Difficulty != difficulty {
		return fmt.Errorf(
			"Difficulty mismatch. This room is configured for '%s - %s'. Please select the same room and difficulty to join.",
			category, difficulty)
	}

	if reason := s.dir.CheckJoinAllowed(env.RoomCode, env.Username); reason != "" {
		return errors.New(reason)
	}

	if !s.dir.JoinRoom(env.RoomCode, env.Username, s.c, env.Room, env.Difficulty) {
		return errors.New("Unable to join room")
	}

	s.c.roomCode = env.RoomCode
	s.reply(joinedMessage{Type: "joined", Room: s.dir.Snapshot(env.RoomCode)})
	s.dir.BroadcastRoomUpdate(env.RoomCode)

	return nil
}

func (s *session) startGame(env clientEnvelope) error {
	if env.RoomCode == "" || env.Username == "" {
		return missingFields("startGame")
	}
	s.identify(env.Username)

	if !s.dir.StartGame(env.RoomCode, env.Username, env.Room, env.Difficulty) {
		return errors.New("Cannot start game")
	}

	s.dir.BroadcastGameStarted(env.RoomCode, "manual")

	return nil
}

func (s *session) setCapacity(env clientEnvelope) error {
	if env.RoomCode == "" || env.Username == "" || env.Capacity == nil {
		return missingFields("setCapacity")
	}
	s.identify(env.Username)

	s.dir.SetCapacity(env.RoomCode, env.Username, *env.Capacity)

	return nil
}

func (s *session) submitAnswer(env clientEnvelope) error {
	if env.RoomCode == "" || env.Username == "" || env.Answer == nil || env.ElapsedMs == nil {
		return missingFields("submitAnswer")
	}
	s.identify(env.Username)

	logf(s.cfg, "SERVE: User %q submitted answer in %dms", env.Username, *env.ElapsedMs)
	s.dir.SubmitAnswer(env.RoomCode, env.Username, *env.Answer, *env.ElapsedMs)

	return nil
}

func (s *session) reaction(env clientEnvelope) error {
	code := env.RoomCode
	if code == "" {
		code = s.c.roomCode
	}
	user := env.Username
	if user == "" {
		user = s.c.username
	}
	if code == "" || user == "" || env.Emoji == "" {
		return missingFields("reaction")
	}

	s.identify(user)
	// the binding follows the supplied code whether or not the sender ever
	// joined that room; rooms holding the old binding keep the sink until
	// it refuses a send
	s.c.roomCode = code

	s.dir.BroadcastEvent(code, reactionMessage{
		Type:     "reaction",
		Username: s.c.username,
		Emoji:    env.Emoji,
	})

	return nil
}

func (s *session) chat(env clientEnvelope) error {
	code := env.RoomCode
	if code == "" {
		code = s.c.roomCode
	}
	user := env.Username
	if user == "" {
		user = s.c.username
	}
	if code == "" || user == "" || env.Text == "" {
		return missingFields("chat")
	}

	s.identify(user)
	// binding follows the supplied code, membership or not, as in reaction
	s.c.roomCode = code

	s.dir.BroadcastEvent(code, chatEventMessage{
		Type:     "chat",
		Username: s.c.username,
		Text:     env.Text,
	})

	return nil
}

func (s *session) chatMessage(env clientEnvelope) error {
	if env.Chat == nil {
		return errors.New("missing chatMessage field")
	}

	s.identify(env.Chat.Sender)
	if env.RoomCode != "" {
		s.c.roomCode = env.RoomCode
	}

	msg := *env.Chat
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().Format(time.RFC3339)
	}

	switch msg.Type {
	case chatPublic:
		// no bound room means nowhere to deliver; dropped like the
		// private case below
		if s.c.roomCode != "" {
			s.dir.RoutePublicChat(s.c.roomCode, msg)
		}
	case chatPrivate:
		s.dir.RoutePrivateChat(msg)
	}

	return nil
}

func (s *session) getRoomState(env clientEnvelope) error {
	code := env.RoomCode
	if code == "" {
		code = s.c.roomCode
	}
	if code == "" {
		return errors.New("no room code provided")
	}

	s.reply(roomUpdateMessage{Type: "roomUpdate", Room: s.dir.Snapshot(code)})

	return nil
}

func (s *session) leaveRoom(env clientEnvelope) error {
	if env.RoomCode == "" || env.Username == "" {
		return missingFields("leaveRoom")
	}
	s.identify(env.Username)

	s.dir.Leave(env.RoomCode, env.Username)
	if s.c.roomCode == env.RoomCode && s.c.username == env.Username {
		s.c.roomCode = ""
	}

	return nil
}
