// Quizbox room directory
//
// The directory is the process-wide registry of active rooms, keyed by
// 6-digit code. It owns code generation, join-compatibility checks, the
// auto-start policy, and cross-room chat routing. One instance is built at
// startup and handed to every connection handler; there is no package-level
// state.

package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// window between the "starting soon" notice and the auto-start re-check
const autoStartDelay = 3 * time.Second

type Directory struct {
	cfg      *Config
	puzzles  PuzzleProvider
	recorder ResultRecorder

	mu    sync.Mutex
	rooms map[string]*room
}

func newDirectory(cfg *Config, puzzles PuzzleProvider, recorder ResultRecorder) *Directory {
	return &Directory{
		cfg:      cfg,
		puzzles:  puzzles,
		recorder: recorder,
		rooms:    make(map[string]*room),
	}
}

// CreateRoom registers a new room under a fresh code, with host as its sole
// member. Codes are random 6-digit strings, retried on collision; a code is
// reusable once its room is deleted.
func (d *Directory) CreateRoom(host string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var code string
	for {
		code = fmt.Sprintf("%06d", rand.Intn(1_000_000))
		if _, exists := d.rooms[code]; !exists {
			break
		}
	}

	d.rooms[code] = newRoom(d.cfg, code, host, d.recordResult)
	logf(d.cfg, "ROOMS: Room %s created with host %q", code, host)

	return code
}

func (d *Directory) lookup(code string) *room {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rooms[code]
}

// RoomExists reports whether a code currently maps to a room.
func (d *Directory) RoomExists(code string) bool {
	return d.lookup(code) != nil
}

// BindClient attaches an outbound sink to an existing member, such as the
// host right after CreateRoom.
func (d *Directory) BindClient(code, username string, c *client) {
	if r := d.lookup(code); r != nil {
		r.bindClient(username, c)
	}
}

// SetSelection stores the room's category/difficulty. Empty values leave the
// current setting untouched; the host's settings remain authoritative.
func (d *Directory) SetSelection(code, category, difficulty string) {
	if r := d.lookup(code); r != nil {
		r.setSelection(category, difficulty)
	}
}

// Settings returns the configured category and difficulty for a room.
func (d *Directory) Settings(code string) (category, difficulty string, ok bool) {
	r := d.lookup(code)
	if r == nil {
		return "", "", false
	}
	category, difficulty = r.settings()
	return category, difficulty, true
}

// CheckJoinAllowed returns a human-readable rejection reason, or the empty
// string when the user may join.
func (d *Directory) CheckJoinAllowed(code, username string) string {
	r := d.lookup(code)
	if r == nil {
		return "Room not found"
	}
	return r.checkJoinAllowed(username)
}

// JoinRoom adds a player to a room. A join carrying a category or difficulty
// differing from the room's configuration is rejected; a successful join
// triggers the auto-start evaluation.
func (d *Directory) JoinRoom(code, username string, c *client, category, difficulty string) bool {
	r := d.lookup(code)
	if r == nil {
		logf(d.cfg, "ROOMS: Room %s not found for user %q", code, username)
		return false
	}

	roomCategory, roomDifficulty := r.settings()
	if category != "" && category != roomCategory {
		logf(d.cfg, "ROOMS: Join rejected for %q: category mismatch (%q vs %q)", username, category, roomCategory)
		return false
	}
	if difficulty != "" && difficulty != roomDifficulty {
		logf(d.cfg, "ROOMS: Join rejected for %q: difficulty mismatch (%q vs %q)", username, difficulty, roomDifficulty)
		return false
	}

	if !r.addPlayer(username, c) {
		return false
	}

	logf(d.cfg, "ROOMS: User %q joined room %s (%d players)", username, code, r.playerCount())
	d.maybeAutoStart(code)

	return true
}

// Leave removes the player and deletes the room the moment it empties,
// regardless of game state. Non-empty rooms get a fresh snapshot broadcast.
func (d *Directory) Leave(code, username string) {
	r := d.lookup(code)
	if r == nil {
		return
	}

	r.removePlayer(username)

	if r.isEmpty() {
		d.mu.Lock()
		delete(d.rooms, code)
		d.mu.Unlock()
		logf(d.cfg, "ROOMS: Room %s deleted (empty)", code)
		return
	}

	logf(d.cfg, "ROOMS: User %q left room %s (remaining: %d)", username, code, r.playerCount())
	d.BroadcastRoomUpdate(code)
}

// StartGame selects and installs the question sequence and flips the room to
// inProgress. Only the host may start, and only once membership has reached
// the desired capacity. The caller follows up with BroadcastGameStarted.
func (d *Directory) StartGame(code, host, category, difficulty string) bool {
	r := d.lookup(code)
	if r == nil {
		return false
	}
	if !r.isHost(host) {
		return false
	}
	if r.playerCount() < r.capacity() {
		return false
	}

	r.setSelection(category, difficulty)
	roomCategory, roomDifficulty := r.settings()

	questions, err := d.puzzles.Select(roomCategory, roomDifficulty, questionLimit)
	if err != nil {
		logf(d.cfg, "ROOMS: Room %s: loading puzzles: %v", code, err)
		return false
	}
	if len(questions) == 0 {
		logf(d.cfg, "ROOMS: Room %s: no puzzles available, cannot start", code)
		return false
	}

	if !r.start(questions) {
		return false
	}

	logf(d.cfg, "ROOMS: Game started in room %s by %q with %d players", code, host, r.playerCount())

	return true
}

// SetCapacity lets the host change the desired capacity (clamped to 2-4),
// then notifies the room and arms an auto-start if the threshold is already
// met.
func (d *Directory) SetCapacity(code, host string, capacity int) {
	r := d.lookup(code)
	if r == nil || !r.isHost(host) {
		return
	}

	capacity = r.setCapacity(capacity)
	logf(d.cfg, "ROOMS: Host %q set capacity for room %s to %d", host, code, capacity)

	d.BroadcastRoomUpdate(code)
	d.broadcastGameStarting(code, fmt.Sprintf(
		"Host set players needed to %d. Click 'Back' to leave, otherwise the game will auto-start when the room reaches %d.",
		capacity, capacity))

	if r.readyToStart() {
		startRoundTimer(autoStartDelay, func() {
			d.autoStart(code, "autoCapacityChange")
		})
	}
}

// SubmitAnswer routes an answer to the room's round engine.
func (d *Directory) SubmitAnswer(code, username, answer string, elapsedMs int64) {
	if r := d.lookup(code); r != nil {
		r.submitAnswer(username, answer, elapsedMs)
	}
}

// Snapshot returns the current room view; unknown codes yield a snapshot
// carrying only the code, mirroring what clients already tolerate.
func (d *Directory) Snapshot(code string) RoomSnapshot {
	r := d.lookup(code)
	if r == nil {
		return RoomSnapshot{Code: code}
	}
	return r.snapshot()
}

func (d *Directory) BroadcastRoomUpdate(code string) {
	r := d.lookup(code)
	if r == nil {
		return
	}
	r.broadcast(roomUpdateMessage{Type: "roomUpdate", Room: r.snapshot()})
}

func (d *Directory) broadcastGameStarting(code, message string) {
	if r := d.lookup(code); r != nil {
		r.broadcast(gameStartingMessage{Type: "gameStarting", Message: message})
	}
}

// BroadcastGameStarted announces the start and schedules the first question
// after a short delay so clients can switch scenes and register handlers.
func (d *Directory) BroadcastGameStarted(code, reason string) {
	r := d.lookup(code)
	if r == nil {
		return
	}

	r.broadcast(gameStartedMessage{Type: "gameStarted", RoomCode: code, Reason: reason})
	r.scheduleFirstQuestion()
}

// BroadcastEvent fans a prebuilt message out to a room, for broadcast-only
// events like reactions and preset chat lines.
func (d *Directory) BroadcastEvent(code string, msg any) {
	if r := d.lookup(code); r != nil {
		r.broadcast(msg)
	}
}

// maybeAutoStart announces a pending start whenever membership reaches the
// desired capacity while the room is still waiting, then re-checks after the
// grace window so a departure during the countdown cancels the start.
func (d *Directory) maybeAutoStart(code string) {
	r := d.lookup(code)
	if r == nil || !r.readyToStart() {
		return
	}

	target := r.capacity()
	logf(d.cfg, "ROOMS: Room %s reached capacity (%d), starting in %s", code, target, autoStartDelay)
	d.broadcastGameStarting(code, fmt.Sprintf(
		"Required players joined (%d). Game starts in 3 seconds unless someone clicks Back.", target))

	startRoundTimer(autoStartDelay, func() {
		d.autoStart(code, "autoCapacity")
	})
}

func (d *Directory) autoStart(code, reason string) {
	r := d.lookup(code)
	if r == nil || !r.readyToStart() {
		return
	}
	if d.StartGame(code, r.host, "", "") {
		d.BroadcastGameStarted(code, reason)
	}
}

// RoutePublicChat delivers a chat message to every member of the sender's
// room except the sender.
func (d *Directory) RoutePublicChat(code string, msg ChatMessage) {
	r := d.lookup(code)
	if r == nil {
		return
	}

	logf(d.cfg, "CHAT: %q to room %s", msg.Sender, code)
	r.broadcastExcept(chatRelayMessage{Type: "chatMessage", Chat: msg}, msg.Sender)
}

// RoutePrivateChat finds the receiver's room by membership scan and delivers
// to that one connection. A receiver in no room means the message is
// silently dropped.
func (d *Directory) RoutePrivateChat(msg ChatMessage) {
	d.mu.Lock()
	var target *room
	for _, r := range d.rooms {
		if r.hasMember(msg.Receiver) {
			target = r
			break
		}
	}
	d.mu.Unlock()

	if target == nil {
		logf(d.cfg, "CHAT: Receiver %q not found in any room", msg.Receiver)
		return
	}

	logf(d.cfg, "CHAT: private %q -> %q", msg.Sender, msg.Receiver)
	target.sendTo(msg.Receiver, chatRelayMessage{Type: "chatMessage", Chat: msg})
}

// recordResult persists every player's final score once a game completes.
func (d *Directory) recordResult(res gameResult) {
	if d.recorder == nil {
		return
	}

	for username, score := range res.Scores {
		d.recorder.Record(username, score, res.Category, res.Difficulty, res.Duration)
	}
	logf(d.cfg, "ROOMS: Room %s: recorded results for %d players", res.Code, len(res.Scores))
}
