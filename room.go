// Quizbox room engine
//
// A room owns one game session: its membership, question sequence, scores,
// and round state machine. Rooms move waiting → inProgress → completed; a
// completed room persists (and can still be left) until its last member
// leaves, at which point the directory deletes it.
//
// Every mutation goes through the room mutex. The two round-finalization
// triggers (last player answered, round timer expired) both take that mutex
// and consult a per-round sequence number plus a finalized flag, so each
// round is finalized exactly once even when the triggers race.

package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	maxRoomSize       = 4
	defaultCapacity   = 2
	defaultCategory   = "Riddle Chamber"
	defaultDifficulty = "Easy"

	questionLimit   = 10
	escapeThreshold = 50

	// pause after the final answer so the last submitter sees their result
	advanceGrace = 3 * time.Second
	// pause after gameStarted so clients can load the game scene
	firstQuestionDelay = 500 * time.Millisecond
	speedBonusWindow   = 10 * time.Second
)

type roomPhase string

const (
	phaseWaiting    roomPhase = "waiting"
	phaseInProgress roomPhase = "inProgress"
	phaseCompleted  roomPhase = "completed"
)

// gameResult describes one finished game for the result recorder.
type gameResult struct {
	Code       string
	Category   string
	Difficulty string
	Scores     map[string]int
	Duration   time.Duration
}

type room struct {
	code string
	host string
	cfg  *Config

	// onComplete runs once, off the room lock, when the last question ends.
	onComplete func(gameResult)

	mu              sync.Mutex
	phase           roomPhase
	members         map[string]bool
	sinks           map[string]*client
	category        string
	difficulty      string
	desiredCapacity int
	questions       []Puzzle
	currentIndex    int
	scores          map[string]int
	startedAt       time.Time

	// per-round state; roundSeq invalidates callbacks from earlier rounds
	roundSeq  int
	answered  map[string]bool
	correct   map[string]bool
	finalized bool
	timer     *roundTimer
}

func newRoom(cfg *Config, code, host string, onComplete func(gameResult)) *room {
	r := &room{
		code:            code,
		host:            host,
		cfg:             cfg,
		onComplete:      onComplete,
		phase:           phaseWaiting,
		members:         map[string]bool{host: true},
		sinks:           make(map[string]*client),
		category:        defaultCategory,
		difficulty:      defaultDifficulty,
		desiredCapacity: defaultCapacity,
		currentIndex:    -1,
		scores:          map[string]int{host: 0},
		answered:        make(map[string]bool),
		correct:         make(map[string]bool),
	}

	return r
}

// checkJoinAllowed returns a human-readable reason the user cannot join, or
// the empty string if the join would be accepted.
func (r *room) checkJoinAllowed(username string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.phase == phaseInProgress:
		return "Game already in progress."
	case r.members[username]:
		return "You are already in this room."
	case len(r.members) >= maxRoomSize:
		return fmt.Sprintf("Room is full (%d/%d players).", maxRoomSize, maxRoomSize)
	}

	return ""
}

func (r *room) addPlayer(username string, c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != phaseWaiting || len(r.members) >= maxRoomSize || r.members[username] {
		return false
	}

	r.members[username] = true
	if c != nil {
		r.sinks[username] = c
	}
	if _, ok := r.scores[username]; !ok {
		r.scores[username] = 0
	}

	return true
}

// bindClient attaches an outbound sink for a user who is already a member,
// such as the host right after room creation.
func (r *room) bindClient(username string, c *client) {
	if c == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sinks[username] = c
}

// removePlayer drops membership and the sink binding. The scores entry is
// kept for the lifetime of the room so a rejoining player resumes their
// total, and so final results include everyone who ever played.
func (r *room) removePlayer(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members, username)
	delete(r.sinks, username)
}

func (r *room) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.members) == 0
}

func (r *room) playerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.members)
}

func (r *room) isHost(username string) bool {
	return r.host == username
}

func (r *room) hasMember(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.members[username]
}

func (r *room) setSelection(category, difficulty string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if category != "" {
		r.category = category
	}
	if difficulty != "" {
		r.difficulty = difficulty
	}
}

func (r *room) settings() (category, difficulty string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.category, r.difficulty
}

func (r *room) capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.desiredCapacity
}

func (r *room) setCapacity(n int) int {
	if n < 2 {
		n = 2
	}
	if n > maxRoomSize {
		n = maxRoomSize
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.desiredCapacity = n

	return n
}

// readyToStart reports whether the room is still eligible for auto-start.
// Re-checked after the grace window so a room that lost a player during the
// countdown does not start short-handed.
func (r *room) readyToStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.phase == phaseWaiting && len(r.members) >= r.desiredCapacity
}

func (r *room) snapshot() RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RoomSnapshot{
		Code:     r.code,
		Host:     r.host,
		Capacity: r.desiredCapacity,
		CanStart: len(r.members) >= r.desiredCapacity && r.phase != phaseInProgress,
		Players:  r.playerNamesLocked(),
	}
}

// start installs the question sequence and flips the room to inProgress.
// The first question is broadcast separately, after firstQuestionDelay.
func (r *room) start(questions []Puzzle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != phaseWaiting || len(questions) == 0 {
		return false
	}

	r.questions = questions
	r.phase = phaseInProgress
	r.currentIndex = 0
	r.startedAt = time.Now()

	return true
}

// scheduleFirstQuestion begins round one after the client-load delay.
func (r *room) scheduleFirstQuestion() {
	startRoundTimer(firstQuestionDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.phase != phaseInProgress || r.roundSeq != 0 {
			return
		}
		r.beginRoundLocked(true)
	})
}

func (r *room) currentQuestionLocked() *Puzzle {
	if r.currentIndex < 0 || r.currentIndex >= len(r.questions) {
		return nil
	}
	return &r.questions[r.currentIndex]
}

// beginRoundLocked resets per-round state, broadcasts the question, and arms
// the round deadline. The first question goes out as "question"; later ones
// as "nextQuestion" with the richer field set deployed clients expect.
func (r *room) beginRoundLocked(first bool) {
	r.roundSeq++
	seq := r.roundSeq
	r.answered = make(map[string]bool)
	r.correct = make(map[string]bool)
	r.finalized = false

	q := r.currentQuestionLocked()
	timeSec := questionTime(r.difficulty)

	if first {
		text := "No question available for selected room/difficulty."
		if q != nil {
			text = q.Question
		} else {
			timeSec = 3
		}
		r.broadcastLocked(questionMessage{
			Type:    "question",
			Index:   r.currentIndex + 1,
			Total:   len(r.questions),
			Text:    text,
			TimeSec: timeSec,
		})
	} else {
		r.broadcastLocked(nextQuestionMessage{
			Type:           "nextQuestion",
			Index:          r.currentIndex + 1,
			Total:          len(r.questions),
			QuestionIndex:  r.currentIndex,
			TotalQuestions: len(r.questions),
			Question:       q.Question,
			Difficulty:     q.Difficulty,
			Room:           q.Room,
			TimeSec:        timeSec,
		})
	}

	logf(r.cfg, "GAME: Room %s question %d/%d (%ds window)",
		r.code, r.currentIndex+1, len(r.questions), timeSec)

	r.timer.cancel()
	r.timer = startRoundTimer(time.Duration(timeSec)*time.Second, func() {
		r.roundExpired(seq)
	})
}

// submitAnswer scores one player's answer for the current round. Repeat
// submissions within a round are ignored, as are submissions from users who
// are not members or arrive with no question pending.
func (r *room) submitAnswer(username, answer string, elapsedMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != phaseInProgress || !r.members[username] {
		return
	}
	q := r.currentQuestionLocked()
	if q == nil {
		return
	}
	if r.answered[username] {
		logf(r.cfg, "GAME: Room %s: %q already answered this round", r.code, username)
		return
	}
	r.answered[username] = true

	correct := answersMatch(q.Answer, answer)
	delta := -5
	if correct {
		delta = rankScore(len(r.correct) + 1)
		r.correct[username] = true
	}
	r.scores[username] += delta

	logf(r.cfg, "GAME: Room %s: %q answered %s (%+d, total %d)",
		r.code, username, map[bool]string{true: "correctly", false: "incorrectly"}[correct], delta, r.scores[username])

	r.trySendLocked(username, answerResultMessage{
		Type:       "answerResult",
		Username:   username,
		Correct:    correct,
		ScoreDelta: delta,
	})
	r.broadcastLocked(scoreUpdateMessage{
		Type:   "scoreUpdate",
		Scores: r.scoreListLocked(),
	})

	if len(r.answered) >= len(r.members) && !r.finalized {
		r.timer.cancel()
		r.finalizeLocked(time.Duration(elapsedMs) * time.Millisecond)

		seq := r.roundSeq
		startRoundTimer(advanceGrace, func() {
			r.advanceAfterGrace(seq)
		})
	}
}

// finalizeLocked applies the team bonuses for the ending round and
// broadcasts the breakdown. Runs at most once per round.
func (r *room) finalizeLocked(roundDuration time.Duration) {
	if r.finalized {
		return
	}
	r.finalized = true

	count := len(r.members)
	unanimous := count > 0 && len(r.answered) == count && len(r.correct) == count
	speedy := len(r.correct) > 0 && roundDuration <= speedBonusWindow

	bonus := 0
	if unanimous {
		bonus += 2
	}
	if speedy {
		bonus += 5
	}
	if bonus > 0 {
		for name := range r.members {
			r.scores[name] += bonus
		}
	}

	r.broadcastLocked(teamScoreUpdateMessage{
		Type:      "teamScoreUpdate",
		Unanimous: unanimous,
		TimeBonus: speedy,
		Scores:    r.scoreListLocked(),
	})
}

// roundExpired is the timer path: finalize with the measured round duration
// and move on immediately. Stale timers from earlier rounds are ignored.
func (r *room) roundExpired(seq int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq != r.roundSeq || r.finalized || r.phase != phaseInProgress {
		return
	}

	logf(r.cfg, "GAME: Room %s: time's up for question %d", r.code, r.currentIndex+1)
	r.finalizeLocked(r.timer.elapsed())
	if r.advanceLocked() {
		r.beginRoundLocked(false)
	}
}

func (r *room) advanceAfterGrace(seq int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq != r.roundSeq || r.phase != phaseInProgress {
		return
	}
	if r.advanceLocked() {
		r.beginRoundLocked(false)
	}
}

// advanceLocked moves to the next question, or ends the game when the
// sequence is exhausted: completed phase, gameOver broadcast, and the
// completion hook with a copy of the final scores.
func (r *room) advanceLocked() bool {
	r.currentIndex++
	if r.currentIndex < len(r.questions) {
		return true
	}

	r.phase = phaseCompleted
	r.timer.cancel()
	r.broadcastLocked(gameOverMessage{
		Type:      "gameOver",
		Scores:    r.scoreListLocked(),
		Threshold: escapeThreshold,
	})

	if r.onComplete != nil {
		scores := make(map[string]int, len(r.members))
		for name := range r.members {
			scores[name] = r.scores[name]
		}
		result := gameResult{
			Code:       r.code,
			Category:   r.category,
			Difficulty: r.difficulty,
			Scores:     scores,
			Duration:   time.Since(r.startedAt),
		}
		go r.onComplete(result)
	}

	return false
}

func (r *room) playerNamesLocked() []string {
	names := make([]string, 0, len(r.members))
	for name := range r.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scoreListLocked reports current members only, ordered by username.
func (r *room) scoreListLocked() []ScoreEntry {
	entries := make([]ScoreEntry, 0, len(r.members))
	for _, name := range r.playerNamesLocked() {
		entries = append(entries, ScoreEntry{Username: name, Score: r.scores[name]})
	}
	return entries
}

// trySendLocked delivers without blocking; a sink whose buffer is full or
// whose connection has closed is treated as dead and unbound so it cannot
// stall delivery to the others.
func (r *room) trySendLocked(username string, msg any) {
	c, ok := r.sinks[username]
	if !ok {
		return
	}

	if !c.trySend(msg) {
		delete(r.sinks, username)
		logf(r.cfg, "GAME: Room %s: dropped stalled sink for %q", r.code, username)
	}
}

func (r *room) broadcastLocked(msg any) {
	for username := range r.sinks {
		r.trySendLocked(username, msg)
	}
}

func (r *room) broadcast(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcastLocked(msg)
}

func (r *room) broadcastExcept(msg any, exclude string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for username := range r.sinks {
		if username == exclude {
			continue
		}
		r.trySendLocked(username, msg)
	}
}

func (r *room) sendTo(username string, msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trySendLocked(username, msg)
}

// rankScore rewards correct answers by submission order within a round:
// first 10, second 8, third 6, everyone after 4.
func rankScore(nth int) int {
	switch nth {
	case 1:
		return 10
	case 2:
		return 8
	case 3:
		return 6
	default:
		return 4
	}
}

// answersMatch compares canonical forms: case and all non-alphanumeric
// characters are ignored. An empty expected answer never matches.
func answersMatch(expected, given string) bool {
	e := normalizeAnswer(expected)
	return e != "" && e == normalizeAnswer(given)
}

func normalizeAnswer(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
