package main

// One UTF-8 JSON object per line, in both directions. Every message carries
// a "type" discriminator; inbound messages missing one are answered with an
// error reply and the connection stays open.

// clientEnvelope is the superset of all inbound message shapes. Pointer
// fields distinguish "absent" from zero for required-field checks.
type clientEnvelope struct {
	Type       string       `json:"type"`                 // message discriminator
	Username   string       `json:"username,omitempty"`   // display name, binds connection identity on first use
	RoomCode   string       `json:"roomCode,omitempty"`   // 6-digit room code
	Room       string       `json:"room,omitempty"`       // puzzle category ("Riddle Chamber", "Math Quiz", ...)
	Difficulty string       `json:"difficulty,omitempty"` // "Easy", "Medium" or "Hard"
	Capacity   *int         `json:"capacity,omitempty"`   // setCapacity
	Answer     *string      `json:"answer,omitempty"`     // submitAnswer
	ElapsedMs  *int64       `json:"elapsedMs,omitempty"`  // submitAnswer
	Emoji      string       `json:"emoji,omitempty"`      // reaction
	Text       string       `json:"text,omitempty"`       // chat
	Chat       *ChatMessage `json:"chatMessage,omitempty"`
}

// ChatMessage is carried inside chatMessage envelopes in both directions.
type ChatMessage struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	Content   string `json:"content"`
	Type      string `json:"type"` // "PUBLIC", "PRIVATE" or "SYSTEM"
	Timestamp string `json:"timestamp,omitempty"`
}

const (
	chatPublic  = "PUBLIC"
	chatPrivate = "PRIVATE"
)

// ScoreEntry pairs a username with its current room score. Score lists are
// ordered by username so clients render them stably.
type ScoreEntry struct {
	Username string `json:"username"`
	Score    int    `json:"score"`
}

// RoomSnapshot is the room view sent in joined and roomUpdate messages.
type RoomSnapshot struct {
	Code     string   `json:"code"`
	Host     string   `json:"host,omitempty"`
	Capacity int      `json:"capacity,omitempty"`
	CanStart bool     `json:"canStart"`
	Players  []string `json:"players,omitempty"`
}

type pongMessage struct {
	Type string `json:"type"` // "pong"
}

type errorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type roomCreatedMessage struct {
	Type     string `json:"type"` // "roomCreated"
	RoomCode string `json:"roomCode"`
}

type joinedMessage struct {
	Type string       `json:"type"` // "joined"
	Room RoomSnapshot `json:"room"`
}

type roomUpdateMessage struct {
	Type string       `json:"type"` // "roomUpdate"
	Room RoomSnapshot `json:"room"`
}

// gameStartingMessage announces the auto-start grace window so players can
// still back out before the first question is sent.
type gameStartingMessage struct {
	Type    string `json:"type"` // "gameStarting"
	Message string `json:"message"`
}

type gameStartedMessage struct {
	Type     string `json:"type"` // "gameStarted"
	RoomCode string `json:"roomCode"`
	Reason   string `json:"reason,omitempty"` // "manual", "autoCapacity" or "autoCapacityChange"
}

// questionMessage carries the first question of a game.
type questionMessage struct {
	Type    string `json:"type"` // "question"
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Text    string `json:"text"`
	TimeSec int    `json:"timeSec"`
}

// nextQuestionMessage carries every subsequent question. It duplicates the
// index fields under legacy names because deployed clients read either.
type nextQuestionMessage struct {
	Type           string `json:"type"` // "nextQuestion"
	Index          int    `json:"index"`
	Total          int    `json:"total"`
	QuestionIndex  int    `json:"questionIndex"`
	TotalQuestions int    `json:"totalQuestions"`
	Question       string `json:"question"`
	Difficulty     string `json:"difficulty"`
	Room           string `json:"room"`
	TimeSec        int    `json:"timeSec"`
}

// answerResultMessage is unicast to the submitter only.
type answerResultMessage struct {
	Type       string `json:"type"` // "answerResult"
	Username   string `json:"username"`
	Correct    bool   `json:"correct"`
	ScoreDelta int    `json:"scoreDelta"`
}

type scoreUpdateMessage struct {
	Type   string       `json:"type"` // "scoreUpdate"
	Scores []ScoreEntry `json:"scores"`
}

// teamScoreUpdateMessage reports the end-of-round bonus breakdown.
type teamScoreUpdateMessage struct {
	Type      string       `json:"type"` // "teamScoreUpdate"
	Unanimous bool         `json:"unanimous"`
	TimeBonus bool         `json:"timeBonus"`
	Scores    []ScoreEntry `json:"scores"`
}

type gameOverMessage struct {
	Type      string       `json:"type"` // "gameOver"
	Scores    []ScoreEntry `json:"scores"`
	Threshold int          `json:"threshold"`
}

type chatRelayMessage struct {
	Type string      `json:"type"` // "chatMessage"
	Chat ChatMessage `json:"chatMessage"`
}

type reactionMessage struct {
	Type     string `json:"type"` // "reaction"
	Username string `json:"username"`
	Emoji    string `json:"emoji"`
}

type chatEventMessage struct {
	Type     string `json:"type"` // "chat"
	Username string `json:"username"`
	Text     string `json:"text"`
}
