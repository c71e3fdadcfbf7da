/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

// Flat-file result stores, consulted only at game end. scores.json keeps
// each player's personal best; leaderboard.json accumulates per-player play
// history, including an escape record for every game whose final score
// reached the threshold.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ResultRecorder receives one call per player when a game completes.
type ResultRecorder interface {
	Record(username string, score int, category, difficulty string, elapsed time.Duration)
}

// PlayerScore is one entry in scores.json: a player's best game so far.
type PlayerScore struct {
	Player      string    `json:"player"`
	Score       int       `json:"score"`
	TimeSeconds int64     `json:"timeSeconds"`
	Date        time.Time `json:"date"`
}

// EscapeRecord marks one game in which a player cleared the threshold.
type EscapeRecord struct {
	Room        string    `json:"room"`
	Level       string    `json:"level"`
	Score       int       `json:"score"`
	Multiplayer bool      `json:"multiplayer"`
	When        time.Time `json:"when"`
}

// PlayerStats is one entry in leaderboard.json.
type PlayerStats struct {
	Username   string         `json:"username"`
	SoloPlays  int            `json:"soloPlays"`
	MultiPlays int            `json:"multiPlays"`
	Escapes    []EscapeRecord `json:"escapes"`
}

type fileRecorder struct {
	cfg *Config

	mu              sync.Mutex
	scoresPath      string
	leaderboardPath string
}

func newFileRecorder(cfg *Config, dataDir string) (*fileRecorder, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return &fileRecorder{
		cfg:             cfg,
		scoresPath:      filepath.Join(dataDir, "scores.json"),
		leaderboardPath: filepath.Join(dataDir, "leaderboard.json"),
	}, nil
}

// Record upserts the player's best score and appends to their play history.
// Store errors are logged and swallowed; losing a leaderboard write must not
// disturb the game that just ended.
func (f *fileRecorder) Record(username string, score int, category, difficulty string, elapsed time.Duration) {
	if username == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.recordBest(username, score, elapsed); err != nil {
		logf(f.cfg, "STORE: updating %s: %v", f.scoresPath, err)
	}
	if err := f.recordGame(username, score, category, difficulty); err != nil {
		logf(f.cfg, "STORE: updating %s: %v", f.leaderboardPath, err)
	}
}

func (f *fileRecorder) recordBest(username string, score int, elapsed time.Duration) error {
	var scores []PlayerScore
	if err := readJSONFile(f.scoresPath, &scores); err != nil {
		return err
	}

	entry := PlayerScore{
		Player:      username,
		Score:       score,
		TimeSeconds: int64(elapsed.Seconds()),
		Date:        time.Now(),
	}

	found := false
	for i := range scores {
		if strings.EqualFold(scores[i].Player, username) {
			if score > scores[i].Score {
				scores[i] = entry
			}
			found = true
			break
		}
	}
	if !found {
		scores = append(scores, entry)
	}

	return writeJSONFile(f.scoresPath, scores)
}

func (f *fileRecorder) recordGame(username string, score int, category, difficulty string) error {
	var all []PlayerStats
	if err := readJSONFile(f.leaderboardPath, &all); err != nil {
		return err
	}

	idx := -1
	for i := range all {
		if strings.EqualFold(all[i].Username, username) {
			idx = i
			break
		}
	}
	if idx == -1 {
		all = append(all, PlayerStats{Username: username})
		idx = len(all) - 1
	}

	all[idx].MultiPlays++
	if score >= escapeThreshold {
		all[idx].Escapes = append(all[idx].Escapes, EscapeRecord{
			Room:        category,
			Level:       difficulty,
			Score:       score,
			Multiplayer: true,
			When:        time.Now(),
		})
	}

	return writeJSONFile(f.leaderboardPath, all)
}

// TopScores returns up to limit best scores, highest first.
func (f *fileRecorder) TopScores(limit int) ([]PlayerScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var scores []PlayerScore
	if err := readJSONFile(f.scoresPath, &scores); err != nil {
		return nil, err
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Player < scores[j].Player
	})

	if len(scores) > limit {
		scores = scores[:limit]
	}

	return scores, nil
}

// readJSONFile decodes path into out, treating a missing or empty file as an
// empty collection so first use needs no setup.
func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	return json.Unmarshal(data, out)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
