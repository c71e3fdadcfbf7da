package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Puzzle is one question record from the puzzle bank. The bank is read-only
// to the game core; editing it is a separate concern.
type Puzzle struct {
	ID         int    `json:"id"`
	Room       string `json:"room"` // category, e.g. "Riddle Chamber"
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Difficulty string `json:"difficulty"`
}

// PuzzleProvider selects a shuffled question sequence for a game.
type PuzzleProvider interface {
	Select(category, difficulty string, limit int) ([]Puzzle, error)
}

// PuzzleStore reads puzzles from <dataDir>/puzzles.json. The file is
// reloaded on every Select so edits land without a restart.
type PuzzleStore struct {
	mu   sync.Mutex
	path string
}

func newPuzzleStore(dataDir string) (*PuzzleStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dataDir, "puzzles.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("seeding %s: %w", path, err)
		}
	}

	return &PuzzleStore{path: path}, nil
}

func (s *PuzzleStore) load() ([]Puzzle, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var puzzles []Puzzle
	if err := json.Unmarshal(data, &puzzles); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}

	return puzzles, nil
}

// Select returns up to limit puzzles matching category and difficulty, in
// random order. When the strict filter matches nothing it falls back to any
// puzzle of the requested difficulty, and failing that to the whole bank, so
// a sparsely populated category still yields a playable game.
func (s *PuzzleStore) Select(category, difficulty string, limit int) ([]Puzzle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}

	filtered := filterPuzzles(all, category, difficulty)
	if len(filtered) == 0 {
		filtered = filterPuzzles(all, "", difficulty)
	}
	if len(filtered) == 0 {
		filtered = append(filtered, all...)
	}

	rand.Shuffle(len(filtered), func(i, j int) {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	})

	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return filtered, nil
}

func filterPuzzles(all []Puzzle, category, difficulty string) []Puzzle {
	var out []Puzzle
	for _, p := range all {
		if category != "" && p.Room != category {
			continue
		}
		if difficulty != "" && p.Difficulty != difficulty {
			continue
		}
		out = append(out, p)
	}
	return out
}

// questionTime maps a difficulty to its per-question answer window in
// seconds. Unrecognized difficulties get the easy budget.
func questionTime(difficulty string) int {
	switch strings.ToLower(difficulty) {
	case "medium":
		return 120
	case "hard":
		return 150
	default:
		return 90
	}
}
