// Package audit keeps an append-only JSONL record of verification
// results. Entries are never rewritten; rotation happens by file.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Entry is one audit record. The payload is stored as raw JSON so the
// log does not depend on result shapes staying frozen.
type Entry struct {
	VerificationID string          `json:"verification_id"`
	Image          string          `json:"image"`
	Tier           string          `json:"tier,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Result         json.RawMessage `json:"result"`
	LLMReasoning   string          `json:"llm_reasoning,omitempty"`
}

// Log appends entries to a single JSONL file. Appends are whole-record
// under the mutex, so concurrent verifications cannot interleave lines.
type Log struct {
	mu   sync.Mutex
	path string
}

func NewLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	return &Log{path: path}, nil
}

// NewVerificationID derives an id from the image reference and start
// time, with a uuid fragment to disambiguate same-second runs.
func NewVerificationID(imageRef string, start time.Time) string {
	slug := strings.NewReplacer("/", "_", ":", "_", "@", "_").Replace(imageRef)
	return fmt.Sprintf("%s_%s_%s", slug, start.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// Append records one verification. The result payload is marshaled
// here so a failed marshal surfaces before anything touches the file.
func (l *Log) Append(entry Entry, result any) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if result != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("audit: marshal result: %w", err)
		}
		entry.Result = payload
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	log.Debug().Str("verification_id", entry.VerificationID).Str("image", entry.Image).Msg("audit entry recorded")
	return nil
}

// List returns entries in append order. imageFilter narrows by
// substring match on the image reference; latestOnly keeps only the
// newest entry per image.
func (l *Log) List(imageFilter string, latestOnly bool) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn trailing line from a crashed writer is skipped,
			// not fatal.
			log.Warn().Err(err).Msg("audit: skipping unparseable entry")
			continue
		}
		if imageFilter != "" && !strings.Contains(entry.Image, imageFilter) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}

	if latestOnly {
		entries = latestPerImage(entries)
	}
	return entries, nil
}

func latestPerImage(entries []Entry) []Entry {
	latest := make(map[string]int)
	for i, entry := range entries {
		latest[entry.Image] = i
	}
	var out []Entry
	for i, entry := range entries {
		if latest[entry.Image] == i {
			out = append(out, entry)
		}
	}
	return out
}
