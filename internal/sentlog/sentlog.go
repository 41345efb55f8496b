package sentlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log records the Message-Id of every message we sent, together with its
// thread token, so replies arriving later can be recognized as ours.
// Entries are persisted to a file so they survive restarts.
type Log struct {
	mu   sync.Mutex
	ids  map[string]string // message id -> thread token
	file string
}

// Open loads (or creates) a sent log backed by filePath.
func Open(filePath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create sent log dir: %w", err)
	}

	l := &Log{
		ids:  make(map[string]string),
		file: filePath,
	}

	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("open sent log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, token, _ := strings.Cut(line, "\t")
		l.ids[id] = token
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sent log: %w", err)
	}

	return l, nil
}

// Record adds a sent message and appends it to disk.
func (l *Log) Record(messageID, threadToken string) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil
	}
	// Tabs and newlines would corrupt the line format.
	threadToken = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, threadToken)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.ids[messageID]; exists {
		return nil
	}

	// The entry is only remembered once it is on disk.
	f, err := os.OpenFile(l.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open sent log for append: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s\t%s\n", messageID, threadToken); err != nil {
		f.Close()
		return fmt.Errorf("write sent log entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close sent log: %w", err)
	}

	l.ids[messageID] = threadToken
	return nil
}

// Lookup reports whether messageID was sent by us and with which token.
func (l *Log) Lookup(messageID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token, ok := l.ids[strings.TrimSpace(messageID)]
	return token, ok
}

// Count returns the number of recorded messages.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}
