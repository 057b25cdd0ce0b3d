package ledger

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// FileLedger appends events to a JSONL file, one fsynced line per event.
type FileLedger struct {
	mu   sync.Mutex
	file *os.File
	path string
	seq  uint64
}

func NewFileLedger(path string) (*FileLedger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	l := &FileLedger{
		file: file,
		path: path,
	}

	// Resume the sequence counter past anything already on disk.
	events, err := l.readAll()
	if err != nil {
		file.Close()
		return nil, err
	}
	for _, event := range events {
		if event.Seq > l.seq {
			l.seq = event.Seq
		}
	}

	return l, nil
}

var _ Ledger = (*FileLedger)(nil)

func (l *FileLedger) Append(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	event.Seq = l.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return &WriteError{Err: err}
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return &WriteError{Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return &WriteError{Err: err}
	}

	return nil
}

func (l *FileLedger) Replay(sessionID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, event := range all {
		if event.SessionID == sessionID {
			events = append(events, event)
		}
	}
	return events, nil
}

// OpenSessions returns every session with a start event but no terminal
// event. After a restart these are orphans: their media handles are gone
// and they must be force-terminated.
func (l *FileLedger) OpenSessions() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.readAll()
	if err != nil {
		return nil, err
	}

	started := make(map[string]bool)
	ended := make(map[string]bool)
	var order []string

	for _, event := range all {
		if event.SessionID == "" {
			continue
		}
		if event.Kind == KindSessionStarted && !started[event.SessionID] {
			started[event.SessionID] = true
			order = append(order, event.SessionID)
		}
		if event.Terminal() {
			ended[event.SessionID] = true
		}
	}

	var open []string
	for _, sessionID := range order {
		if !ended[sessionID] {
			open = append(open, sessionID)
		}
	}
	return open, nil
}

func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// =====================================================================================================================

func (l *FileLedger) readAll() ([]Event, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var events []Event

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, scanner.Err()
}
