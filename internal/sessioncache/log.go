package sessioncache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/arawn/arawn/pkg/models"
)

// workstreamLog is an append-only, JSON-lines, fsync'd record of one
// session's turns. A session's workstream id names the file; reopening the
// same id replays its history via load.
type workstreamLog struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func workstreamPath(dir, workstreamID string) string {
	return filepath.Join(dir, workstreamID+".jsonl")
}

// openWorkstreamLog opens (creating if needed) the append log for
// workstreamID under dir.
func openWorkstreamLog(dir, workstreamID string) (*workstreamLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workstream directory: %w", err)
	}
	f, err := os.OpenFile(workstreamPath(dir, workstreamID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open workstream log: %w", err)
	}
	return &workstreamLog{file: f, writer: bufio.NewWriterSize(f, 64*1024)}, nil
}

// loadWorkstream replays every turn previously appended for workstreamID.
// A missing file means an empty history, not an error.
func loadWorkstream(dir, workstreamID string) ([]models.Turn, error) {
	f, err := os.Open(workstreamPath(dir, workstreamID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open workstream log: %w", err)
	}
	defer f.Close()

	var turns []models.Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t models.Turn
		if err := json.Unmarshal(line, &t); err != nil {
			// A trailing partial write (process killed mid-append) is
			// tolerated: stop replay at the first malformed line rather
			// than failing the whole session open.
			break
		}
		turns = append(turns, t)
	}
	return turns, scanner.Err()
}

// append writes turn as one JSON line and fsyncs before returning, so a
// completed SaveTurn call is durable across a crash.
func (l *workstreamLog) append(turn models.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("write turn: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush workstream log: %w", err)
	}
	return l.file.Sync()
}

func (l *workstreamLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return fmt.Errorf("flush workstream log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("sync workstream log: %w", err)
	}
	return l.file.Close()
}
