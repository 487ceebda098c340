package runfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/core-tools/hsu-scanmaster/pkg/errors"
)

// Transcript appends every consumed scanner line with a timestamp
type Transcript struct {
	mu   sync.Mutex
	path string
	file *os.File
	now  func() time.Time
}

func OpenTranscript(path string) (*Transcript, error) {
	if err := ensureDirectory(filepath.Dir(path)); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.NewIOError("failed to open transcript", err).WithContext("path", path)
	}
	return &Transcript{path: path, file: file, now: time.Now}, nil
}

func (t *Transcript) Path() string {
	return t.path
}

func (t *Transcript) WriteLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return errors.NewIOError("transcript is closed", nil).WithContext("path", t.path)
	}
	if _, err := fmt.Fprintf(t.file, "%s %s\n", t.now().Format(time.RFC3339Nano), line); err != nil {
		return errors.NewIOError("failed to write transcript", err).WithContext("path", t.path)
	}
	return nil
}

func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	if err != nil {
		return errors.NewIOError("failed to close transcript", err).WithContext("path", t.path)
	}
	return nil
}
