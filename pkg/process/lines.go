package process

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// MaxLineSize bounds a single output line; longer lines end the stream with bufio.ErrTooLong
const MaxLineSize = 1024 * 1024

// LineReader yields output lines without their terminators
type LineReader struct {
	scanner *bufio.Scanner
	line    string
}

func newLineReader(r io.Reader) *LineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &LineReader{scanner: scanner}
}

// Scan advances to the next line and reports whether there was one
func (lr *LineReader) Scan() bool {
	if !lr.scanner.Scan() {
		return false
	}
	lr.line = strings.TrimSuffix(lr.scanner.Text(), "\r")
	return true
}

func (lr *LineReader) Text() string {
	return lr.line
}

// Err returns the first read error; a closed pipe counts as a normal end
func (lr *LineReader) Err() error {
	err := lr.scanner.Err()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
