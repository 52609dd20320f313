package agents

import (
	"bytes"
	"sync"
)

// lineSplitter is an io.Writer that re-chunks an arbitrary byte stream into
// complete lines. Bytes after the last newline are carried until the next
// write; a partial line is only emitted by Flush at end of stream.
type lineSplitter struct {
	mu    sync.Mutex
	carry []byte
	emit  func(line string)
}

func newLineSplitter(emit func(line string)) *lineSplitter {
	return &lineSplitter{emit: emit}
}

// Write splits p on newlines, prepending any carried tail from the previous
// write. Never returns an error.
func (w *lineSplitter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := p
	if len(w.carry) > 0 {
		data = append(w.carry, p...)
		w.carry = nil
	}

	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		w.emit(string(bytes.TrimSuffix(data[:idx], []byte("\r"))))
		data = data[idx+1:]
	}

	if len(data) > 0 {
		w.carry = append([]byte(nil), data...)
	}
	return len(p), nil
}

// Flush emits the carried partial line, if any. Called once after the child
// process closes its stream.
func (w *lineSplitter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.carry) > 0 {
		w.emit(string(w.carry))
		w.carry = nil
	}
}
