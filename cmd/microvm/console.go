package main

import (
	"bytes"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

const (
	escapeByte = 0x01 // Ctrl-A
	escapeQuit = 'x'
)

// escapeReader passes console input through to the guest until it sees
// Ctrl-A x, then calls quit and reports EOF. Ctrl-A Ctrl-A sends a single
// Ctrl-A.
type escapeReader struct {
	r    io.Reader
	quit func()

	pending bool
	done    bool
}

func (e *escapeReader) Read(p []byte) (int, error) {
	if e.done {
		return 0, io.EOF
	}
	buf := make([]byte, len(p))
	for {
		n, err := e.r.Read(buf)
		out := 0
		for _, b := range buf[:n] {
			if e.pending {
				e.pending = false
				switch b {
				case escapeQuit:
					e.done = true
					e.quit()
					return out, nil
				case escapeByte:
					p[out] = b
					out++
				}
				continue
			}
			if b == escapeByte {
				e.pending = true
				continue
			}
			p[out] = b
			out++
		}
		if out > 0 || err != nil {
			return out, err
		}
	}
}

// strippedLog copies guest output to w one line at a time with terminal
// escape sequences removed.
type strippedLog struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func (s *strippedLog) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(p)
	for {
		i := bytes.IndexByte(s.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		line := s.buf.Next(i + 1)
		if _, err := io.WriteString(s.w, ansi.Strip(string(line))); err != nil {
			return len(p), err
		}
	}
}

// Flush writes any incomplete final line.
func (s *strippedLog) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	_, err := io.WriteString(s.w, ansi.Strip(s.buf.String()))
	s.buf.Reset()
	return err
}

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	if _, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}
