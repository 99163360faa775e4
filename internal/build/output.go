package build

import (
	"bytes"
	"io"
	"sync"
)

// prefixWriter forwards complete lines to w, each prefixed. mu is shared by
// every task writing to w so parallel builds never interleave mid-line.
// Write errors are dropped; streamed output never fails a build.
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	buf    []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		p.emit(p.buf[:i+1])
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

// Flush writes a trailing partial line.
func (p *prefixWriter) Flush() {
	if len(p.buf) == 0 {
		return
	}
	p.emit(append(p.buf, '\n'))
	p.buf = nil
}

func (p *prefixWriter) emit(line []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.w, p.prefix)
	p.w.Write(line)
}
