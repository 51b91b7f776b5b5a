package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidUTF8 is returned for inbound content that is not valid UTF-8.
var ErrInvalidUTF8 = errors.New("invalid UTF-8 in inbound message")

// transport is the duplex connection a Client drives. Next and Send are
// called from different goroutines; Close must unblock a pending Next.
type transport interface {
	// Next returns the next inbound message, already trimmed. It may return
	// an empty string, which callers skip. io.EOF marks an orderly close.
	Next() (string, error)
	// Send writes one outbound message and flushes it.
	Send(content string) error
	Close() error
	RemoteAddr() string
}

// framer splits an inbound byte stream into messages.
type framer interface {
	next() (string, error)
}

func newFramer(r io.Reader, cfg Config) framer {
	if cfg.Framing == FramingRaw {
		size := cfg.ReadBufferSize
		if size <= 0 {
			size = defaultReadBufferSize
		}
		if size < utf8.UTFMax {
			size = utf8.UTFMax
		}
		return &rawFramer{r: r, buf: make([]byte, size)}
	}
	maxLine := cfg.MaxLineSize
	if maxLine <= 0 {
		maxLine = defaultMaxLineSize
	}
	initial := 4096
	if maxLine < initial {
		initial = maxLine
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initial), maxLine)
	return &lineFramer{scanner: scanner}
}

// rawFramer treats each Read as one message. A line split across TCP
// segments arrives as two messages; several lines in one segment arrive as
// one. A rune cut off at the end of a Read is held back and prefixed to the
// next one.
type rawFramer struct {
	r     io.Reader
	buf   []byte
	carry []byte
}

func (f *rawFramer) next() (string, error) {
	for {
		held := copy(f.buf, f.carry)
		n, err := f.r.Read(f.buf[held:])
		if n > 0 {
			chunk := f.buf[:held+n]
			cut := len(chunk) - partialRuneLen(chunk)
			f.carry = append(f.carry[:0], chunk[cut:]...)
			chunk = chunk[:cut]
			if !utf8.Valid(chunk) {
				return "", ErrInvalidUTF8
			}
			if len(chunk) == 0 {
				continue
			}
			return strings.TrimSpace(string(chunk)), nil
		}
		if err != nil {
			if err == io.EOF && len(f.carry) > 0 {
				return "", ErrInvalidUTF8
			}
			return "", err
		}
	}
}

// partialRuneLen reports how many trailing bytes of b start a multibyte rune
// that is not yet complete.
func partialRuneLen(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		tail := b[len(b)-i:]
		if !utf8.RuneStart(tail[0]) {
			continue
		}
		if utf8.FullRune(tail) {
			return 0
		}
		return i
	}
	return 0
}

// lineFramer reassembles newline-terminated lines regardless of how they
// were segmented.
type lineFramer struct {
	scanner *bufio.Scanner
}

func (f *lineFramer) next() (string, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	line := f.scanner.Bytes()
	if !utf8.Valid(line) {
		return "", ErrInvalidUTF8
	}
	return strings.TrimSpace(string(line)), nil
}

// tcpTransport speaks newline-delimited text over a net.Conn.
type tcpTransport struct {
	conn         net.Conn
	framer       framer
	w            *bufio.Writer
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

func newTCPTransport(conn net.Conn, cfg Config) *tcpTransport {
	return &tcpTransport{
		conn:         conn,
		framer:       newFramer(conn, cfg),
		w:            bufio.NewWriter(conn),
		idleTimeout:  cfg.IdleTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
}

func (t *tcpTransport) Next() (string, error) {
	if t.idleTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout)); err != nil {
			return "", fmt.Errorf("setting read deadline: %w", err)
		}
	}
	return t.framer.next()
}

func (t *tcpTransport) Send(content string) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	if _, err := t.w.WriteString(content); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
