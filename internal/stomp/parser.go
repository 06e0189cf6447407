package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrEmptyFrame        = errors.New("empty frame")
	ErrMissingTerminator = errors.New("frame missing NUL terminator")
)

// Parse decodes one wire frame. Heartbeats must be filtered out with
// IsHeartbeat before calling Parse.
func Parse(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	headerEnd := bytes.Index(data, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf != -1 && (headerEnd == -1 || crlf < headerEnd) {
		headerEnd = crlf
		sepLen = 4
	}
	if headerEnd == -1 {
		return nil, fmt.Errorf("frame has no header/body separator")
	}

	lines := strings.Split(string(data[:headerEnd]), "\n")
	cmd := Command(strings.TrimRight(lines[0], "\r"))
	if !cmd.IsValid() {
		return nil, fmt.Errorf("unknown frame command: %q", lines[0])
	}

	f := &Frame{Command: cmd}
	esc := f.escaped()
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx == -1 {
			return nil, fmt.Errorf("malformed header line: %q", line)
		}
		name, err := unescapeHeaderToken(line[:idx], esc)
		if err != nil {
			return nil, err
		}
		value, err := unescapeHeaderToken(line[idx+1:], esc)
		if err != nil {
			return nil, err
		}
		// Repeated headers: first occurrence wins, per the STOMP spec.
		if f.Get(name) == "" {
			f.Set(name, value)
		}
	}

	body := data[headerEnd+sepLen:]
	if cl := f.Get(HeaderContentLength); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid content-length: %q", cl)
		}
		if len(body) < n {
			return nil, fmt.Errorf("body shorter than content-length %d", n)
		}
		f.Body = body[:n]
		return f, nil
	}

	nul := bytes.IndexByte(body, 0)
	if nul == -1 {
		return nil, ErrMissingTerminator
	}
	f.Body = body[:nul]
	return f, nil
}

func unescapeHeaderToken(s string, escape bool) (string, error) {
	if !escape || !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape in header token %q", s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("unknown escape sequence \\%c", s[i])
		}
	}
	return b.String(), nil
}

// ParseHeartBeat splits a heart-beat header value ("cx,cy" in milliseconds)
// into the sender's and receiver's intervals. Zero means no heartbeat.
func ParseHeartBeat(value string) (tx, rx time.Duration, err error) {
	if value == "" {
		return 0, 0, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid heart-beat header: %q", value)
	}
	txMs, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || txMs < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat header: %q", value)
	}
	rxMs, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || rxMs < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat header: %q", value)
	}
	return time.Duration(txMs) * time.Millisecond, time.Duration(rxMs) * time.Millisecond, nil
}

// FormatHeartBeat renders the heart-beat header value for a CONNECT frame.
func FormatHeartBeat(tx, rx time.Duration) string {
	return fmt.Sprintf("%d,%d", tx.Milliseconds(), rx.Milliseconds())
}
