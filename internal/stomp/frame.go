// Package stomp implements the STOMP 1.2 frame codec used on the wire
// between the client and the messaging broker. Frames travel as websocket
// text messages; a bare newline is a heartbeat.
package stomp

import (
	"bytes"
	"strconv"
)

// Command is a STOMP frame command using a custom enum type for better
// type safety
type Command string

const (
	// Client commands
	CommandConnect     Command = "CONNECT"
	CommandSend        Command = "SEND"
	CommandSubscribe   Command = "SUBSCRIBE"
	CommandUnsubscribe Command = "UNSUBSCRIBE"
	CommandDisconnect  Command = "DISCONNECT"

	// Server commands
	CommandConnected Command = "CONNECTED"
	CommandMessage   Command = "MESSAGE"
	CommandReceipt   Command = "RECEIPT"
	CommandError     Command = "ERROR"
)

// IsValid checks if the Command is a valid enum value
func (c Command) IsValid() bool {
	switch c {
	case CommandConnect, CommandSend, CommandSubscribe, CommandUnsubscribe,
		CommandDisconnect, CommandConnected, CommandMessage, CommandReceipt,
		CommandError:
		return true
	default:
		return false
	}
}

// Well-known header names
const (
	HeaderAcceptVersion = "accept-version"
	HeaderVersion       = "version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderAuthorization = "Authorization"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderMessage       = "message"
)

// Heartbeat is the frame sent to keep an idle connection alive.
var Heartbeat = []byte("\n")

// IsHeartbeat reports whether a raw websocket message is a heartbeat
// rather than a frame.
func IsHeartbeat(data []byte) bool {
	return len(bytes.TrimRight(data, "\r\n")) == 0 && len(data) > 0
}

type header struct {
	name  string
	value string
}

// Frame is one STOMP frame. Headers keep insertion order; Set replaces the
// first header with the same name.
type Frame struct {
	Command Command
	headers []header
	Body    []byte
}

// NewFrame creates a frame with the given command and body.
func NewFrame(cmd Command, body []byte) *Frame {
	return &Frame{Command: cmd, Body: body}
}

// Get returns the value of the first header with the given name.
func (f *Frame) Get(name string) string {
	for _, h := range f.headers {
		if h.name == name {
			return h.value
		}
	}
	return ""
}

// Set replaces the first header with the given name, appending when absent.
func (f *Frame) Set(name, value string) *Frame {
	for i, h := range f.headers {
		if h.name == name {
			f.headers[i].value = value
			return f
		}
	}
	f.headers = append(f.headers, header{name: name, value: value})
	return f
}

// escaped reports whether header values of this frame use STOMP 1.2
// escape sequences. CONNECT and CONNECTED are exempt for compatibility
// with STOMP 1.0 servers.
func (f *Frame) escaped() bool {
	return f.Command != CommandConnect && f.Command != CommandConnected
}

// Marshal encodes the frame into its wire representation:
// command line, header lines, blank line, body, NUL.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(string(f.Command))
	buf.WriteByte('\n')

	esc := f.escaped()
	for _, h := range f.headers {
		if h.name == HeaderContentLength {
			continue
		}
		writeHeaderToken(&buf, h.name, esc)
		buf.WriteByte(':')
		writeHeaderToken(&buf, h.value, esc)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HeaderContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

func writeHeaderToken(buf *bytes.Buffer, s string, escape bool) {
	if !escape {
		buf.WriteString(s)
		return
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case ':':
			buf.WriteString(`\c`)
		default:
			buf.WriteByte(s[i])
		}
	}
}
