// Package proto encodes and decodes the line oriented sync protocol spoken
// with the analysis tool.
//
// Every message is a single line of the form
//
//	[<channel>]<json object>\n
//
// where channel is "notice" for session control and "sync" for location
// data. The JSON object always carries a "type" field.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Address is a location in the debugged process' address space.
type Address uint64

// NoAddress is reported by hosts that could not determine the current
// location.
const NoAddress Address = 0

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Channel is the bracketed prefix of a protocol line.
type Channel string

const (
	Notice Channel = "notice"
	Sync   Channel = "sync"
)

// Message types.
const (
	TypeNewSession = "new_dbg"
	TypeQuit       = "dbg_quit"
	TypeModule     = "module"
	TypeLocation   = "loc"
	TypeRln        = "rln"
)

// QuitMessage is the text of the quit notice.
const QuitMessage = "dbg disconnected"

type newSession struct {
	Type    string `json:"type"`
	Msg     string `json:"msg"`
	Dialect string `json:"dialect"`
}

type quit struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type module struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

type location struct {
	Type   string  `json:"type"`
	Base   Address `json:"base"`
	Offset Address `json:"offset"`
}

type rln struct {
	Type  string  `json:"type"`
	Raddr Address `json:"raddr"`
}

func line(ch Channel, payload interface{}) string {
	buf, err := json.Marshal(payload)
	if err != nil {
		// payloads are fixed structs of strings and integers
		panic(err)
	}
	return "[" + string(ch) + "]" + string(buf) + "\n"
}

// NewSession returns the handshake notice sent right after connecting.
func NewSession(clientID, dialect string) string {
	return line(Notice, newSession{Type: TypeNewSession, Msg: "dbg connect - " + clientID, Dialect: dialect})
}

// Quit returns the notice sent before closing a session.
func Quit() string {
	return line(Notice, quit{Type: TypeQuit, Msg: QuitMessage})
}

// Module returns the notice announcing that execution moved to the module
// loaded from path.
func Module(path string) string {
	return line(Notice, module{Type: TypeModule, Path: path})
}

// Location returns the location report for addr inside the module loaded
// at base.
func Location(base, addr Address) string {
	return line(Sync, location{Type: TypeLocation, Base: base, Offset: addr})
}

// Rln returns a remote query for the symbolic name of raddr.
func Rln(raddr Address) string {
	return line(Sync, rln{Type: TypeRln, Raddr: raddr})
}

// Message is a decoded protocol line.
type Message struct {
	Channel Channel
	Type    string

	Msg     string
	Dialect string
	Path    string
	Base    Address
	Offset  Address
	Raddr   Address
}

var ErrMalformed = errors.New("malformed sync line")

// Parse decodes a single protocol line, with or without its trailing
// newline.
func Parse(s string) (Message, error) {
	s = strings.TrimRight(s, "\r\n")
	if !strings.HasPrefix(s, "[") {
		return Message{}, fmt.Errorf("%w: missing channel: %q", ErrMalformed, s)
	}
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return Message{}, fmt.Errorf("%w: unterminated channel: %q", ErrMalformed, s)
	}
	m := Message{Channel: Channel(s[1:end])}
	switch m.Channel {
	case Notice, Sync:
	default:
		return Message{}, fmt.Errorf("%w: unknown channel %q", ErrMalformed, m.Channel)
	}
	var payload struct {
		Type    string  `json:"type"`
		Msg     string  `json:"msg"`
		Dialect string  `json:"dialect"`
		Path    string  `json:"path"`
		Base    Address `json:"base"`
		Offset  Address `json:"offset"`
		Raddr   Address `json:"raddr"`
	}
	if err := json.Unmarshal([]byte(s[end+1:]), &payload); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type: %q", ErrMalformed, s)
	}
	m.Type = payload.Type
	m.Msg = payload.Msg
	m.Dialect = payload.Dialect
	m.Path = payload.Path
	m.Base = payload.Base
	m.Offset = payload.Offset
	m.Raddr = payload.Raddr
	return m, nil
}

// ParseAddress parses a hexadecimal (0x prefixed), octal (0 prefixed) or
// decimal address.
func ParseAddress(s string) (Address, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return NoAddress, fmt.Errorf("invalid address %q: %v", s, err)
	}
	return Address(v), nil
}
