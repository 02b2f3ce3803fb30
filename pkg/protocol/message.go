package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const (
	// Terminates every completion message on the wire.
	Sentinel = "<EOF>"

	// Separates the host identifier from the result text.
	Delimiter = ":"

	// Result text containing this token, in any case, reports success.
	SuccessToken = "success"

	// Default TCP port of the completion listener.
	DefaultPort = 8172

	// Default maximum number of bytes read from one connection.
	DefaultMaxMessageSize = 1024
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrTooLarge  = errors.New("message too large")
	ErrEmpty     = errors.New("empty message")
)

var (
	sentinelUTF8  = []byte(Sentinel)
	sentinelUTF16 = mustEncodeUTF16(Sentinel)
)

// A completion report sent by a host when its backup job ends.
type Message struct {
	// Upper case host identifier.
	Host string

	// Free form result text, e.g. "success" or an error description.
	Result string
}

// Success returns true if the result text contains the success token.
func (m Message) Success() bool {
	return strings.Contains(strings.ToLower(m.Result), SuccessToken)
}

func (m Message) String() string {
	return m.Host + Delimiter + m.Result
}

// Parse parses the text of a completion message.
// Anything from the first sentinel onwards is ignored.
func Parse(text string) (Message, error) {
	if i := strings.Index(text, Sentinel); i >= 0 {
		text = text[:i]
	}

	text = strings.Trim(text, " \t\r\n\x00")
	if text == "" {
		return Message{}, ErrEmpty
	}

	fields := strings.Split(text, Delimiter)
	if len(fields) != 2 {
		return Message{}, fmt.Errorf("%w: expected 2 fields, got %d: %q", ErrMalformed, len(fields), text)
	}

	host := strings.ToUpper(strings.TrimSpace(fields[0]))
	if host == "" {
		return Message{}, fmt.Errorf("%w: no host identifier: %q", ErrMalformed, text)
	}

	return Message{
		Host:   host,
		Result: strings.TrimSpace(fields[1]),
	}, nil
}

// Format returns the wire form of a message, including the sentinel.
func Format(msg Message) string {
	return msg.String() + Sentinel
}

// Encode returns the wire form of a message as UTF-8, or as
// UTF-16LE without byte order mark if utf16 is set.
func Encode(msg Message, utf16 bool) ([]byte, error) {
	if !utf16 {
		return []byte(Format(msg)), nil
	}
	return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(Format(msg)))
}

// Decode converts a raw payload to text.
// Payloads that look like UTF-16 are decoded as such, everything else is taken as UTF-8.
func Decode(payload []byte) (string, error) {
	if !looksUTF16(payload) {
		return string(payload), nil
	}

	text, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(text), nil
}

// Returns true for payloads with a UTF-16 byte order mark, or
// starting with an ASCII character in UTF-16LE.
func looksUTF16(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	if (payload[0] == 0xff && payload[1] == 0xfe) || (payload[0] == 0xfe && payload[1] == 0xff) {
		return true
	}
	return payload[0] != 0 && payload[1] == 0
}

// Returns the number of bytes up to and including the sentinel, or -1.
func sentinelEnd(payload []byte) int {
	if i := bytes.Index(payload, sentinelUTF8); i >= 0 {
		return i + len(sentinelUTF8)
	}
	if i := bytes.Index(payload, sentinelUTF16); i >= 0 {
		return i + len(sentinelUTF16)
	}
	return -1
}

func mustEncodeUTF16(text string) []byte {
	data, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(text))
	if err != nil {
		panic(err)
	}
	return data
}
