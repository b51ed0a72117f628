package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Message codes.
const (
	CodeVote      = "vote"
	CodeSetBallot = "setBallot"
	CodeSetVotes  = "setVotes"
	CodeMetadata  = "metadata"
	CodeHeartbeat = "heartbeat"
)

var (
	// ErrMalformedMessage is returned when a frame is not a JSON object or
	// is missing its code or data field.
	ErrMalformedMessage = errors.New("protocol: malformed message")

	// ErrInvalidPayload is returned when the data field does not have the
	// shape the message code requires.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Message is a decoded inbound frame.
type Message struct {
	Code string
	Data json.RawMessage

	// UserID is the identifier claimed by the sender, empty when absent.
	UserID string
}

// HasUserID reports whether the frame carried a usable identifier.
func (m *Message) HasUserID() bool {
	return m.UserID != ""
}

// Decode parses a raw frame.
func Decode(raw []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		// "null" unmarshals into a nil map without error.
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	rawCode, ok := fields["code"]
	if !ok {
		return nil, fmt.Errorf("%w: missing code", ErrMalformedMessage)
	}
	var code string
	if err := json.Unmarshal(rawCode, &code); err != nil || isNull(rawCode) {
		return nil, fmt.Errorf("%w: code is not a string", ErrMalformedMessage)
	}

	data, ok := fields["data"]
	if !ok {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}

	msg := &Message{Code: code, Data: data}
	if rawUser, ok := fields["userId"]; ok {
		var userID string
		if json.Unmarshal(rawUser, &userID) == nil {
			msg.UserID = userID
		}
	}
	return msg, nil
}

// Encode builds an outbound frame.
func Encode(code string, data any) ([]byte, error) {
	return json.Marshal(struct {
		Code string `json:"code"`
		Data any    `json:"data"`
	}{Code: code, Data: data})
}

// Choice decodes the data of a vote frame. Only JSON integers are accepted.
func (m *Message) Choice() (int, error) {
	dec := json.NewDecoder(bytes.NewReader(m.Data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: vote is not a number", ErrInvalidPayload)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: vote %s is not an integer", ErrInvalidPayload, n)
	}
	if int64(int(i)) != i {
		return 0, fmt.Errorf("%w: vote %s out of range", ErrInvalidPayload, n)
	}
	return int(i), nil
}

// BallotPayload is the data of an inbound setBallot frame.
type BallotPayload struct {
	Question string   `json:"question"`
	Choices  []string `json:"choices"`

	// Expires is a unix timestamp in seconds.
	Expires *int64 `json:"expires,omitempty"`

	// Duration is a lifetime in seconds, used when Expires is absent.
	Duration *int64 `json:"duration,omitempty"`
}

// Ballot decodes the data of a setBallot frame.
func (m *Message) Ballot() (*BallotPayload, error) {
	if isNull(m.Data) {
		return nil, fmt.Errorf("%w: ballot is null", ErrInvalidPayload)
	}
	var p BallotPayload
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &p, nil
}

// BallotData is the data of an outbound setBallot frame.
type BallotData struct {
	Question string   `json:"question"`
	Choices  []string `json:"choices"`
	Expires  *int64   `json:"expires"`
	Duration *int64   `json:"duration"`
}

// Metadata is the data of an outbound metadata frame.
type Metadata struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
