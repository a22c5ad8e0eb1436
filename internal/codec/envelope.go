// Package codec converts between wire payloads and envelopes.
//
// An inbound envelope is a JSON object with optional "token", "endpoint" and
// "data" members. Outbound envelopes carry exactly one of an error message, an
// endpoint response (endpoint name plus data) or a token grant.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MalformedMessage is the error text sent to a peer whose payload could not
// be decoded.
const MalformedMessage = "I received a malformed JSON"

// ErrMalformedPayload is returned by Decode for payloads that are not a
// well-formed JSON object.
var ErrMalformedPayload = errors.New("malformed payload")

// Envelope is the unit exchanged over a connection. Absent members are nil.
type Envelope struct {
	Token    *string         `json:"token,omitempty"`
	Endpoint *string         `json:"endpoint,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *string         `json:"error,omitempty"`
}

// HasToken reports whether the envelope carries a token.
func (e Envelope) HasToken() bool { return e.Token != nil }

// HasEndpoint reports whether the envelope names an endpoint.
func (e Envelope) HasEndpoint() bool { return e.Endpoint != nil }

// TokenGrant builds the envelope that hands a new token to the peer.
func TokenGrant(token string) Envelope {
	return Envelope{Token: &token}
}

// Error builds an error envelope.
func Error(message string) Envelope {
	return Envelope{Error: &message}
}

// Response builds an endpoint response carrying data.
func Response(endpoint string, data any) (Envelope, error) {
	env := Envelope{Endpoint: &endpoint}
	if data == nil {
		return env, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode response for %s: %w", endpoint, err)
	}
	env.Data = raw
	return env, nil
}

// Decode parses raw into an envelope. Members of the wrong JSON type are
// treated as absent, the same way a missing member is.
func Decode(raw []byte) (Envelope, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	// "null" unmarshals into a nil map without error.
	if members == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	env := Envelope{
		Token:    stringMember(members, "token"),
		Endpoint: stringMember(members, "endpoint"),
		Error:    stringMember(members, "error"),
	}
	if data, ok := members["data"]; ok {
		env.Data = data
	}
	return env, nil
}

func stringMember(members map[string]json.RawMessage, key string) *string {
	raw, ok := members[key]
	if !ok {
		return nil
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '"' {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

// Encode serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return out, nil
}
