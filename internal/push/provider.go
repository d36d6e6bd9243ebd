// Package push delivers queued push messages through a push provider.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnregisteredToken marks a per-token failure that will never succeed:
// the device uninstalled the app or the token is malformed.
var ErrUnregisteredToken = errors.New("device token not registered")

// ErrTransient marks a per-token failure worth retrying, such as a provider
// outage partway through a multicast.
var ErrTransient = errors.New("push provider unavailable")

// Multicast is one notification addressed to many tokens.
type Multicast struct {
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

// MulticastResult reports per-token outcomes. Errors is parallel to the
// request's Tokens; a nil entry is a success.
type MulticastResult struct {
	SuccessCount int
	FailureCount int
	Errors       []error
}

// Provider sends notifications for one provider credential.
type Provider interface {
	SendMulticast(ctx context.Context, msg Multicast) (MulticastResult, error)
}

// QueueMessage is the queue payload: one push to one device.
type QueueMessage struct {
	APIKey   string            `json:"apiKey"`
	DeviceID string            `json:"deviceId"`
	Token    string            `json:"token"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	EventKey string            `json:"eventKey,omitempty"`
	TraceID  string            `json:"traceId,omitempty"`
}

// Encode marshals the message for the queue.
func (m QueueMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode push message: %w", err)
	}
	return b, nil
}

// DecodeQueueMessage parses a queue payload.
func DecodeQueueMessage(b []byte) (QueueMessage, error) {
	var m QueueMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode push message: %w", err)
	}
	if m.APIKey == "" || m.Token == "" {
		return m, errors.New("decode push message: apiKey and token are required")
	}
	return m, nil
}
