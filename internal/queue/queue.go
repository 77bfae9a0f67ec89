// Package queue holds cleanup submissions that could not reach the network.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateID is returned when appending a submission whose id is taken.
	ErrDuplicateID = errors.New("submission id already queued")

	// ErrInvalidPayload is returned when a payload is not a JSON object.
	ErrInvalidPayload = errors.New("submission payload must be a JSON object")
)

// Submission is one not-yet-delivered cleanup action.
type Submission struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Record renders the wire form {id, ...payload fields}. A payload "id" that
// names the submission key is sent verbatim, so numeric keys stay numbers;
// any other "id" is replaced by the submission id.
func (s Submission) Record() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(s.Payload)) > 0 {
		if err := json.Unmarshal(s.Payload, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if raw, ok := fields["id"]; ok {
		if key, err := KeyOf(raw); err == nil && key == s.ID {
			return json.Marshal(fields)
		}
	}
	id, err := json.Marshal(s.ID)
	if err != nil {
		return nil, err
	}
	fields["id"] = id
	return json.Marshal(fields)
}

// KeyOf returns the submission key named by a raw JSON "id" value. Strings
// are unquoted and numbers keep their literal text; other types are invalid.
func KeyOf(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty id", ErrInvalidPayload)
	}
	switch c := raw[0]; {
	case c == '"':
		var key string
		if err := json.Unmarshal(raw, &key); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return key, nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("%w: id must be a string or a number", ErrInvalidPayload)
	}
}

// Store is a durable, ordered collection of submissions. Implementations must
// be safe for concurrent use.
type Store interface {
	// Append durably stores sub. An empty ID is taken from the payload "id"
	// field, or generated when the payload has none.
	Append(ctx context.Context, sub Submission) (Submission, error)

	// List returns every submission in submission order.
	List(ctx context.Context) ([]Submission, error)

	// Len returns the number of queued submissions.
	Len(ctx context.Context) (int, error)

	// Remove deletes the given submissions in one atomic write.
	Remove(ctx context.Context, ids ...string) error

	// Clear deletes every submission in one atomic write.
	Clear(ctx context.Context) error

	Close() error
}

// prepare validates sub and fills in defaults before it is written.
func prepare(sub Submission) (Submission, error) {
	p := bytes.TrimSpace(sub.Payload)
	if len(p) == 0 {
		p = []byte("{}")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(p, &probe); err != nil || probe == nil {
		return Submission{}, ErrInvalidPayload
	}
	sub.Payload = json.RawMessage(p)
	if raw, ok := probe["id"]; ok {
		key, err := KeyOf(raw)
		if err != nil {
			return Submission{}, err
		}
		if sub.ID == "" {
			sub.ID = key
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	return sub, nil
}
