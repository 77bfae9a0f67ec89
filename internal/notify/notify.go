// Package notify turns push messages into user-visible notifications and
// routes clicks on them back to an application page.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ActionOpen    = "open"
	ActionDismiss = "dismiss"

	DefaultTitle = "ShoreSquad"
	DefaultBody  = "A new cleanup event is nearby!"
	DefaultTag   = "shoresquad-notification"
)

// ErrNotFound is returned for unknown notification or client ids.
var ErrNotFound = errors.New("not found")

// Intent is the parsed content of a push message.
type Intent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ParsePayload decodes a push payload. A JSON object supplies title and body;
// anything else becomes the body under the default title.
func ParsePayload(data []byte) Intent {
	in := Intent{Title: DefaultTitle, Body: DefaultBody}
	if len(bytes.TrimSpace(data)) == 0 {
		return in
	}

	var parsed struct {
		Title *string `json:"title"`
		Body  *string `json:"body"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		in.Body = string(data)
		return in
	}
	if parsed.Title != nil {
		in.Title = *parsed.Title
	}
	if parsed.Body != nil {
		in.Body = *parsed.Body
	}
	return in
}

// Action is a button offered on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is a displayed notification.
type Notification struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	Icon               string    `json:"icon,omitempty"`
	Badge              string    `json:"badge,omitempty"`
	Tag                string    `json:"tag"`
	Actions            []Action  `json:"actions"`
	RequireInteraction bool      `json:"requireInteraction"`
	ShownAt            time.Time `json:"shownAt"`
}

// Center is an in-memory notification center. Showing a notification with
// the tag of an open one replaces it.
type Center struct {
	mu    sync.Mutex
	items map[string]*Notification
}

func NewCenter() *Center {
	return &Center{items: map[string]*Notification{}}
}

// Show displays n and returns it with its id filled in.
func (c *Center) Show(ctx context.Context, n Notification) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.ShownAt = time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if n.Tag != "" {
		for id, cur := range c.items {
			if cur.Tag == n.Tag {
				delete(c.items, id)
			}
		}
	}
	cp := n
	c.items[n.ID] = &cp
	return n, nil
}

// Close removes the notification. Closing an unknown id returns ErrNotFound.
func (c *Center) Close(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[id]; !ok {
		return ErrNotFound
	}
	delete(c.items, id)
	return nil
}

// Get returns an open notification.
func (c *Center) Get(id string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[id]
	if !ok {
		return Notification{}, false
	}
	return *n, true
}

// List returns open notifications, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	out := make([]Notification, 0, len(c.items))
	for _, n := range c.items {
		out = append(out, *n)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}
