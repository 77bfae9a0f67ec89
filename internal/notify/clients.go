package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is an application page the worker can reach.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Focused    bool      `json:"focused"`
	Controlled string    `json:"controlledBy,omitempty"`
	SeenAt     time.Time `json:"seenAt"`
}

// Clients is the set of pages known to the worker.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	Focus(ctx context.Context, id string) (Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
}

// Registry is an in-memory Clients implementation. Pages register themselves
// through the control API.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[string]*Client{}}
}

// Register records a page at url and returns it.
func (r *Registry) Register(url string) Client {
	c := &Client{ID: uuid.NewString(), URL: url, SeenAt: time.Now().UTC()}
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
	return *c
}

// Claim marks every page as controlled by version.
func (r *Registry) Claim(ctx context.Context, version string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Controlled = version
	}
	return len(r.clients), nil
}

func (r *Registry) MatchAll(ctx context.Context) ([]Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.Before(out[j].SeenAt) })
	return out, nil
}

// Focus makes id the only focused page.
func (r *Registry) Focus(ctx context.Context, id string) (Client, error) {
	if err := ctx.Err(); err != nil {
		return Client{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.clients[id]
	if !ok {
		return Client{}, ErrNotFound
	}
	for _, c := range r.clients {
		c.Focused = false
	}
	target.Focused = true
	return *target, nil
}

// OpenWindow registers a new focused page at url.
func (r *Registry) OpenWindow(ctx context.Context, url string) (Client, error) {
	if err := ctx.Err(); err != nil {
		return Client{}, err
	}
	c := r.Register(url)
	return r.Focus(ctx, c.ID)
}
