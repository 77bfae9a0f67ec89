package notify

import (
	"context"
	"fmt"
	"net/url"

	"shoresquad/internal/logger"
)

// Options configures a Dispatcher.
type Options struct {
	Root  string // application root page, "/" by default
	Icon  string
	Badge string
	Tag   string
}

// Dispatcher shows push messages and handles clicks on them.
type Dispatcher struct {
	opts    Options
	center  *Center
	clients Clients
}

func NewDispatcher(opts Options, center *Center, clients Clients) *Dispatcher {
	if opts.Root == "" {
		opts.Root = "/"
	}
	if opts.Tag == "" {
		opts.Tag = DefaultTag
	}
	return &Dispatcher{opts: opts, center: center, clients: clients}
}

// Push parses data and shows the resulting notification. A payload that
// fails to parse still produces a notification.
func (d *Dispatcher) Push(ctx context.Context, data []byte) (Notification, error) {
	in := ParsePayload(data)
	n, err := d.center.Show(ctx, Notification{
		Title: in.Title,
		Body:  in.Body,
		Icon:  d.opts.Icon,
		Badge: d.opts.Badge,
		Tag:   d.opts.Tag,
		Actions: []Action{
			{Action: ActionOpen, Title: "Join Event"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
	})
	if err != nil {
		return Notification{}, fmt.Errorf("show notification: %w", err)
	}
	logger.Info("notification shown", "id", n.ID, "title", n.Title)
	return n, nil
}

// ClickResult reports what a click did. Client is zero for dismissals.
type ClickResult struct {
	Action string `json:"action"`
	Client Client `json:"client,omitempty"`
	Opened bool   `json:"opened"`
}

// Click closes the notification, then for "open" (or no action) focuses the
// page at the application root, opening one if none exists.
func (d *Dispatcher) Click(ctx context.Context, id, action string) (ClickResult, error) {
	if err := d.center.Close(id); err != nil {
		return ClickResult{}, fmt.Errorf("notification %s: %w", id, err)
	}
	if action == "" {
		action = ActionOpen
	}
	res := ClickResult{Action: action}
	if action != ActionOpen {
		return res, nil
	}

	pages, err := d.clients.MatchAll(ctx)
	if err != nil {
		return res, fmt.Errorf("match clients: %w", err)
	}
	for _, p := range pages {
		if d.isRoot(p.URL) {
			c, err := d.clients.Focus(ctx, p.ID)
			if err != nil {
				return res, fmt.Errorf("focus client: %w", err)
			}
			res.Client = c
			return res, nil
		}
	}

	c, err := d.clients.OpenWindow(ctx, d.opts.Root)
	if err != nil {
		return res, fmt.Errorf("open window: %w", err)
	}
	res.Client = c
	res.Opened = true
	return res, nil
}

func (d *Dispatcher) isRoot(raw string) bool {
	if raw == d.opts.Root {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	return p == d.opts.Root && u.RawQuery == ""
}
