package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Intent
	}{
		{"empty", "", Intent{DefaultTitle, DefaultBody}},
		{"structured", `{"title":"Beach day","body":"Bring gloves"}`, Intent{"Beach day", "Bring gloves"}},
		{"body only", `{"body":"Bring gloves"}`, Intent{DefaultTitle, "Bring gloves"}},
		{"plain text", "Cleanup at 5pm", Intent{DefaultTitle, "Cleanup at 5pm"}},
		{"truncated json", `{"title":`, Intent{DefaultTitle, `{"title":`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePayload([]byte(tt.data)))
		})
	}
}

func newTestDispatcher() (*Dispatcher, *Center, *Registry) {
	c := NewCenter()
	r := NewRegistry()
	return NewDispatcher(Options{Icon: "/assets/icon-192.png"}, c, r), c, r
}

func TestPushMalformedPayloadStillNotifies(t *testing.T) {
	d, c, _ := newTestDispatcher()

	n, err := d.Push(context.Background(), []byte("Cleanup at 5pm"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, n.Title)
	assert.Equal(t, "Cleanup at 5pm", n.Body)
	assert.Equal(t, DefaultTag, n.Tag)
	require.Len(t, n.Actions, 2)
	assert.Equal(t, ActionOpen, n.Actions[0].Action)
	assert.Equal(t, ActionDismiss, n.Actions[1].Action)

	assert.Len(t, c.List(), 1)
}

func TestPushSameTagReplaces(t *testing.T) {
	d, c, _ := newTestDispatcher()
	ctx := context.Background()

	_, err := d.Push(ctx, []byte("first"))
	require.NoError(t, err)
	second, err := d.Push(ctx, []byte("second"))
	require.NoError(t, err)

	open := c.List()
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
}

func TestClickOpenFocusesRootPage(t *testing.T) {
	d, c, r := newTestDispatcher()
	ctx := context.Background()
	r.Register("http://app.local/events")
	root := r.Register("http://app.local/")

	n, err := d.Push(ctx, nil)
	require.NoError(t, err)

	res, err := d.Click(ctx, n.ID, ActionOpen)
	require.NoError(t, err)
	assert.False(t, res.Opened)
	assert.Equal(t, root.ID, res.Client.ID)
	assert.True(t, res.Client.Focused)

	_, ok := c.Get(n.ID)
	assert.False(t, ok, "notification is closed on click")
}

func TestClickWithoutActionOpensWindow(t *testing.T) {
	d, _, r := newTestDispatcher()
	ctx := context.Background()
	r.Register("http://app.local/map")

	n, err := d.Push(ctx, nil)
	require.NoError(t, err)

	res, err := d.Click(ctx, n.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ActionOpen, res.Action)
	assert.True(t, res.Opened)
	assert.Equal(t, "/", res.Client.URL)

	pages, err := r.MatchAll(ctx)
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestClickDismissOnlyCloses(t *testing.T) {
	d, c, r := newTestDispatcher()
	ctx := context.Background()

	n, err := d.Push(ctx, nil)
	require.NoError(t, err)

	res, err := d.Click(ctx, n.ID, ActionDismiss)
	require.NoError(t, err)
	assert.Empty(t, res.Client.ID)
	assert.Empty(t, c.List())

	pages, err := r.MatchAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestClickUnknownNotification(t *testing.T) {
	d, _, _ := newTestDispatcher()
	_, err := d.Click(context.Background(), "nope", ActionOpen)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryClaim(t *testing.T) {
	r := NewRegistry()
	r.Register("/")
	r.Register("/events")

	n, err := r.Claim(context.Background(), "shoresquad-v2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pages, err := r.MatchAll(context.Background())
	require.NoError(t, err)
	for _, p := range pages {
		assert.Equal(t, "shoresquad-v2", p.Controlled)
	}
}
