package worker

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoresquad/internal/cache"
)

func TestInstallCachesShellAndActivates(t *testing.T) {
	env := newTestEnv(t, "")
	page := env.svc.clients.Register(env.origin.URL + "/")

	require.NoError(t, env.svc.Start(context.Background()))
	assert.Equal(t, StateActivated, env.svc.State())

	names, err := env.caches.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"shoresquad-v1"}, names)

	gen, err := env.caches.Open("shoresquad-v1")
	require.NoError(t, err)
	ids, err := gen.Identities()
	require.NoError(t, err)
	require.Len(t, ids, len(DefaultManifest))
	for _, p := range DefaultManifest {
		ent, ok := gen.Match(cache.Identity{Method: http.MethodGet, URL: env.origin.URL + p})
		require.True(t, ok, p)
		assert.Equal(t, "asset:"+p, string(ent.Body))
	}

	clients, err := env.svc.clients.MatchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, page.ID, clients[0].ID)
	assert.Equal(t, "shoresquad-v1", clients[0].Controlled)
}

func TestInstallFailureKeepsNoPartialGeneration(t *testing.T) {
	env := newTestEnv(t, "")
	env.origin.Break("/js/app.js", http.StatusInternalServerError)

	err := env.svc.Start(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Equal(t, StateRedundant, env.svc.State())

	names, err := env.caches.Keys()
	require.NoError(t, err)
	assert.Empty(t, names)

	// No version controls the pages, so requests go straight through.
	rec := env.get(t, "/css/styles.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OutcomeUncontrolled, rec.Header().Get(headerWorkerCache))
}

func TestInstallRetrySucceedsAfterFailure(t *testing.T) {
	env := newTestEnv(t, "")
	env.network.offline.Store(true)
	require.Error(t, env.svc.Install(context.Background()))

	env.network.offline.Store(false)
	_, err := env.svc.Dispatch(context.Background(), Event{Kind: EventInstall})
	require.NoError(t, err)
	assert.Equal(t, StateActivated, env.svc.State())
}

func TestActivateDeletesOtherGenerations(t *testing.T) {
	env := newTestEnv(t, "")
	old, err := env.caches.Open("shoresquad-v0")
	require.NoError(t, err)
	require.NoError(t, old.Put(cache.Identity{Method: http.MethodGet, URL: env.origin.URL + "/"}, cache.Entry{Status: 200, Body: []byte("old")}))

	require.NoError(t, env.svc.Start(context.Background()))

	names, err := env.caches.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"shoresquad-v1"}, names)

	rec := env.get(t, "/")
	assert.Equal(t, "asset:/", rec.Body.String())
}

func TestWaitingVersionWithoutSkipWaiting(t *testing.T) {
	env := newTestEnv(t, "lifecycle:\n  skipWaiting: false\n")

	require.NoError(t, env.svc.Start(context.Background()))
	assert.Equal(t, StateInstalled, env.svc.State())

	rec := env.get(t, "/")
	assert.Equal(t, OutcomeUncontrolled, rec.Header().Get(headerWorkerCache))

	state, err := env.svc.Dispatch(context.Background(), Event{Kind: EventActivate})
	require.NoError(t, err)
	assert.Equal(t, "activated", state)

	rec = env.get(t, "/")
	assert.Equal(t, OutcomeHit, rec.Header().Get(headerWorkerCache))
}

func TestActivateWithoutInstall(t *testing.T) {
	env := newTestEnv(t, "")

	err := env.svc.Activate(context.Background())
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Equal(t, StateParsed, env.svc.State())
}

func TestReinstallKeepsServingActiveVersion(t *testing.T) {
	env := startedEnv(t)
	env.network.offline.Store(true)

	_, err := env.svc.Dispatch(context.Background(), Event{Kind: EventInstall})
	require.ErrorIs(t, err, ErrInstallFailed)

	// The failed attempt must not drop the generation already serving.
	rec := env.get(t, "/index.html")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OutcomeHit, rec.Header().Get(headerWorkerCache))

	names, err := env.caches.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"shoresquad-v1"}, names)
}

func TestRestartOfflineServesStoredVersion(t *testing.T) {
	o := newTestOrigin(t)
	cfg := testConfig(t, o.URL, "")

	env := newTestEnvWithConfig(t, o, cfg)
	require.NoError(t, env.svc.Start(context.Background()))
	env.svc.Close()

	env = newTestEnvWithConfig(t, o, cfg)
	env.network.offline.Store(true)
	err := env.svc.Start(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)
	assert.Equal(t, StateActivated, env.svc.State())

	rec := env.get(t, "/css/styles.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "asset:/css/styles.css", rec.Body.String())
	assert.Equal(t, OutcomeHit, rec.Header().Get(headerWorkerCache))

	names, err := env.caches.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"shoresquad-v1"}, names)
}

func TestRestartDoesNotResumeWaitingVersion(t *testing.T) {
	o := newTestOrigin(t)
	cfg := testConfig(t, o.URL, "lifecycle:\n  skipWaiting: false\n")

	env := newTestEnvWithConfig(t, o, cfg)
	require.NoError(t, env.svc.Start(context.Background()))
	require.Equal(t, StateInstalled, env.svc.State())
	env.svc.Close()

	env = newTestEnvWithConfig(t, o, cfg)
	env.network.offline.Store(true)
	require.Error(t, env.svc.Start(context.Background()))
	assert.Equal(t, StateRedundant, env.svc.State())

	// Never activated, so nothing is served from the stored generation.
	rec := env.get(t, "/css/styles.css")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Network request failed", rec.Body.String())
}

func TestOverlappingInstallsKeepSucceededVersion(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var gated atomic.Bool
	env.network.Before(func(req *http.Request) error {
		if strings.HasSuffix(req.URL.Path, "/js/app.js") && gated.CompareAndSwap(false, true) {
			close(entered)
			<-release
			return errOffline
		}
		return nil
	})

	first := make(chan error, 1)
	go func() {
		_, err := env.svc.Dispatch(ctx, Event{Kind: EventInstall})
		first <- err
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		_, err := env.svc.Dispatch(ctx, Event{Kind: EventInstall})
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.ErrorIs(t, <-first, ErrInstallFailed)
	require.NoError(t, <-second)
	assert.Equal(t, StateActivated, env.svc.State())

	names, err := env.caches.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"shoresquad-v1"}, names)

	env.network.offline.Store(true)
	rec := env.get(t, "/css/styles.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OutcomeHit, rec.Header().Get(headerWorkerCache))
}

func TestFailedInstallNeverDropsActiveGeneration(t *testing.T) {
	env := startedEnv(t)
	env.network.offline.Store(true)

	require.ErrorIs(t, env.svc.Install(context.Background()), ErrInstallFailed)
	assert.Equal(t, StateActivated, env.svc.State())
	assert.True(t, env.caches.Has("shoresquad-v1"))
}
