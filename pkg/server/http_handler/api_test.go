package http_handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swproxy/pkg/lifecycle"
	"github.com/pmkol/swproxy/pkg/worker"
)

type fakeHost struct {
	installed []string
	synced    []string
	state     lifecycle.State
	version   string

	installCtxErr   error
	installDeadline bool
}

func (h *fakeHost) Install(ctx context.Context, m *lifecycle.Manifest) error {
	h.installCtxErr = ctx.Err()
	_, h.installDeadline = ctx.Deadline()
	if m.Version == "v0" {
		return fmt.Errorf("%w: v0 < v1", lifecycle.ErrGenerationRegressed)
	}
	h.installed = append(h.installed, m.Version)
	h.state = lifecycle.State{Phase: lifecycle.Waiting, CurrentVersion: m.Version, ActiveVersion: h.version}
	return nil
}

func (h *fakeHost) Activate(context.Context) error {
	if h.state.Phase != lifecycle.Waiting {
		return worker.ErrNoWaitingWorker
	}
	h.version = h.state.CurrentVersion
	h.state.Phase = lifecycle.Active
	h.state.ActiveVersion = h.version
	return nil
}

func (h *fakeHost) Sync(_ context.Context, tag string) error {
	if tag != worker.TagBackgroundSync {
		return fmt.Errorf("%w: %s", worker.ErrUnknownSyncTag, tag)
	}
	h.synced = append(h.synced, tag)
	return nil
}

func (h *fakeHost) Message(_ context.Context, msg worker.Message) (worker.Reply, error) {
	if msg.Type != worker.MsgGetVersion {
		return worker.Reply{Type: msg.Type}, fmt.Errorf("%w: %s", worker.ErrUnknownMessage, msg.Type)
	}
	return worker.Reply{Type: msg.Type, OK: true, Version: h.version}, nil
}

func (h *fakeHost) State() lifecycle.State { return h.state }
func (h *fakeHost) Version() string        { return h.version }

func newAPI(t *testing.T, host Host, load func() (*lifecycle.Manifest, error)) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	require.NoError(t, RegisterAPI(mux, APIOpts{Host: host, LoadManifest: load}))
	return mux
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestAPI_lifecycle(t *testing.T) {
	host := &fakeHost{}
	mux := newAPI(t, host, func() (*lifecycle.Manifest, error) {
		return &lifecycle.Manifest{Version: "v2"}, nil
	})

	w := do(mux, http.MethodPost, "/lifecycle/activate", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(mux, http.MethodPost, "/lifecycle/install", `{"version":"v1","assets":["/"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var st stateBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "waiting", st.Phase)
	assert.Equal(t, "v1", st.CurrentVersion)

	w = do(mux, http.MethodPost, "/lifecycle/activate", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "active", st.Phase)
	assert.Equal(t, "v1", st.ControllingVersion)

	// An empty body installs the configured manifest.
	w = do(mux, http.MethodPost, "/lifecycle/install", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"v1", "v2"}, host.installed)

	w = do(mux, http.MethodPost, "/lifecycle/install", `version: v0`)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(mux, http.MethodPost, "/lifecycle/install", `assets: []`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(mux, http.MethodGet, "/lifecycle/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "v2", st.CurrentVersion)

	w = do(mux, http.MethodGet, "/lifecycle/install", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAPI_installWithoutManifest(t *testing.T) {
	mux := newAPI(t, &fakeHost{}, nil)
	w := do(mux, http.MethodPost, "/lifecycle/install", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_sync(t *testing.T) {
	host := &fakeHost{}
	mux := newAPI(t, host, nil)

	w := do(mux, http.MethodPost, "/sync/background-sync", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"background-sync"}, host.synced)

	w = do(mux, http.MethodPost, "/sync/periodic", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_control(t *testing.T) {
	host := &fakeHost{version: "v3"}
	mux := newAPI(t, host, nil)

	w := do(mux, http.MethodPost, "/control", `{"type":"GET_VERSION"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var reply worker.Reply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.True(t, reply.OK)
	assert.Equal(t, "v3", reply.Version)

	w = do(mux, http.MethodPost, "/control", `{"type":"CLAIM"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(mux, http.MethodPost, "/control", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var eb errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &eb))
	assert.NotEmpty(t, eb.Error)
}

func TestAPI_installOutlivesRequest(t *testing.T) {
	host := &fakeHost{}
	mux := newAPI(t, host, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/lifecycle/install", strings.NewReader(`{"version":"v1"}`)).WithContext(ctx)
	mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NoError(t, host.installCtxErr, "a gone client does not cancel the install")
	assert.True(t, host.installDeadline)
	assert.Equal(t, []string{"v1"}, host.installed)
}
