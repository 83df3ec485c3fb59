package http_handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/lifecycle"
	"github.com/pmkol/swproxy/pkg/pool"
	"github.com/pmkol/swproxy/pkg/worker"
)

const (
	defaultMaxAPIBodySize   = 1 << 20
	defaultLifecycleTimeout = 5 * time.Minute
)

// Host is the worker runtime driven by the api.
type Host interface {
	Install(ctx context.Context, m *lifecycle.Manifest) error
	Activate(ctx context.Context) error
	Sync(ctx context.Context, tag string) error
	Message(ctx context.Context, msg worker.Message) (worker.Reply, error)
	State() lifecycle.State
	Version() string
}

type APIOpts struct {
	Host Host

	// LoadManifest returns the configured manifest. It is used by
	// install requests without a body. Optional.
	LoadManifest func() (*lifecycle.Manifest, error)

	// LifecycleTimeout bounds install and activate. They outlive the
	// request, so a client disconnect does not abort them. Default is 5m.
	LifecycleTimeout time.Duration

	MaxBodySize int64
	Logger      *zap.Logger
}

type apiHandler struct {
	opts APIOpts
}

// RegisterAPI adds the control, sync and lifecycle routes to mux.
func RegisterAPI(mux *http.ServeMux, opts APIOpts) error {
	if opts.Host == nil {
		return errors.New("nil host")
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxAPIBodySize
	}
	if opts.LifecycleTimeout <= 0 {
		opts.LifecycleTimeout = defaultLifecycleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	h := &apiHandler{opts: opts}
	mux.HandleFunc("POST /control", h.control)
	mux.HandleFunc("POST /sync/{tag}", h.sync)
	mux.HandleFunc("POST /lifecycle/install", h.install)
	mux.HandleFunc("POST /lifecycle/activate", h.activate)
	mux.HandleFunc("GET /lifecycle/state", h.state)
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

type stateBody struct {
	Phase              string   `json:"phase"`
	CurrentVersion     string   `json:"current_version"`
	ActiveVersion      string   `json:"active_version"`
	ControllingVersion string   `json:"controlling_version"`
	RetainedNamespaces []string `json:"retained_namespaces"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps runtime errors to http status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, worker.ErrUnknownMessage),
		errors.Is(err, worker.ErrBadMessage),
		errors.Is(err, worker.ErrUnknownSyncTag),
		errors.Is(err, lifecycle.ErrInvalidManifest):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrNoActiveWorker),
		errors.Is(err, worker.ErrNoWaitingWorker),
		errors.Is(err, lifecycle.ErrGenerationRegressed):
		return http.StatusConflict
	case errors.Is(err, pool.ErrLimitExceeded):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (h *apiHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.opts.Logger.Error("api request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (h *apiHandler) readBody(r *http.Request) ([]byte, error) {
	return pool.ReadAll(r.Body, h.opts.MaxBodySize)
}

func (h *apiHandler) control(w http.ResponseWriter, r *http.Request) {
	b, err := h.readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var msg worker.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		h.fail(w, r, errors.Join(worker.ErrBadMessage, err))
		return
	}
	reply, err := h.opts.Host.Message(r.Context(), msg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *apiHandler) sync(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	if err := h.opts.Host.Sync(r.Context(), tag); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) install(w http.ResponseWriter, r *http.Request) {
	b, err := h.readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var m *lifecycle.Manifest
	switch {
	case len(b) > 0:
		m, err = lifecycle.ParseManifest(b)
	case h.opts.LoadManifest != nil:
		m, err = h.opts.LoadManifest()
	default:
		err = errors.Join(lifecycle.ErrInvalidManifest, errors.New("empty body"))
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, cancel := h.lifecycleContext(r)
	defer cancel()
	if err := h.opts.Host.Install(ctx, m); err != nil {
		h.fail(w, r, err)
		return
	}
	h.state(w, r)
}

func (h *apiHandler) lifecycleContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.opts.LifecycleTimeout)
}

func (h *apiHandler) activate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.lifecycleContext(r)
	defer cancel()
	if err := h.opts.Host.Activate(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	h.state(w, r)
}

func (h *apiHandler) state(w http.ResponseWriter, _ *http.Request) {
	st := h.opts.Host.State()
	writeJSON(w, http.StatusOK, stateBody{
		Phase:              st.Phase.String(),
		CurrentVersion:     st.CurrentVersion,
		ActiveVersion:      st.ActiveVersion,
		ControllingVersion: h.opts.Host.Version(),
		RetainedNamespaces: st.RetainedNamespaces,
	})
}
