package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// errPathNotAllowed rejects start requests naming a file outside audio.replay_dir.
var errPathNotAllowed = errors.New("path is outside the replay directory")

// SessionAPI is the controller surface the HTTP layer drives.
type SessionAPI interface {
	Snapshot() (session.Snapshot, error)
	Export() (string, error)
	Caption(limit int) string
	Do(ctx context.Context, ctl session.SessionControl) error
}

// Timeline lists journaled entries for a session.
type Timeline interface {
	ListSession(ctx context.Context, sessionID string, limit int) ([]eventstore.Entry, error)
}

// Presence lists the nodes known on the bus.
type Presence interface {
	Query(filters ...func(capability.NodeInfo) bool) []capability.NodeInfo
}

type healthCheck struct {
	name    string
	healthy func() bool
}

type api struct {
	session  SessionAPI
	timeline Timeline
	presence Presence
	audio    config.AudioConfig
	caption  int
	checks   []healthCheck
	metrics  http.Handler
	log      zerolog.Logger
}

type startRequest struct {
	// Path replays a WAV file instead of running the capture commands.
	Path        string `json:"path,omitempty"`
	ScreenShare bool   `json:"screenShare,omitempty"`
}

func newRouter(a *api) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Get("/v1/providers", a.handleProviders)

	r.Route("/v1/session", func(r chi.Router) {
		r.Get("/", a.handleSnapshot)
		r.Get("/export", a.handleExport)
		r.Get("/caption", a.handleCaption)
		r.Get("/timeline", a.handleTimeline)
		r.Post("/provider", a.handleProvider)
		r.Put("/agent", a.handleAgent)
		r.Put("/preference", a.handlePreference)
		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)
	})
	return r
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	for _, c := range a.checks {
		if !c.healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready: " + c.name))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *api) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, err := a.session.Snapshot()
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) handleExport(w http.ResponseWriter, _ *http.Request) {
	text, err := a.session.Export()
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="transcript.txt"`)
	_, _ = w.Write([]byte(text))
}

func (a *api) handleCaption(w http.ResponseWriter, r *http.Request) {
	limit := a.caption
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(a.session.Caption(limit)))
}

func (a *api) handleTimeline(w http.ResponseWriter, r *http.Request) {
	snap, err := a.session.Snapshot()
	if err != nil {
		a.writeError(w, err)
		return
	}
	var entries []eventstore.Entry
	if a.timeline != nil {
		entries, err = a.timeline.ListSession(r.Context(), snap.ConnectionID, 500)
		if err != nil {
			a.writeError(w, err)
			return
		}
	}
	if entries == nil {
		entries = []eventstore.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleProviders filters by ?capability= and ?tier=; ?healthy=true drops
// nodes that missed their heartbeats.
func (a *api) handleProviders(w http.ResponseWriter, r *http.Request) {
	nodes := []capability.NodeInfo{}
	if a.presence != nil {
		var filters []func(capability.NodeInfo) bool
		q := r.URL.Query()
		if name := q.Get("capability"); name != "" {
			filters = append(filters, capability.WithCapabilityFilter(name))
		}
		if tier := q.Get("tier"); tier != "" {
			filters = append(filters, capability.WithTierFilter(tier))
		}
		if raw := q.Get("healthy"); raw != "" {
			only, err := strconv.ParseBool(raw)
			if err != nil {
				http.Error(w, "healthy must be a boolean", http.StatusBadRequest)
				return
			}
			if only {
				filters = append(filters, capability.HealthyOnly)
			}
		}
		nodes = append(nodes, a.presence.Query(filters...)...)
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *api) handleProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if !decode(w, r, &body) {
		return
	}
	a.act(w, r, session.SessionControl{Action: session.ActionSelectProvider, Provider: body.Provider})
}

func (a *api) handleAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent string `json:"agent"`
	}
	if !decode(w, r, &body) {
		return
	}
	a.act(w, r, session.SessionControl{Action: session.ActionSelectAgent, Agent: body.Agent})
}

func (a *api) handlePreference(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Preference string `json:"preference"`
	}
	if !decode(w, r, &body) {
		return
	}
	a.act(w, r, session.SessionControl{Action: session.ActionSetPreference, Preference: analysis.Preference(body.Preference)})
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	capture, err := a.captureFor(body)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.act(w, r, session.SessionControl{Action: session.ActionStart, Capture: capture})
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	a.act(w, r, session.SessionControl{Action: session.ActionStop})
}

// captureFor maps a start request onto capture sources. Without a path the
// configured commands are used; an unset screen command falls back to the mic.
func (a *api) captureFor(req startRequest) (audio.Capture, error) {
	if req.Path != "" {
		path, err := a.replayPath(req.Path)
		if err != nil {
			return audio.Capture{}, err
		}
		src := audio.WAVSource{Path: path}
		if req.ScreenShare {
			return audio.Capture{Primary: src}, nil
		}
		return audio.Capture{Fallback: src}, nil
	}
	return audio.Capture{
		Primary:  audio.CommandSource{Command: a.audio.ScreenCommand, Rate: a.audio.SampleRate},
		Fallback: audio.CommandSource{Command: a.audio.MicCommand, Rate: a.audio.SampleRate},
	}, nil
}

// replayPath resolves name inside audio.replay_dir. Relative names are joined
// to the directory; symlinks are followed before the containment check.
func (a *api) replayPath(name string) (string, error) {
	if a.audio.ReplayDir == "" {
		return "", fmt.Errorf("%w: file playback is disabled", errPathNotAllowed)
	}
	root, err := filepath.Abs(a.audio.ReplayDir)
	if err != nil {
		return "", fmt.Errorf("resolve replay dir: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(path)
	if errors.Is(err, os.ErrNotExist) {
		// the file may not exist yet; its directory still has to resolve inside root
		var dir string
		if dir, err = filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
			resolved = filepath.Join(dir, filepath.Base(path))
		}
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, errPathNotAllowed)
	}
	path = resolved

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%s: %w", name, errPathNotAllowed)
	}
	return path, nil
}

func (a *api) act(w http.ResponseWriter, r *http.Request, ctl session.SessionControl) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-scribe/internal/runtime").Start(r.Context(), "session."+string(ctl.Action))
	defer span.End()
	span.SetAttributes(attribute.String("request_id", middleware.GetReqID(r.Context())))

	if err := a.session.Do(ctx, ctl); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.writeError(w, err)
		return
	}
	snap, err := a.session.Snapshot()
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNoSession):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNoProvider), errors.Is(err, session.ErrAlreadyCapturing):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownAgent), errors.Is(err, session.ErrUnknownAction), errors.Is(err, analysis.ErrUnknownPreference):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrPermissionDenied), errors.Is(err, errPathNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrNoAudioTrack), errors.Is(err, audio.ErrCaptureUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
