package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/engine"
	"github.com/Smalls1652/localllm-chat/internal/events"
)

const (
	defaultLogTail    = "200"
	sseKeepAlive      = 15 * time.Second
	logFlushChunkSize = 32 << 10
)

// Engine is the subset of the engine facade the control API serves.
type Engine interface {
	Snapshots() []events.Snapshot
	Snapshot(id string) (events.Snapshot, bool)
	RequestStart(id string) error
	RequestStop(id string) error
	Subscribe() *events.Subscription
	Logs(ctx context.Context, id, container string, opts daemon.LogOptions) (io.ReadCloser, error)
}

// API serves group snapshots, lifecycle requests, the snapshot event stream
// and container logs over HTTP.
type API struct {
	engine    Engine
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewAPI constructs the control API over eng.
func NewAPI(eng Engine, logger zerolog.Logger) *API {
	return &API{engine: eng, logger: logger, keepAlive: sseKeepAlive}
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/groups", a.listGroups)
	mux.HandleFunc("GET /api/groups/{id}", a.getGroup)
	mux.HandleFunc("POST /api/groups/{id}/start", a.lifecycle(a.engine.RequestStart))
	mux.HandleFunc("POST /api/groups/{id}/stop", a.lifecycle(a.engine.RequestStop))
	mux.HandleFunc("GET /api/groups/{id}/containers/{name}/logs", a.containerLogs)
	mux.HandleFunc("GET /api/events", a.streamEvents)
}

// Handler returns a mux serving only the API routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Snapshots())
}

func (a *API) getGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := a.engine.Snapshot(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown group %q", id)})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) lifecycle(request func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := request(id); err != nil {
			a.writeError(w, err)
			return
		}
		snap, _ := a.engine.Snapshot(id)
		writeJSON(w, http.StatusAccepted, snap)
	}
}

func (a *API) containerLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := daemon.LogOptions{Tail: defaultLogTail}
	if tail := query.Get("tail"); tail != "" {
		if tail != "all" {
			if n, err := strconv.Atoi(tail); err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tail must be a non-negative integer or all"})
				return
			}
		}
		opts.Tail = tail
	}
	for key, dst := range map[string]*bool{"follow": &opts.Follow, "timestamps": &opts.Timestamps} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("%s must be a boolean", key)})
			return
		}
		*dst = value
	}

	rc, err := a.engine.Logs(r.Context(), r.PathValue("id"), r.PathValue("name"), opts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, logFlushChunkSize)
	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && r.Context().Err() == nil {
				a.logger.Warn().Err(readErr).Str("container", r.PathValue("name")).Msg("log stream ended")
			}
			return
		}
	}
}

// streamEvents writes every snapshot as a server-sent event until the client
// disconnects. Slow clients see the latest snapshot per group.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	sub := a.engine.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	snaps := make(chan []events.Snapshot)
	go func() {
		defer close(snaps)
		for {
			batch, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case snaps <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepAlive := time.NewTicker(a.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case batch, ok := <-snaps:
			if !ok {
				return
			}
			for _, snap := range batch {
				payload, err := json.Marshal(snap)
				if err != nil {
					a.logger.Error().Err(err).Str("group", snap.Group).Msg("encode snapshot")
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %s-%d\nevent: snapshot\ndata: %s\n\n", snap.Group, snap.Seq, payload); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var daemonErr *daemon.Error
	switch {
	case errors.Is(err, engine.ErrUnknownGroup):
		status = http.StatusNotFound
	case errors.As(err, &daemonErr) && daemonErr.Kind == daemon.KindNotFound:
		status = http.StatusNotFound
	case errors.As(err, &daemonErr) && daemonErr.Transient():
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.logger.Error().Err(err).Msg("api request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
