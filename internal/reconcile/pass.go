package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/daemon"
	"github.com/Smalls1652/localllm-chat/internal/events"
	"github.com/Smalls1652/localllm-chat/internal/plan"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

type passKind string

const (
	passUp       passKind = "up"
	passTeardown passKind = "teardown"
	passRestart  passKind = "restart"
)

type passInput struct {
	kind     passKind
	group    resource.Group
	quiet    bool
	restarts []string
}

type passProgress struct {
	flight *flight
	state  resource.ReconciliationState
}

type passResult struct {
	kind     passKind
	quiet    bool
	state    resource.ReconciliationState
	err      *events.ErrorInfo
	statuses map[string]resource.ContainerStatus
	// touched holds containers this pass created or started.
	touched  map[string]bool
	aborted  bool
	noop     bool
	duration time.Duration
}

// runPass observes, plans and applies once. It runs on its own goroutine and
// touches no Loop state except immutable fields.
func (l *Loop) runPass(ctx context.Context, in passInput, f *flight, progress chan<- passProgress) (res passResult) {
	start := l.now()
	logger := l.logger.With().Str("pass_id", uuid.NewString()).Str("pass", string(in.kind)).Logger()
	res = passResult{kind: in.kind, quiet: in.quiet, touched: make(map[string]bool)}
	defer func() {
		res.duration = l.now().Sub(start)
	}()
	abort := f.abort

	var p plan.Plan
	if in.kind == passRestart {
		sort.Strings(in.restarts)
		p.Group = in.group.ID
		for _, name := range in.restarts {
			p.Actions = append(p.Actions, plan.Restart(in.group, name).Actions...)
		}
	} else {
		var observed []resource.Observed
		_, err := retry(ctx, abort, l.cfg, func(ctx context.Context) error {
			var err error
			observed, err = Observe(ctx, l.client, in.group)
			if err != nil {
				l.recordDaemonError(err)
			}
			return err
		})
		if err != nil {
			return l.failed(res, logger, "observe", err)
		}

		if in.kind == passTeardown {
			p = plan.Teardown(in.group, observed)
		} else {
			p = plan.Resolve(in.group, observed)
			res.statuses = containerStatuses(in.group.ID, observed)
		}
	}

	if in.quiet && p.Empty() {
		res.noop = true
		return res
	}
	if in.quiet {
		logger.Info().Strs("actions", p.Steps()).Msg("drift detected")
		l.progress(ctx, progress, f, resource.StatePlanning)
	}

	if len(p.Conflicts) > 0 {
		logger.Error().Str("conflicts", p.ConflictSummary()).Msg("plan has conflicts, not applying")
		res.state = resource.StateDegraded
		res.err = &events.ErrorInfo{
			Class:   string(ClassConflict),
			Message: p.ConflictSummary(),
			Time:    l.now(),
		}
		return res
	}

	if len(p.Actions) > 0 {
		logger.Debug().Strs("actions", p.Steps()).Msg("applying plan")
		l.progress(ctx, progress, f, resource.StateApplying)
	}

	for _, action := range p.Actions {
		select {
		case <-abort:
			res.aborted = true
			return res
		default:
		}

		err := l.apply(ctx, abort, in.group.ID, action, logger)
		if errors.Is(err, errAborted) {
			res.aborted = true
			return res
		}
		if err != nil {
			if ctx.Err() != nil {
				res.aborted = true
				return res
			}
			res = l.failed(res, logger, action.String(), err)
			break
		}
		if action.Type == plan.CreateContainer || action.Type == plan.StartContainer {
			res.touched[action.Name] = true
		}
	}

	if in.kind != passTeardown {
		// Status lookups after apply are best effort.
		if statuses, err := l.observeStatuses(ctx, in.group); err == nil {
			res.statuses = statuses
		} else {
			logger.Debug().Err(err).Msg("container status refresh failed")
		}
	}

	if res.err != nil {
		return res
	}
	if in.kind == passTeardown {
		res.state = resource.StateIdle
	} else {
		res.state = resource.StateSettled
	}
	logger.Info().Int("actions", len(p.Actions)).Str("state", string(res.state)).Msg("pass complete")
	return res
}

// apply executes one action with retries and records its outcome.
func (l *Loop) apply(ctx context.Context, abort <-chan struct{}, group string, action plan.Action, logger zerolog.Logger) error {
	attempts, err := retry(ctx, abort, l.cfg, func(ctx context.Context) error {
		err := execute(ctx, l.client, l.cfg.StopGrace, group, action)
		if err != nil {
			l.recordDaemonError(err)
			logger.Debug().Err(err).Str("action", action.String()).Msg("action attempt failed")
		}
		return err
	})

	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, errAborted) {
			result = "aborted"
		}
	}
	l.recorder.RecordAction(group, action.Type, result)

	event := logger.Debug()
	if err != nil {
		event = logger.Warn().Err(err)
	}
	event.Str("action", action.String()).Str("reason", action.Reason).Int("attempts", attempts).Msg("action " + result)
	return err
}

// execute performs one action against client. Removing or stopping something
// that is already gone counts as success.
func execute(ctx context.Context, client daemon.Client, stopGrace time.Duration, group string, action plan.Action) error {
	switch action.Type {
	case plan.PullImage:
		return client.PullImage(ctx, action.Name)
	case plan.CreateNetwork, plan.CreateVolume, plan.CreateContainer:
		err := client.Create(ctx, *action.Spec, resource.OwnerLabels(group))
		if daemon.IsKind(err, daemon.KindAlreadyExists) {
			return nil
		}
		return err
	case plan.StartContainer:
		return client.Start(ctx, action.Name)
	case plan.StopContainer:
		err := client.Stop(ctx, action.Name, stopGrace)
		if daemon.IsKind(err, daemon.KindNotFound) {
			return nil
		}
		return err
	case plan.RemoveContainer, plan.RemoveNetwork, plan.RemoveVolume:
		err := client.Remove(ctx, action.Kind, action.Name, action.Force)
		if daemon.IsKind(err, daemon.KindNotFound) {
			return nil
		}
		return err
	}
	return &resource.ConfigError{Group: group, Spec: action.Name, Err: fmt.Errorf("unknown action %q", action.Type)}
}

func (l *Loop) failed(res passResult, logger zerolog.Logger, action string, err error) passResult {
	if errors.Is(err, errAborted) {
		res.aborted = true
		return res
	}
	class := Classify(err)
	logger.Error().Err(err).Str("action", action).Str("class", string(class)).Msg("pass failed")
	res.state = resource.StateDegraded
	res.err = &events.ErrorInfo{
		Action:  action,
		Class:   string(class),
		Kind:    string(daemon.KindOf(err)),
		Message: err.Error(),
		Time:    l.now(),
	}
	return res
}

func (l *Loop) recordDaemonError(err error) {
	if kind := daemon.KindOf(err); kind != "" {
		l.recorder.RecordDaemonError(kind)
	}
}

func (l *Loop) progress(ctx context.Context, progress chan<- passProgress, f *flight, state resource.ReconciliationState) {
	select {
	case progress <- passProgress{flight: f, state: state}:
	case <-ctx.Done():
	}
}

func (l *Loop) observeStatuses(ctx context.Context, group resource.Group) (map[string]resource.ContainerStatus, error) {
	observed, err := l.client.ListResources(ctx, resource.KindContainer, selectorFor(group, resource.KindContainer))
	if err != nil {
		return nil, err
	}
	return containerStatuses(group.ID, observed), nil
}

func containerStatuses(group string, observed []resource.Observed) map[string]resource.ContainerStatus {
	out := make(map[string]resource.ContainerStatus)
	for _, obs := range observed {
		if obs.Kind != resource.KindContainer || obs.Container == nil || !obs.OwnedBy(group) {
			continue
		}
		out[obs.Name] = obs.Container.Status
	}
	return out
}
