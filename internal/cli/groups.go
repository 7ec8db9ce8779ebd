package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Smalls1652/localllm-chat/internal/compose"
	"github.com/Smalls1652/localllm-chat/internal/config"
	"github.com/Smalls1652/localllm-chat/internal/engine"
	"github.com/Smalls1652/localllm-chat/internal/health"
	"github.com/Smalls1652/localllm-chat/internal/reconcile"
	"github.com/Smalls1652/localllm-chat/internal/resource"
)

// composeGroupID names the group imported from LLMCHAT_COMPOSE_FILE.
const composeGroupID = "compose"

// groupSource assembles the managed groups: the built-in Open WebUI group,
// the optional groups file and the optional compose import. The compose
// group is only re-parsed when the fetched content changed.
type groupSource struct {
	cfg        config.Config
	logger     zerolog.Logger
	fetcher    compose.Fetcher
	workingDir string

	etag        string
	fingerprint string
	composed    *resource.Group
}

func newGroupSource(cfg config.Config, logger zerolog.Logger) (*groupSource, error) {
	s := &groupSource{cfg: cfg, logger: logger, workingDir: "."}
	if cfg.ComposeFile == "" {
		return s, nil
	}
	fetcher, err := compose.NewFetcher(cfg.ComposeFile, cfg.APITimeout)
	if err != nil {
		return nil, fmt.Errorf("compose source: %w", err)
	}
	s.fetcher = fetcher
	if !strings.HasPrefix(cfg.ComposeFile, "http://") && !strings.HasPrefix(cfg.ComposeFile, "https://") {
		s.workingDir = filepath.Dir(cfg.ComposeFile)
	}
	return s, nil
}

// Load reads every configured source and returns the groups in a stable
// order. Files are re-read on every call so a reload picks up edits.
func (s *groupSource) Load(ctx context.Context) ([]resource.Group, error) {
	app, err := config.LoadAppSettings(s.cfg.AppFile)
	if err != nil {
		return nil, err
	}
	groups, err := config.DefaultGroups(s.cfg, app)
	if err != nil {
		return nil, err
	}

	declared, err := config.LoadGroupsFile(s.cfg.GroupsFile)
	if err != nil {
		return nil, err
	}
	groups = append(groups, declared...)

	if s.fetcher != nil {
		group, err := s.loadCompose(ctx)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (s *groupSource) loadCompose(ctx context.Context) (resource.Group, error) {
	res, err := s.fetcher.Fetch(ctx, s.etag)
	if err != nil {
		return resource.Group{}, fmt.Errorf("fetch compose: %w", err)
	}
	if res.NotModified && s.composed != nil {
		s.logger.Debug().Str("etag", s.etag).Msg("compose file not modified")
		return *s.composed, nil
	}

	fingerprint, err := compose.Fingerprint(composeGroupID, s.workingDir, res.Body)
	if err != nil {
		return resource.Group{}, err
	}
	if fingerprint == s.fingerprint && s.composed != nil {
		s.etag = res.ETag
		return *s.composed, nil
	}

	group, err := compose.ParseGroup(ctx, composeGroupID, res.Body, s.workingDir)
	if err != nil {
		return resource.Group{}, err
	}
	s.logger.Info().
		Str("group", composeGroupID).
		Str("fingerprint", fingerprint).
		Int("specs", len(group.Specs)).
		Msg("compose file imported")

	s.etag, s.fingerprint, s.composed = res.ETag, fingerprint, &group
	return group, nil
}

func engineConfig(cfg config.Config) engine.Config {
	return engine.Config{
		PollInterval: cfg.PollInterval,
		Reconcile: reconcile.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			StopGrace:      cfg.StopGrace,
			MaxRestarts:    cfg.MaxRestarts,
			DriftInterval:  cfg.DriftInterval,
			AutoStart:      cfg.AutoStart,
		},
		Health: health.Config{
			Interval:           cfg.ProbeInterval,
			Timeout:            cfg.ProbeTimeout,
			HealthyThreshold:   cfg.HealthyThreshold,
			UnhealthyThreshold: cfg.UnhealthyThreshold,
			StartTimeout:       cfg.StartTimeout,
			UnhealthyGrace:     cfg.UnhealthyGrace,
		},
	}
}

func groupIDs(groups []resource.Group) []string {
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids
}
