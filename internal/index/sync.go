package index

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// updateDirName is the scratch area under the root directory that holds
// reusable git clones.
const updateDirName = "update"

// Syncer refreshes one mirror directory.
type Syncer interface {
	Sync(ctx context.Context) error
}

// SelectSyncer picks the git transport when a git executable is resolvable
// on the search path and the conditional HTTP download otherwise. The choice
// is made once per call from tool availability alone; there is no fallback
// between transports when the chosen one fails.
func SelectSyncer(indexID string, cfg *IndexConfig, dir, scratchDir string, runner CommandRunner, quiet bool) Syncer {
	if _, err := runner.LookPath("git"); err == nil {
		return NewGitSyncer(indexID, dir, cfg, scratchDir, runner)
	}
	slog.Debug("git not found on PATH, using HTTP transport", "index", indexID)
	return NewHTTPSyncer(indexID, dir, cfg, quiet)
}

// prepare validates the index ID and configuration and returns the mirror
// and scratch directories for it.
func prepare(config *Config, indexID string) (*IndexConfig, string, string, error) {
	cfg, ok := config.Indexes[indexID]
	if !ok {
		return nil, "", "", errors.New("no such index: " + indexID)
	}
	if !IsValidID(indexID) {
		return nil, "", "", errors.New("invalid id: " + indexID)
	}
	if err := cfg.Check(); err != nil {
		return nil, "", "", errors.Wrap(err, indexID)
	}
	dir := filepath.Join(config.Dir, indexID)
	scratch := filepath.Join(config.Dir, updateDirName)
	return cfg, dir, scratch, nil
}

type syncJob struct {
	indexID string
	cfg     *IndexConfig
	dir     string
	scratch string
}

// Run synchronizes the named indexes, or every configured index when ids is
// empty. Every index is validated before any refresh launches, so a
// configuration error never leaves another index's refresh running detached.
// Indexes refresh concurrently; each refresh is strictly sequential
// internally.
func Run(ctx context.Context, config *Config, ids []string, noVerify, quiet bool) error {
	if err := config.Check(); err != nil {
		return err
	}

	if len(ids) == 0 {
		for id := range config.Indexes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	jobs := make([]syncJob, 0, len(ids))
	for _, indexID := range ids {
		cfg, dir, scratch, err := prepare(config, indexID)
		if err != nil {
			return err
		}
		if noVerify {
			overridden := *cfg
			overridden.VerifySignatures = false
			cfg = &overridden
		}
		jobs = append(jobs, syncJob{indexID: indexID, cfg: cfg, dir: dir, scratch: scratch})
	}

	runner := NewExecRunner()
	slog.Info("sync starts", "indexes", ids)

	group, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		group.Go(func() error {
			syncer := SelectSyncer(job.indexID, job.cfg, job.dir, job.scratch, runner, quiet)
			if err := syncer.Sync(ctx); err != nil {
				return errors.Wrap(err, job.indexID)
			}
			return nil
		})
	}
	err := group.Wait()
	if err != nil {
		return err
	}

	slog.Info("sync ends")
	return nil
}

// Query answers a version query for one configured index, synchronizing the
// mirror first when none exists yet. A refresh failure on a fresh mirror is
// fatal to the query; an existing mirror is queried as-is.
func Query(ctx context.Context, config *Config, indexID, pkg string, quiet bool) (VersionSet, error) {
	if err := config.Check(); err != nil {
		return nil, err
	}
	cfg, dir, scratch, err := prepare(config, indexID)
	if err != nil {
		return nil, err
	}

	syncer := SelectSyncer(indexID, cfg, dir, scratch, NewExecRunner(), quiet)
	h, err := EnsureHandle(ctx, dir, syncer)
	if err != nil {
		return nil, errors.Wrap(err, indexID)
	}
	return QueryVersions(h, pkg)
}
