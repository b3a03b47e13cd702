package index

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
)

const (
	// displayBranch is the branch the index publisher keeps pointed at the
	// latest browsable snapshot; cloning it shallowly is enough to export
	// the current archive.
	displayBranch = "display"

	// currentTag is the signed tag naming the currently published index
	// state. Exports always read from this tag.
	currentTag = "current-hackage"

	verifyDocsURL = "https://github.com/indexctl/indexctl#signature-verification"
)

// GitSyncer refreshes a mirror by shallow-cloning the index repository,
// fetching its tags, optionally verifying the signature on the published
// tag, and exporting a tar archive from it.
type GitSyncer struct {
	indexID    string
	dir        string // mirror directory receiving 00-index.tar
	remoteURL  string
	scratchDir string // update area holding the reusable clone
	verify     bool
	keyPath    string
	runner     CommandRunner
}

// NewGitSyncer constructs a GitSyncer for one configured index.
func NewGitSyncer(indexID, dir string, cfg *IndexConfig, scratchDir string, runner CommandRunner) *GitSyncer {
	return &GitSyncer{
		indexID:    indexID,
		dir:        dir,
		remoteURL:  cfg.GitURL,
		scratchDir: scratchDir,
		verify:     cfg.VerifySignatures,
		keyPath:    cfg.SigningKeyPath,
		runner:     runner,
	}
}

// cloneName derives the local clone directory name from the remote URL.
func (g *GitSyncer) cloneName() string {
	name := path.Base(strings.TrimSuffix(g.remoteURL, "/"))
	return strings.TrimSuffix(name, ".git")
}

// Sync refreshes the mirror. Any git invocation exiting non-zero aborts the
// attempt; effects already committed to the scratch clone persist and the
// clone is reused on the next attempt.
func (g *GitSyncer) Sync(ctx context.Context) error {
	if err := os.MkdirAll(g.dir, 0750); err != nil {
		return errors.Wrap(err, "git sync: "+g.dir)
	}

	gitPath, err := g.runner.LookPath("git")
	if err != nil {
		return errors.Mark(
			errors.New("git executable not found in PATH; install git (e.g. apt install git) or remove it to sync over HTTP"),
			ErrToolMissing)
	}

	name := g.cloneName()
	cloneDir := filepath.Join(g.scratchDir, name)
	if _, err := os.Stat(cloneDir); err != nil {
		if !os.IsNotExist(err) {
			return errors.Wrap(err, "git sync: "+cloneDir)
		}
		if err := os.MkdirAll(g.scratchDir, 0750); err != nil {
			return errors.Wrap(err, "git sync: "+g.scratchDir)
		}
		slog.Info("cloning index repository for the first time", "index", g.indexID, "url", g.remoteURL)
		err = g.runner.Run(ctx, g.scratchDir, gitPath,
			"clone", g.remoteURL, name, "--depth", "1", "-b", displayBranch)
		if err != nil {
			return errors.Wrap(err, "git clone")
		}
	}

	// Tags move between releases, so fetch them even on a fresh clone.
	if err := g.runner.Run(ctx, cloneDir, gitPath, "fetch", "--tags", "--depth=1"); err != nil {
		return errors.Wrap(err, "git fetch")
	}

	tarPath := filepath.Join(g.dir, archiveTar)
	if err := os.Remove(tarPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not remove stale index archive", "index", g.indexID, "path", tarPath, "error", err)
	}

	if g.verify {
		if err := g.runner.Run(ctx, cloneDir, gitPath, "tag", "-v", currentTag); err != nil {
			return errors.Mark(
				errors.Wrapf(err,
					"signature verification failed for tag %q; the tag must be signed by key %s, see %s for keyring setup",
					currentTag, g.expectedKeyID(), verifyDocsURL),
				ErrSignatureVerification)
		}
		slog.Info("tag signature verified", "index", g.indexID, "tag", currentTag)
	}

	err = g.runner.Run(ctx, cloneDir, gitPath, "archive", "--format=tar", "-o", tarPath, currentTag)
	if err != nil {
		return errors.Wrap(err, "git archive")
	}

	slog.Info("index synchronized over git", "index", g.indexID, "archive", tarPath)
	return nil
}

// expectedKeyID reads the configured armored signing key and returns its key
// ID for remediation messages. Problems reading the key degrade the message,
// not the sync.
func (g *GitSyncer) expectedKeyID() string {
	if g.keyPath == "" {
		return "(signing_key_path not configured)"
	}
	armored, err := os.ReadFile(g.keyPath)
	if err != nil {
		slog.Warn("cannot read signing key file", "index", g.indexID, "path", g.keyPath, "error", err)
		return "(unreadable key file " + g.keyPath + ")"
	}
	key, err := crypto.NewKeyFromArmored(string(armored))
	if err != nil {
		slog.Warn("cannot parse signing key file", "index", g.indexID, "path", g.keyPath, "error", err)
		return "(unparsable key file " + g.keyPath + ")"
	}
	return key.GetHexKeyID()
}
