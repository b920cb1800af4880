// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrValidationFailed is returned when the merged candidate tree is
	// rejected by the proxy. The live directory is untouched.
	ErrValidationFailed = errors.New("route configuration validation failed")

	// ErrReloadFailed is returned when the proxy rejected the reload after
	// publication. The previous fragment state has been restored.
	ErrReloadFailed = errors.New("proxy reload failed")

	// ErrFragmentNotFound is returned when removing a fragment that does
	// not exist in the live directory.
	ErrFragmentNotFound = errors.New("fragment not found")
)

// =============================================================================
// Proxy Control Seam
// =============================================================================

// ProxyControl is the slice of edge proxy behavior the store depends on.
//
// The edge package's proxy controller satisfies this. Declared here so the
// store can be tested without a real proxy.
type ProxyControl interface {
	// ValidateConfig runs the proxy's configuration check against the
	// given container-path configuration file.
	ValidateConfig(ctx context.Context, confPath string) error

	// Reload signals the proxy to load the live configuration.
	Reload(ctx context.Context) error

	// WorkersRunning reports whether the proxy's worker processes are up.
	WorkersRunning(ctx context.Context) (bool, error)
}

// =============================================================================
// Store
// =============================================================================

// StoreConfig wires the Store to the host and container filesystem layout.
//
// The live and staging directories exist on the host but are bind-mounted
// into the edge container; validation happens in the container, so the
// store must know both views of each path.
type StoreConfig struct {
	// LiveDir is the host path of the live fragment directory.
	LiveDir string

	// StagingDir is the host path under which candidate trees are staged.
	// Must share a mounted tree with LiveDir so the container sees both.
	StagingDir string

	// ContainerStagingDir is StagingDir as seen inside the edge container.
	ContainerStagingDir string

	// FallbackCertPath and FallbackKeyPath are the container paths of the
	// default server's material, needed to render candidate configs.
	FallbackCertPath string
	FallbackKeyPath  string

	// ReloadTimeout bounds the reload-and-verify step of a transaction.
	// Zero means 15 seconds.
	ReloadTimeout time.Duration
}

// Store owns the live fragment directory.
//
// # Description
//
// All mutations run the same transaction:
//
//  1. Snapshot the fragment being changed.
//  2. Stage a full candidate tree (current fragments + the mutation) and a
//     candidate top-level config including it.
//  3. Validate the candidate inside the proxy container. Rejection leaves
//     the live directory untouched (ErrValidationFailed).
//  4. Commit with a single rename (or remove) in the live directory.
//  5. Reload the proxy and verify its workers.
//  6. On reload failure, restore the snapshot, reload again, and return
//     ErrReloadFailed.
//
// # Thread Safety
//
// Store serializes transactions with an internal mutex. Cross-process
// exclusion is the deployment lock's job.
type Store struct {
	cfg    StoreConfig
	proxy  ProxyControl
	logger *slog.Logger

	mu sync.Mutex
}

// NewStore creates a Store over the given layout and proxy.
func NewStore(cfg StoreConfig, proxy ProxyControl, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = 15 * time.Second
	}
	return &Store{cfg: cfg, proxy: proxy, logger: logger}
}

// List returns the fragment file names currently live, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.LiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading live dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Has reports whether a fragment is live.
func (s *Store) Has(fileName string) bool {
	_, err := os.Stat(filepath.Join(s.cfg.LiveDir, fileName))
	return err == nil
}

// ReadLive returns the live bytes of a fragment.
func (s *Store) ReadLive(fileName string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.cfg.LiveDir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFragmentNotFound, fileName)
		}
		return nil, err
	}
	return data, nil
}

// Publish validates and atomically installs a fragment, then reloads.
//
// Publishing over an existing fragment replaces it; the transaction
// restores the previous content if the reload fails.
func (s *Store) Publish(ctx context.Context, fileName string, content []byte) error {
	return s.transact(ctx, fileName, content, false)
}

// Remove validates the tree without the fragment, deletes it, and reloads.
//
// The transaction restores the fragment if the reload fails. Returns
// ErrFragmentNotFound when the fragment is not live.
func (s *Store) Remove(ctx context.Context, fileName string) error {
	if !s.Has(fileName) {
		return fmt.Errorf("%w: %s", ErrFragmentNotFound, fileName)
	}
	return s.transact(ctx, fileName, nil, true)
}

// transact runs the shared transaction. content is the candidate fragment
// body for a publish; removal is flagged explicitly.
func (s *Store) transact(ctx context.Context, fileName string, content []byte, remove bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.LiveDir, 0755); err != nil {
		return fmt.Errorf("creating live dir: %w", err)
	}

	// 1. Snapshot the fragment being changed.
	livePath := filepath.Join(s.cfg.LiveDir, fileName)
	var snapshot []byte
	hadPrevious := false
	if data, err := os.ReadFile(livePath); err == nil {
		snapshot = data
		hadPrevious = true
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("snapshotting %s: %w", fileName, err)
	}

	// 2. Stage the candidate tree.
	txID := uuid.NewString()
	stageDir := filepath.Join(s.cfg.StagingDir, txID)
	if err := s.stageCandidate(stageDir, fileName, content, remove); err != nil {
		return err
	}
	defer os.RemoveAll(stageDir)

	// 3. Validate the merged candidate inside the container.
	if err := s.proxy.ValidateConfig(ctx, s.containerPath(txID, "nginx.conf")); err != nil {
		s.logger.Error("candidate tree rejected", "tx", txID, "fragment", fileName, "error", err)
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	// 4. Commit: single rename into (or remove from) the live directory.
	if remove {
		if err := os.Remove(livePath); err != nil {
			return fmt.Errorf("removing fragment: %w", err)
		}
	} else {
		tmpPath := filepath.Join(s.cfg.LiveDir, ".tmp-"+txID)
		if err := os.WriteFile(tmpPath, content, 0644); err != nil {
			return fmt.Errorf("writing fragment: %w", err)
		}
		if err := os.Rename(tmpPath, livePath); err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("installing fragment: %w", err)
		}
	}

	// 5. Reload and verify.
	if err := s.reloadAndVerify(ctx); err != nil {
		// 6. Restore the snapshot and reload the previous state.
		restoreErr := s.restore(ctx, livePath, snapshot, hadPrevious)
		if restoreErr != nil {
			return fmt.Errorf("%w: %v (rollback also failed: %v)", ErrReloadFailed, err, restoreErr)
		}
		return fmt.Errorf("%w: %v (previous configuration restored)", ErrReloadFailed, err)
	}

	s.logger.Info("fragment transaction committed", "tx", txID, "fragment", fileName, "removed", remove)
	return nil
}

// stageCandidate builds the candidate tree: all live fragments, the
// mutation applied, plus a candidate top-level config including them.
func (s *Store) stageCandidate(stageDir, fileName string, content []byte, remove bool) error {
	fragDir := filepath.Join(stageDir, "fragments")
	if err := os.MkdirAll(fragDir, 0755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}

	names, err := s.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == fileName {
			continue // replaced or removed below
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.LiveDir, name))
		if err != nil {
			return fmt.Errorf("copying %s into stage: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(fragDir, name), data, 0644); err != nil {
			return fmt.Errorf("staging %s: %w", name, err)
		}
	}
	if !remove {
		if err := os.WriteFile(filepath.Join(fragDir, fileName), content, 0644); err != nil {
			return fmt.Errorf("staging %s: %w", fileName, err)
		}
	}

	txID := filepath.Base(stageDir)
	mainConf, err := RenderMain(MainConfig{
		IncludeDir:       s.containerPath(txID, "fragments"),
		FallbackCertPath: s.cfg.FallbackCertPath,
		FallbackKeyPath:  s.cfg.FallbackKeyPath,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(stageDir, "nginx.conf"), mainConf, 0644); err != nil {
		return fmt.Errorf("staging candidate config: %w", err)
	}
	return nil
}

// containerPath maps a staged file to its container-side path.
func (s *Store) containerPath(txID string, rel string) string {
	// Container paths are always slash separated.
	return s.cfg.ContainerStagingDir + "/" + txID + "/" + rel
}

// reloadAndVerify reloads the proxy and confirms its workers are up.
func (s *Store) reloadAndVerify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReloadTimeout)
	defer cancel()

	if err := s.proxy.Reload(ctx); err != nil {
		return err
	}
	up, err := s.proxy.WorkersRunning(ctx)
	if err != nil {
		return fmt.Errorf("verifying workers after reload: %w", err)
	}
	if !up {
		return errors.New("proxy workers not running after reload")
	}
	return nil
}

// restore puts the snapshotted fragment state back and reloads.
func (s *Store) restore(ctx context.Context, livePath string, snapshot []byte, hadPrevious bool) error {
	if hadPrevious {
		if err := os.WriteFile(livePath, snapshot, 0644); err != nil {
			return fmt.Errorf("restoring fragment: %w", err)
		}
	} else {
		if err := os.Remove(livePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing failed fragment: %w", err)
		}
	}
	if err := s.proxy.Reload(ctx); err != nil {
		return fmt.Errorf("reloading restored configuration: %w", err)
	}
	return nil
}
