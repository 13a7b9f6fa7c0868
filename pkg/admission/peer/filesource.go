/*
Copyright 2025 The AgentRun Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "github.com/agentrun/admission/internal/logging"
	"github.com/agentrun/admission/pkg/admission/contracts"
)

const (
	snapshotSuffix = ".peer.json"
	claimsDirName  = "claims"

	// claimRetention bounds how long a claim marker survives; after that the entry is long gone on every
	// instance and the marker is just litter.
	claimRetention = 5 * time.Minute
)

// FileSource exchanges peer snapshots through a shared directory: one JSON file per instance, written with
// a temp-file-and-rename so readers never observe a torn snapshot, and one marker file per work-steal claim
// created with O_EXCL so exactly one claimer wins.
//
// The directory is typically on a local or network filesystem shared by the cooperating processes. Every
// method is best-effort by contract; callers (the Coordinator) translate errors into "use local numbers".
type FileSource struct {
	dir        string
	instanceID string
	clock      clock.PassiveClock
	logger     logr.Logger
}

var _ contracts.PeerUsageSource = &FileSource{}

// NewFileSource creates the shared directory (and its claims subdirectory) if needed.
func NewFileSource(dir, instanceID string, clk clock.PassiveClock, logger logr.Logger) (*FileSource, error) {
	if err := os.MkdirAll(filepath.Join(dir, claimsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating peer medium directory %q: %w", dir, err)
	}
	return &FileSource{
		dir:        dir,
		instanceID: instanceID,
		clock:      clk,
		logger:     logger.WithName("peer-file-source"),
	}, nil
}

func (f *FileSource) snapshotPath(instanceID string) string {
	return filepath.Join(f.dir, instanceID+snapshotSuffix)
}

func (f *FileSource) claimPath(entryID string) string {
	return filepath.Join(f.dir, claimsDirName, entryID+".claim")
}

// Publish atomically replaces this instance's snapshot file.
func (f *FileSource) Publish(_ context.Context, snap contracts.PeerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding peer snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, "."+snap.InstanceID+"-*")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.snapshotPath(snap.InstanceID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

// List reads every peer snapshot in the directory, skipping this instance's own file and anything
// malformed. Staleness filtering belongs to the Coordinator; transport-level garbage is dropped here.
func (f *FileSource) List(_ context.Context) ([]contracts.PeerSnapshot, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("reading peer medium directory: %w", err)
	}
	var peers []contracts.PeerSnapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		if strings.TrimSuffix(name, snapshotSuffix) == f.instanceID {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			// The peer may have replaced its file mid-read; skip it this round.
			continue
		}
		var snap contracts.PeerSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			f.logger.V(logutil.DEBUG).Info("Skipping malformed peer snapshot", "file", name, "error", err.Error())
			continue
		}
		peers = append(peers, snap)
	}
	return peers, nil
}

// Claim wins by being the process that creates the marker file. A lost race is a normal outcome, reported
// as false with no error.
func (f *FileSource) Claim(_ context.Context, _, entryID string) (bool, error) {
	file, err := os.OpenFile(f.claimPath(entryID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("creating claim marker: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(f.instanceID); err != nil {
		return false, fmt.Errorf("writing claim marker: %w", err)
	}
	return true, nil
}

// ClaimedEntries lists all outstanding claim markers and prunes markers old enough that no instance can
// still hold the corresponding entry. The caller matches the ids against its own pending queue.
func (f *FileSource) ClaimedEntries(_ context.Context) ([]string, error) {
	claimsDir := filepath.Join(f.dir, claimsDirName)
	entries, err := os.ReadDir(claimsDir)
	if err != nil {
		return nil, fmt.Errorf("reading claims directory: %w", err)
	}
	cutoff := f.clock.Now().Add(-claimRetention)
	var claimed []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".claim") {
			continue
		}
		if info, err := entry.Info(); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(claimsDir, name))
			continue
		}
		claimed = append(claimed, strings.TrimSuffix(name, ".claim"))
	}
	return claimed, nil
}
