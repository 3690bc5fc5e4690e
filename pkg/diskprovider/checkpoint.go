package diskprovider

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bobboyms/memstore/pkg/btree"
)

// CheckpointManager creates and reads on-disk checkpoints.
type CheckpointManager struct {
	basePath string
	mu       sync.Mutex
}

func NewCheckpointManager(basePath string) *CheckpointManager {
	return &CheckpointManager{
		basePath: basePath,
	}
}

// CreateCheckpoint writes a snapshot of the given tree to disk.
func (cm *CheckpointManager) CreateCheckpoint(tableName, indexName string, tree *btree.BPlusTree, lsn uint64) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	// File name: checkpoint_<tableName>_<indexName>_<LSN>.chk
	filename := fmt.Sprintf("checkpoint_%s_%s_%d.chk", tableName, indexName, lsn)
	path := filepath.Join(cm.basePath, filename)

	// Serialize to memory first; could stream straight to disk if RAM pressure mattered.
	data, err := SerializeBPlusTree(tree, lsn)
	if err != nil {
		return fmt.Errorf("serialization failed: %w", err)
	}

	// Atomic write: temp file then rename.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file failed: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename file failed: %w", err)
	}

	// Keep only the checkpoint just written; drop anything older.
	return cm.cleanOldCheckpoints(tableName, indexName, lsn)
}

// cleanOldCheckpoints removes every checkpoint older than keepLSN.
func (cm *CheckpointManager) cleanOldCheckpoints(tableName, indexName string, keepLSN uint64) error {
	files, err := os.ReadDir(cm.basePath)
	if err != nil {
		return err
	}

	prefix := fmt.Sprintf("checkpoint_%s_%s_", tableName, indexName)
	for _, f := range files {
		if strings.HasPrefix(f.Name(), prefix) && strings.HasSuffix(f.Name(), ".chk") {
			lsnStr := strings.TrimSuffix(strings.TrimPrefix(f.Name(), prefix), ".chk")
			lsn, err := strconv.ParseUint(lsnStr, 10, 64)
			if err == nil && lsn < keepLSN {
				os.Remove(filepath.Join(cm.basePath, f.Name()))
			}
		}
	}
	return nil
}

// LoadLatestCheckpoint tries to load the most recent checkpoint for the given tree.
func (cm *CheckpointManager) LoadLatestCheckpoint(tableName, indexName string) (*btree.BPlusTree, uint64, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	files, err := os.ReadDir(cm.basePath)
	if err != nil {
		return nil, 0, err // directory unreadable: treat as no checkpoint
	}

	prefix := fmt.Sprintf("checkpoint_%s_%s_", tableName, indexName)
	var maxLSN uint64
	var latestFile string
	found := false

	for _, f := range files {
		if strings.HasPrefix(f.Name(), prefix) && strings.HasSuffix(f.Name(), ".chk") {
			// Extract the LSN from the file name.
			lsnStr := strings.TrimSuffix(strings.TrimPrefix(f.Name(), prefix), ".chk")
			lsn, err := strconv.ParseUint(lsnStr, 10, 64)
			if err == nil {
				if lsn >= maxLSN { // >= so a lone LSN of 0 still counts as found
					maxLSN = lsn
					latestFile = f.Name()
					found = true
				}
			}
		}
	}

	if !found {
		return nil, 0, os.ErrNotExist
	}

	// Read and deserialize.
	path := filepath.Join(cm.basePath, latestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	return DeserializeBPlusTree(data)
}
