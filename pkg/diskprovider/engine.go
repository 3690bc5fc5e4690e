package diskprovider

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bobboyms/memstore/pkg/btree"
	"github.com/bobboyms/memstore/pkg/errors"
	"github.com/bobboyms/memstore/pkg/heap"
	"github.com/bobboyms/memstore/pkg/query"
	"github.com/bobboyms/memstore/pkg/types"
	"github.com/bobboyms/memstore/pkg/wal"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func GenerateKey() string {
	// Time-ordered UUID, so IdentityKey tables sort roughly by insertion order.
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id.String()
}

type StorageEngine struct {
	TableMetaData *TableMetaData
	WAL           *wal.WALWriter // nil in memory-only mode
	Checkpoint    *CheckpointManager
	lsnTracker    *LSNTracker
	TxRegistry    *TransactionRegistry
	metaMu        sync.RWMutex // guards metadata-only operations (ListTables, ...); per-table locking lives in Table.mu
}

func NewStorageEngine(tableMetaData *TableMetaData, walWriter *wal.WALWriter) (*StorageEngine, error) {
	// Checkpoints default to the WAL's directory; memory-only mode falls back to cwd.
	var checkpointDir string
	if walWriter != nil {
		checkpointDir = filepath.Dir(walWriter.Path())
	} else {
		checkpointDir = "."
	}

	checkpointMgr := NewCheckpointManager(checkpointDir)

	return &StorageEngine{
		TableMetaData: tableMetaData,
		WAL:           walWriter,
		Checkpoint:    checkpointMgr,
		lsnTracker:    NewLSNTracker(0),
		TxRegistry:    NewTransactionRegistry(),
	}, nil
}

// IsolationLevel is the visibility rule a Transaction reads under.
type IsolationLevel int

const (
	ReadCommitted  IsolationLevel = iota // re-snapshots before every read
	RepeatableRead                       // one snapshot for the transaction's lifetime
)

// Transaction is a read-side execution context under snapshot isolation.
type Transaction struct {
	SnapshotLSN uint64
	Level       IsolationLevel
	engine      *StorageEngine
}

// BeginTransaction opens a transaction at the given isolation level.
func (se *StorageEngine) BeginTransaction(level IsolationLevel) *Transaction {
	tx := &Transaction{
		SnapshotLSN: se.lsnTracker.Current(),
		Level:       level,
		engine:      se,
	}
	se.TxRegistry.Register(tx)
	return tx
}

// Close marks the transaction as finished and unregisters it
func (tx *Transaction) Close() {
	tx.engine.TxRegistry.Unregister(tx)
}

// BeginRead opens a RepeatableRead (snapshot) transaction.
func (se *StorageEngine) BeginRead() *Transaction {
	return se.BeginTransaction(RepeatableRead)
}

// IsVisible reports whether a version created at createLSN is visible to tx.
func (tx *Transaction) IsVisible(createLSN uint64) bool {
	// A version is visible once its creation committed before this snapshot.
	return createLSN <= tx.SnapshotLSN
}

func (se *StorageEngine) Close() error {
	var err error
	if se.WAL != nil {
		if wErr := se.WAL.Close(); wErr != nil {
			err = wErr
		}
	}
	// TxRegistry needs no explicit teardown; the engine is going away with it.

	// Each Heap may back more than one table; close each handle once.
	closedHeaps := make(map[*heap.HeapManager]bool)
	for _, tableName := range se.TableMetaData.ListTables() {
		table, _ := se.TableMetaData.GetTableByName(tableName)
		if table != nil && table.Heap != nil && !closedHeaps[table.Heap] {
			if hErr := table.Heap.Close(); hErr != nil {
				if err == nil {
					err = hErr
				} else {
					err = fmt.Errorf("%v; heap close error: %v", err, hErr)
				}
			}
			closedHeaps[table.Heap] = true
		}
	}
	return err
}

func (se *StorageEngine) Cursor(tree *btree.BPlusTree) *Cursor {
	return &Cursor{tree: tree}
}

// Put inserts or updates a row, going through the WAL before touching the tree.
func (se *StorageEngine) Put(tableName string, indexName string, key types.Comparable, document string) error {
	table, err := se.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return err
	}

	// No table-wide lock here (TableMetaData's map has no lock of its own);
	// per-index concurrency is handled by the B+Tree's own latching.
	index, err := table.GetIndex(indexName)
	if err != nil {
		return err
	}

	// Try convert json to bson for validation and better storage
	// If it fails, we treat it as a raw string (backward compatibility for tests)
	bsonDoc, err := JsonToBson(document)
	var bsonData []byte
	if err == nil {
		// Verify if the key exists
		exists, keyType := DoesTheKeyExist(bsonDoc, indexName)
		if !exists {
			return &errors.IndexNotFoundError{
				Name: indexName,
			}
		}

		// Verify if the key type is valid
		if keyType != index.Type {
			return &errors.InvalidKeyTypeError{
				Name:     indexName,
				TypeName: keyType.String(),
			}
		}

		//Serialize bson to bytes
		bsonData, _ = MarshalBson(bsonDoc)
	} else {
		// Fallback to raw bytes
		bsonData = []byte(document)
	}

	// LSN assigned before either write lands, so WAL and heap agree on ordering.
	currentLSN := se.lsnTracker.Next()

	// 1. Write Ahead Log
	if se.WAL != nil {
		payload, err := SerializeDocumentEntry(tableName, indexName, key, bsonData)
		if err != nil {
			return err
		}

		entry := wal.AcquireEntry()
		entry.Header.Magic = wal.WALMagic
		entry.Header.Version = 1
		entry.Header.EntryType = wal.EntryInsert // log-structured: update replays as insert

		entry.Header.LSN = currentLSN

		entry.Header.PayloadLen = uint32(len(payload))
		entry.Header.CRC32 = wal.CalculateCRC32(payload)
		entry.Payload = append(entry.Payload, payload...)

		if err := se.WAL.WriteEntry(entry); err != nil {
			wal.ReleaseEntry(entry)
			return fmt.Errorf("wal write failed: %w", err)
		}
		wal.ReleaseEntry(entry)
	}

	// 2 ~ 4. Atomic Upsert (Write Heap -> Update Tree)
	// Upsert keeps reading the previous HEAD offset and writing the new one atomic.
	err = index.Tree.Upsert(key, func(oldOffset int64, exists bool) (int64, error) {
		var prevOffset int64 = -1
		if exists {
			prevOffset = oldOffset
		}

		// Heap write happens while the leaf lock is held; append-only bufio keeps it cheap.
		offset, err := table.Heap.Write(bsonData, currentLSN, prevOffset)
		if err != nil {
			return 0, fmt.Errorf("heap write failed: %w", err)
		}

		return offset, nil
	})

	if err != nil {
		return err
	}

	return nil
}

// Get performs a point lookup under tx's snapshot.
func (tx *Transaction) Get(tableName string, indexName string, key types.Comparable) (string, bool, error) {
	// ReadCommitted refreshes the snapshot before every read.
	tx.refreshSnapshot()

	se := tx.engine

	table, err := se.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return "", false, err
	}

	// Lock-free read: relies on the tree's own internal latching.
	index, err := table.GetIndex(indexName)
	if err != nil {
		return "", false, err
	}

	// Thread-safe tree lookup
	currentOffset, found := index.Tree.Get(key)
	if !found {
		return "", false, nil
	}

	// Version Chain Traversal (Time Travel)
	for currentOffset != -1 {
		docBytes, header, err := table.Heap.Read(currentOffset)
		if err != nil {
			return "", true, fmt.Errorf("failed to read from heap: %w", err)
		}

		// Visibility Check
		if tx.IsVisible(header.CreateLSN) {
			// Live if Valid; if a tombstone, only visible when the delete happened
			// after this snapshot.
			isVisibleVersion := header.Valid || (header.DeleteLSN > tx.SnapshotLSN)

			if isVisibleVersion {
				// Found the visible version.
				jsonStr, err := BsonToJson(docBytes)
				if err == nil {
					return jsonStr, true, nil
				}
				return string(docBytes), true, nil
			} else {
				// Version exists and was created before our snapshot, but was
				// already deleted by the time it was taken: absent for this tx.
				return "", false, nil
			}
		}

		// Version too new for this snapshot; walk back to its predecessor.
		currentOffset = header.PrevOffset
	}

	// Reached the end of the chain without a visible version.
	return "", false, nil

}

// Get is the autocommit convenience wrapper (reads under a fresh snapshot).
func (se *StorageEngine) Get(tableName string, indexName string, key types.Comparable) (string, bool, error) {
	tx := se.BeginRead()
	defer tx.Close() // Autocommit: Release transaction registration
	return tx.Get(tableName, indexName, key)
}

// Scan performs a range query over an index under tx's snapshot.
func (tx *Transaction) Scan(tableName string, indexName string, condition *query.ScanCondition) ([]string, error) {
	// ReadCommitted refreshes the snapshot before every scan.
	tx.refreshSnapshot()

	se := tx.engine

	table, err := se.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return nil, err
	}

	// Lock-free scan: the cursor handles leaf locking internally.

	results := []string{}
	index, err := table.GetIndex(indexName)
	if err != nil {
		return results, err
	}
	c := se.Cursor(index.Tree)
	defer c.Close()

	// Seekable operators (=, >, >=, BETWEEN) skip straight to the start key.
	if condition != nil && condition.ShouldSeek() {
		startKey := condition.GetStartKey()
		c.Seek(startKey)

		for c.Valid() {
			key := c.Key()

			if !condition.ShouldContinue(key) {
				break
			}

			if condition.Matches(key) {
				currentOffset := c.Value()

				// Version Chain Traversal
				foundVisible := false
				var visibleVal string

				for currentOffset != -1 {
					docBytes, header, err := table.Heap.Read(currentOffset)
					if err != nil {
						return nil, fmt.Errorf("heap read failed at key %v: %w", key, err)
					}

					if tx.IsVisible(header.CreateLSN) {
						isVisibleVersion := header.Valid || (header.DeleteLSN > tx.SnapshotLSN)
						if isVisibleVersion {
							jsonStr, err := BsonToJson(docBytes)
							if err == nil {
								visibleVal = jsonStr
							} else {
								visibleVal = string(docBytes)
							}
							foundVisible = true
							break // found the visible version
						} else {
							break // deleted as of this snapshot
						}
					}
					// Too new; try the predecessor.
					currentOffset = header.PrevOffset
				}

				if foundVisible {
					results = append(results, visibleVal)
				}
			}
			c.Next()
		}
	} else {
		// Non-seekable operators (!=, <) need a full scan from the start.
		c.Seek(nil)

		for c.Valid() {
			key := c.Key()

			// < and <= can stop as soon as the key no longer satisfies them.
			if condition != nil && !condition.ShouldContinue(key) {
				break
			}

			if condition == nil || condition.Matches(key) {
				currentOffset := c.Value()

				// Version Chain Traversal
				foundVisible := false
				var visibleVal string

				for currentOffset != -1 {
					docBytes, header, err := table.Heap.Read(currentOffset)
					if err != nil {
						return nil, fmt.Errorf("heap read failed at key %v: %w", key, err)
					}

					if tx.IsVisible(header.CreateLSN) {
						isVisibleVersion := header.Valid || (header.DeleteLSN > tx.SnapshotLSN)
						if isVisibleVersion {
							jsonStr, err := BsonToJson(docBytes)
							if err == nil {
								visibleVal = jsonStr
							} else {
								visibleVal = string(docBytes)
							}
							foundVisible = true
							break // found the visible version
						} else {
							break // deleted as of this snapshot
						}
					}
					// Too new; try the predecessor.
					currentOffset = header.PrevOffset
				}

				if foundVisible {
					results = append(results, visibleVal)
				}
			}
			c.Next()
		}
	}

	return results, nil
}

// InsertRow writes one document and updates several indices atomically,
// against a single heap record (no per-index duplication).
func (se *StorageEngine) InsertRow(tableName string, doc string, keys map[string]types.Comparable) error {
	table, err := se.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return err
	}

	// Try convert json to bson for validation
	bsonDoc, err := JsonToBson(doc)
	var bsonData []byte
	if err == nil {
		// Validate every key against its declared index type.
		for indexName := range keys {
			index, err := table.GetIndex(indexName)
			if err != nil {
				return err
			}
			exists, keyType := DoesTheKeyExist(bsonDoc, indexName)
			if !exists {
				return &errors.IndexNotFoundError{Name: indexName}
			}
			if keyType != index.Type {
				return &errors.InvalidKeyTypeError{
					Name:     indexName,
					TypeName: keyType.String(),
				}
			}
		}
		bsonData, _ = MarshalBson(bsonDoc)
	} else {
		bsonData = []byte(doc)
	}

	// 1.5 Constraint Check: Primary keys must be unique
	for indexName, key := range keys {
		index, err := table.GetIndex(indexName)
		if err == nil && index.Primary {
			if _, found := index.Tree.Get(key); found {
				return fmt.Errorf("duplicate key error: key %v already exists in index %s", key, indexName)
			}
		}
	}

	currentLSN := se.lsnTracker.Next()

	// 2. Write Ahead Log: a single entry covers every index.
	if se.WAL != nil {
		payload, err := SerializeMultiIndexEntry(tableName, keys, bsonData)
		if err != nil {
			return err
		}

		entry := wal.AcquireEntry()
		entry.Header.Magic = wal.WALMagic
		entry.Header.Version = 1
		entry.Header.EntryType = wal.EntryMultiInsert
		entry.Header.LSN = currentLSN
		entry.Header.PayloadLen = uint32(len(payload))
		entry.Header.CRC32 = wal.CalculateCRC32(payload)
		entry.Payload = append(entry.Payload, payload...)

		if err := se.WAL.WriteEntry(entry); err != nil {
			wal.ReleaseEntry(entry)
			return fmt.Errorf("wal write failed: %w", err)
		}
		wal.ReleaseEntry(entry)
	}

	// 3. Write to Heap once, shared by every index below.
	offset, err := table.Heap.Write(bsonData, currentLSN, -1) // fresh rows start with PrevOffset -1
	if err != nil {
		return fmt.Errorf("heap write failed: %w", err)
	}

	// 4. Update Trees
	for indexName, key := range keys {
		index, _ := table.GetIndex(indexName)
		// Replace upserts or inserts as needed; safe either way.
		if err := index.Tree.Replace(key, offset); err != nil {
			return fmt.Errorf("failed to update index %s: %w", indexName, err)
		}
	}

	return nil
}

// Scan is the autocommit convenience wrapper around Transaction.Scan.
func (se *StorageEngine) Scan(tableName string, indexName string, condition *query.ScanCondition) ([]string, error) {
	tx := se.BeginRead()
	defer tx.Close()
	return tx.Scan(tableName, indexName, condition)
}

// RangeScan is a BETWEEN convenience wrapper, kept for existing callers.
func (se *StorageEngine) RangeScan(tableName string, indexName string, start, end types.Comparable) ([]string, error) {
	return se.Scan(tableName, indexName, query.Between(start, end))
}

// Del marks a row deleted (DELETE FROM WHERE id = x).
func (se *StorageEngine) Del(tableName string, indexName string, key types.Comparable) (bool, error) {
	table, err := se.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return false, err
	}

	// No table lock needed; Upsert below handles the index-level atomicity.
	index, err := table.GetIndex(indexName)
	if err != nil {
		return false, err
	}

	currentLSN := se.lsnTracker.Next()

	// 1. Write Ahead Log
	if se.WAL != nil {
		// Delete only needs the key; the document payload is empty.
		payload, err := SerializeDocumentEntry(tableName, indexName, key, nil)
		if err != nil {
			return false, err
		}

		entry := wal.AcquireEntry()
		entry.Header.Magic = wal.WALMagic
		entry.Header.Version = 1
		entry.Header.EntryType = wal.EntryDelete

		entry.Header.LSN = currentLSN

		entry.Header.PayloadLen = uint32(len(payload))
		entry.Header.CRC32 = wal.CalculateCRC32(payload)
		entry.Payload = append(entry.Payload, payload...)

		if err := se.WAL.WriteEntry(entry); err != nil {
			wal.ReleaseEntry(entry)
			return false, fmt.Errorf("wal write failed: %w", err)
		}
		wal.ReleaseEntry(entry)
	}

	// 2. Mutate heap and tree: write a tombstone and keep the tree pointing
	// at it (the tree entry itself is never removed here, see below).
	var wasFound bool
	err = index.Tree.Upsert(key, func(oldOffset int64, exists bool) (int64, error) {
		if !exists {
			return 0, nil // Key not found, nothing to delete
		}
		wasFound = true

		// Mark the existing heap record as deleted in place (DeleteLSN set),
		// not as a fresh append — so the tree's HEAD offset doesn't move.
		if err := table.Heap.Delete(oldOffset, currentLSN); err != nil {
			return 0, fmt.Errorf("heap delete failed: %w", err)
		}

		// Same offset: the tree still points at the now-tombstoned record.
		return oldOffset, nil
	})

	if err != nil {
		return false, err
	}

	// MVCC Phase 2: Do NOT remove from B-Tree.
	// We need to keep the key pointing to the "Deleted" record (Tombstone)
	// so that older transactions can check visibility (DeleteLSN) and potential previous versions.
	// Garbage Collection (Vacuum) will eventually remove these when safe.
	// removed := index.Tree.Root.Remove(key)
	// if index.Tree.Root.N == 0 && !index.Tree.Root.Leaf {
	// 	index.Tree.Root = index.Tree.Root.Children[0]
	// }

	return wasFound, nil
}

// CreateCheckpoint snapshots every table's indices to disk. Only a
// consistent LSN is captured under lock; the actual serialization runs
// concurrently with ongoing writes.
func (se *StorageEngine) CreateCheckpoint() error {
	for _, tableName := range se.TableMetaData.ListTables() {
		table, err := se.TableMetaData.GetTableByName(tableName)
		if err != nil {
			continue
		}

		// Short barrier: capture the current LSN while holding the table
		// lock, so no schema change (index add/remove) races the snapshot.
		table.RLock()
		currentLSN := se.lsnTracker.Current()
		indices := table.GetIndicesUnsafe() // already holding the lock
		table.RUnlock()

		for _, idx := range indices {
			// Serialization runs in parallel with new Puts; SerializeBPlusTree
			// takes per-node RLocks (latch crabbing) so the written file is
			// structurally consistent, even if "fuzzy" about later LSNs.
			if err := se.Checkpoint.CreateCheckpoint(tableName, idx.Name, idx.Tree, currentLSN); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshSnapshot re-captures the current LSN for ReadCommitted transactions.
func (tx *Transaction) refreshSnapshot() {
	if tx.Level == ReadCommitted {
		tx.SnapshotLSN = tx.engine.lsnTracker.Current()
	}
}

// Recover rebuilds in-memory state from the latest checkpoints plus the WAL
// tail written after them. Must run before any concurrent operation reaches
// the engine — it assumes exclusive access, as at startup.
func (se *StorageEngine) Recover(walPath string) error {
	var maxLSN uint64                     // highest LSN observed across all tables/indices
	loadedLSNs := make(map[string]uint64) // per-index LSN already covered by its checkpoint: "table.index" -> LSN

	// 1. Load whatever checkpoints exist.
	for _, tableName := range se.TableMetaData.ListTables() {
		table, err := se.TableMetaData.GetTableByName(tableName)
		if err != nil {
			continue
		}

		for _, idx := range table.GetIndices() {
			tree, lastLSN, err := se.Checkpoint.LoadLatestCheckpoint(tableName, idx.Name)
			key := fmt.Sprintf("%s.%s", tableName, idx.Name)
			if err == nil {
				// Loaded: swap in the checkpointed tree.
				idx.Tree = tree
				loadedLSNs[key] = lastLSN
				fmt.Printf("Recovered table '%s' index '%s' from Checkpoint (LSN %d)\n", tableName, idx.Name, lastLSN)

				if lastLSN > maxLSN {
					maxLSN = lastLSN
				}
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("failed to load checkpoint for %s.%s: %w", tableName, idx.Name, err)
			} else {
				loadedLSNs[key] = 0 // no checkpoint for this index
			}
		}
	}

	// 2. Replay the WAL tail that the checkpoints don't already cover.
	if _, err := os.Stat(walPath); os.IsNotExist(err) {
		se.lsnTracker.Set(maxLSN)
		return nil
	}

	reader, err := wal.NewWALReader(walPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	count := 0
	skipped := 0

	for {
		entry, err := reader.ReadEntry()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("recovery error at entry %d: %w", count, err)
		}

		if entry.Header.LSN > maxLSN {
			maxLSN = entry.Header.LSN
		}

		switch entry.Header.EntryType {
		case wal.EntryInsert, wal.EntryUpdate, wal.EntryDelete:
			// Replay a single-index operation.
			tableName, indexName, key, docBytes, err := DeserializeDocumentEntry(entry.Payload)
			if err != nil {
				wal.ReleaseEntry(entry)
				return fmt.Errorf("deserialize failed at entry %d: %w", count, err)
			}

			// Skip if this index's checkpoint already covers this LSN.
			lookupKey := fmt.Sprintf("%s.%s", tableName, indexName)
			if loadedLSNs[lookupKey] >= entry.Header.LSN {
				skipped++
				wal.ReleaseEntry(entry)
				continue
			}

			table, err := se.TableMetaData.GetTableByName(tableName)
			if err != nil {
				wal.ReleaseEntry(entry)
				continue // table since renamed or dropped
			}
			index, err := table.GetIndex(indexName)
			if err != nil {
				wal.ReleaseEntry(entry)
				continue
			}

			if entry.Header.EntryType == wal.EntryDelete {
				// Logical delete: mark the existing heap record, tree unchanged.
				leaf, idx := index.Tree.FindLeafLowerBound(key)
				if leaf != nil && idx < leaf.N && leaf.Keys[idx].Compare(key) == 0 {
					offset := leaf.DataPtrs[idx]
					table.Heap.Delete(offset, entry.Header.LSN)
				}
			} else {
				// Insert/Update
				var prevOffset int64 = -1
				node, found := index.Tree.Search(key)
				if found {
					_, idx := node.FindLeafLowerBound(key)
					if idx < node.N && node.Keys[idx].Compare(key) == 0 {
						prevOffset = node.DataPtrs[idx]
					}
				}

				offset, err := table.Heap.Write(docBytes, entry.Header.LSN, prevOffset)
				if err != nil {
					return fmt.Errorf("heap write failed: %w", err)
				}
				if err := index.Tree.Replace(key, offset); err != nil {
					return fmt.Errorf("failed to update tree during recovery: %w", err)
				}
			}

		case wal.EntryMultiInsert:
			tableName, keys, docBytes, err := DeserializeMultiIndexEntry(entry.Payload)
			if err != nil {
				wal.ReleaseEntry(entry)
				return fmt.Errorf("deserialize multi-key failed: %w", err)
			}

			table, err := se.TableMetaData.GetTableByName(tableName)
			if err != nil {
				wal.ReleaseEntry(entry)
				continue
			}

			// Skip the whole entry only if every index already covers this LSN.
			needsUpdate := false
			for indexName := range keys {
				lookupKey := fmt.Sprintf("%s.%s", tableName, indexName)
				if loadedLSNs[lookupKey] < entry.Header.LSN {
					needsUpdate = true
					break
				}
			}

			if !needsUpdate {
				skipped++
				wal.ReleaseEntry(entry)
				continue
			}

			// Heap write happens once, even if only some indices need it
			// (cheaper than splitting the record).
			offset, err := table.Heap.Write(docBytes, entry.Header.LSN, -1)
			if err != nil {
				return fmt.Errorf("heap write failed: %w", err)
			}

			// Only replay into indices whose checkpoint predates this entry.
			for indexName, key := range keys {
				lookupKey := fmt.Sprintf("%s.%s", tableName, indexName)
				if loadedLSNs[lookupKey] < entry.Header.LSN {
					index, err := table.GetIndex(indexName)
					if err != nil {
						continue
					}
					if err := index.Tree.Replace(key, offset); err != nil {
						return fmt.Errorf("failed to update index %s during recovery: %w", indexName, err)
					}
				}
			}
		}

		wal.ReleaseEntry(entry)
		count++
	}

	se.lsnTracker.Set(maxLSN)
	fmt.Printf("Recovered: %d entries from WAL applied, %d skipped. Current LSN: %d\n", count, skipped, maxLSN)
	return nil
}

// Vacuum performs Garbage Collection on the specified table.
// It removes dead Tombstones (deleted records visible to no active transaction)
// and compacts the Heap file, reclaiming space.
func (se *StorageEngine) Vacuum(tableName string) error {
	// 1. Acquire Table Lock (Exclusive)
	table, err := se.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return err
	}
	table.Lock()
	defer table.Unlock()

	// 2. Determine Minimum Visible LSN
	// Any Tombstone with DeleteLSN < minLSN is safe to remove.
	minLSN := se.TxRegistry.GetMinActiveLSN()

	fmt.Printf("Starting Vacuum for table %s. MinLSN: %d\n", tableName, minLSN)

	// 3. Create New Heap (Temporary)
	oldHeap := table.Heap
	newHeapPath := oldHeap.Path() + "_vacuum"
	// Ensure cleanup of previous failed runs
	os.Remove(newHeapPath + "_001.data") // Simple cleanup for first segment

	newHeap, err := heap.NewHeapManager(newHeapPath)
	if err != nil {
		return fmt.Errorf("failed to create temp heap: %w", err)
	}

	// 4. Scan and Compact
	offsetMap := make(map[int64]int64) // Old -> New
	type treeUpdate struct {
		Index     string
		Key       types.Comparable
		NewOffset int64
	}
	var updates []treeUpdate

	iter, err := oldHeap.NewIterator()
	if err != nil {
		newHeap.Close()
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for {
		doc, header, oldOffset, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			newHeap.Close()
			return fmt.Errorf("heap iteration failed: %w", err)
		}

		// Decision Logic
		keep := true
		if !header.Valid {
			// It is a Tombstone.
			if header.DeleteLSN < minLSN {
				keep = false // Dead!
			} else {
				// Keep! Still visible to some transaction.
			}
		}

		// Extract Keys for Tree operations
		var bsonDoc bson.D
		parseErr := func() error {
			// Try BSON first
			d, err := UnmarshalBson(doc)
			if err == nil {
				bsonDoc = d
				return nil
			}
			// Try JSON
			d, err = JsonToBson(string(doc))
			if err == nil {
				bsonDoc = d
				return nil
			}
			return fmt.Errorf("failed to parse doc")
		}()

		if !keep {
			// Dead Tombstone: Remove from Tree
			if parseErr == nil {
				for _, idx := range table.GetIndicesUnsafe() {
					keyVal, err := GetValueFromBson(bsonDoc, idx.Name)
					if err == nil {
						idx.Tree.Remove(keyVal)
					}
				}
			}
			continue
		}

		// Keep: Copy to New Heap
		newPrev := int64(-1)
		if header.PrevOffset != -1 {
			if mapped, ok := offsetMap[header.PrevOffset]; ok {
				newPrev = mapped
			}
		}

		newOffset, err := newHeap.Write(doc, header.CreateLSN, newPrev)
		if err != nil {
			newHeap.Close()
			return fmt.Errorf("failed to write to new heap: %w", err)
		}

		// Restore Delete status if it was a kept Tombstone
		if !header.Valid {
			if err := newHeap.Delete(newOffset, header.DeleteLSN); err != nil {
				newHeap.Close()
				return fmt.Errorf("failed to mark deleted in new heap: %w", err)
			}
		}

		offsetMap[oldOffset] = newOffset

		// Collect Tree Update
		if parseErr == nil {
			for _, idx := range table.GetIndicesUnsafe() {
				keyVal, err := GetValueFromBson(bsonDoc, idx.Name)
				if err == nil {
					updates = append(updates, treeUpdate{
						Index:     idx.Name,
						Key:       keyVal,
						NewOffset: newOffset,
					})
				}
			}
		}
	}

	// 5. Update Trees (Batch)
	iter.Close() // Release file handles before swapping files
	for _, up := range updates {
		if idx, ok := table.Indices[up.Index]; ok {
			idx.Tree.Upsert(up.Key, func(current int64, exists bool) (int64, error) {
				return up.NewOffset, nil
			})
		}
	}

	// 6. Swap Heaps
	oldHeap.Close()
	newHeap.Close()

	oldPath := oldHeap.Path()
	// Use strict pattern to avoid matching _vacuum files (since _vacuum starts with _)
	files, _ := filepath.Glob(oldPath + "_[0-9][0-9][0-9].data")
	for _, f := range files {
		os.Remove(f)
	}

	newFiles, _ := filepath.Glob(newHeapPath + "_[0-9][0-9][0-9].data")
	for _, f := range newFiles {
		// New files: name_vacuum_XXX.data
		// Target: name_XXX.data
		// Need to strip "_vacuum" from base path part
		// newHeapPath matches oldPath + "_vacuum"
		// so f starts with oldPath + "_vacuum"
		suffix := f[len(newHeapPath):] // "_001.data"
		dest := oldPath + suffix
		if err := os.Rename(f, dest); err != nil {
			return fmt.Errorf("failed to rename vacuum file: %w", err)
		}
	}

	// Re-open
	finalHeap, err := heap.NewHeapManager(oldPath)
	if err != nil {
		return fmt.Errorf("failed to reopen heap: %w", err)
	}
	table.Heap = finalHeap

	return nil
}
