package diskprovider

import (
	"sync"

	"github.com/bobboyms/memstore/pkg/btree"
	"github.com/bobboyms/memstore/pkg/errors"
	"github.com/bobboyms/memstore/pkg/heap"
)

type DataType int

const (
	TypeInt     DataType = iota // 0: int64
	TypeVarchar                 // 1: variable-length string
	TypeBoolean                 // 2: bool
	TypeFloat                   // 3: float64
	TypeDate                    // 4: timestamp
)

func (d DataType) String() string {
	return [...]string{"INT", "VARCHAR", "BOOL", "FLOAT", "DATE"}[d]
}

type Index struct {
	Name    string
	Primary bool
	Type    DataType
	Tree    *btree.BPlusTree
}

type Table struct {
	Name    string
	Heap    *heap.HeapManager
	Indices map[string]*Index

	// mu guards Heap swaps during Vacuum; GetIndex/GetIndices take it for
	// read, Vacuum takes it for write while it rebuilds the heap file.
	mu sync.RWMutex
}

// Lock acquires the table's vacuum/swap lock for writing.
func (tb *Table) Lock() { tb.mu.Lock() }

// Unlock releases the lock taken by Lock.
func (tb *Table) Unlock() { tb.mu.Unlock() }

// GetIndex looks up one of the table's indices by name.
func (tb *Table) GetIndex(name string) (*Index, error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	idx, ok := tb.Indices[name]
	if !ok {
		return nil, &errors.IndexNotFoundError{Name: name}
	}
	return idx, nil
}

// GetIndices returns every index defined on the table, lock-guarded.
func (tb *Table) GetIndices() []*Index {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.GetIndicesUnsafe()
}

// GetIndicesUnsafe returns every index without taking mu, for callers that
// already hold the table's lock (e.g. Vacuum, CreateCheckpoint).
func (tb *Table) GetIndicesUnsafe() []*Index {
	out := make([]*Index, 0, len(tb.Indices))
	for _, idx := range tb.Indices {
		out = append(out, idx)
	}
	return out
}

type TableMetaData struct {
	tables map[string]*Table
}

func NewTableMenager() *TableMetaData {
	return &TableMetaData{
		tables: make(map[string]*Table),
	}
}

func (tb *TableMetaData) NewTable(tableName string, indices []Index, t int, hm *heap.HeapManager) error {
	if _, exists := tb.tables[tableName]; exists {
		return &errors.TableAlreadyExistsError{
			Name: tableName,
		}
	}

	tempIndices := make(map[string]*Index, len(indices))

	primaryCount := 0
	for _, value := range indices {
		// Primary keys get a uniqueness-enforcing tree.
		var tree *btree.BPlusTree
		if value.Primary {
			tree = btree.NewUniqueTree(t)
			primaryCount++
		} else {
			tree = btree.NewTree(t)
		}

		idxPtr := &Index{
			Name:    value.Name,
			Primary: value.Primary,
			Type:    value.Type,
			Tree:    tree,
		}

		tempIndices[value.Name] = idxPtr

	}

	if primaryCount == 0 {
		return &errors.PrimarykeyNotDefinedError{
			TableName: tableName,
		}
	}

	if primaryCount > 1 {
		return &errors.TwoPrimarykeysError{
			Total: primaryCount,
		}
	}

	tb.tables[tableName] = &Table{
		Name:    tableName,
		Heap:    hm,
		Indices: tempIndices,
	}

	return nil
}

// ListTables returns every registered table name, in no particular order.
func (tb *TableMetaData) ListTables() []string {
	names := make([]string, 0, len(tb.tables))
	for name := range tb.tables {
		names = append(names, name)
	}
	return names
}

func (tb *TableMetaData) GetTableByName(name string) (*Table, error) {
	table, ok := tb.tables[name]
	if !ok {
		return nil, &errors.TableNotFoundError{
			Name: name,
		}
	}
	return table, nil
}

func (tb *TableMetaData) GetIndexByName(tableName string, indexName string) (*Index, error) {
	table, err := tb.GetTableByName(tableName)
	if err != nil {
		return nil, err
	}

	index, ok := table.Indices[indexName]
	if !ok {
		return nil, &errors.IndexNotFoundError{
			Name: indexName,
		}
	}
	return index, nil
}
