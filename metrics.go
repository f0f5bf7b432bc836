package hvcore

import (
	"sync/atomic"
)

// Operation metrics for monitoring page-table and context-switch activity
var (
	// Page-table counters
	mapOperations     uint64
	unmapOperations   uint64
	protectOperations uint64
	flushOperations   uint64
	activateCount     uint64
	tableAllocCount   uint64
	tableFreeCount    uint64

	// Context-switch counters
	captureCount uint64
	restoreCount uint64

	// Error counters
	formatErrors   uint64
	resourceErrors uint64
)

// Metrics provides access to operation metrics
type Metrics struct {
	MapOperations     uint64 `json:"map_operations"`
	UnmapOperations   uint64 `json:"unmap_operations"`
	ProtectOperations uint64 `json:"protect_operations"`
	FlushOperations   uint64 `json:"flush_operations"`
	Activations       uint64 `json:"activations"`
	TablesAllocated   uint64 `json:"tables_allocated"`
	TablesFreed       uint64 `json:"tables_freed"`
	Captures          uint64 `json:"captures"`
	Restores          uint64 `json:"restores"`
	FormatErrors      uint64 `json:"format_errors"`
	ResourceErrors    uint64 `json:"resource_errors"`
}

// GetMetrics returns current operation metrics
func GetMetrics() Metrics {
	return Metrics{
		MapOperations:     atomic.LoadUint64(&mapOperations),
		UnmapOperations:   atomic.LoadUint64(&unmapOperations),
		ProtectOperations: atomic.LoadUint64(&protectOperations),
		FlushOperations:   atomic.LoadUint64(&flushOperations),
		Activations:       atomic.LoadUint64(&activateCount),
		TablesAllocated:   atomic.LoadUint64(&tableAllocCount),
		TablesFreed:       atomic.LoadUint64(&tableFreeCount),
		Captures:          atomic.LoadUint64(&captureCount),
		Restores:          atomic.LoadUint64(&restoreCount),
		FormatErrors:      atomic.LoadUint64(&formatErrors),
		ResourceErrors:    atomic.LoadUint64(&resourceErrors),
	}
}

// ResetMetrics clears all operation metrics
func ResetMetrics() {
	atomic.StoreUint64(&mapOperations, 0)
	atomic.StoreUint64(&unmapOperations, 0)
	atomic.StoreUint64(&protectOperations, 0)
	atomic.StoreUint64(&flushOperations, 0)
	atomic.StoreUint64(&activateCount, 0)
	atomic.StoreUint64(&tableAllocCount, 0)
	atomic.StoreUint64(&tableFreeCount, 0)
	atomic.StoreUint64(&captureCount, 0)
	atomic.StoreUint64(&restoreCount, 0)
	atomic.StoreUint64(&formatErrors, 0)
	atomic.StoreUint64(&resourceErrors, 0)
}

// Metric recording functions, called by the paging and arch packages.

func RecordMap()        { atomic.AddUint64(&mapOperations, 1) }
func RecordUnmap()      { atomic.AddUint64(&unmapOperations, 1) }
func RecordProtect()    { atomic.AddUint64(&protectOperations, 1) }
func RecordFlush()      { atomic.AddUint64(&flushOperations, 1) }
func RecordActivate()   { atomic.AddUint64(&activateCount, 1) }
func RecordTableAlloc() { atomic.AddUint64(&tableAllocCount, 1) }
func RecordTableFree()  { atomic.AddUint64(&tableFreeCount, 1) }
func RecordCapture()    { atomic.AddUint64(&captureCount, 1) }
func RecordRestore()    { atomic.AddUint64(&restoreCount, 1) }

// RecordError classifies err by its errno and bumps the matching counter.
func RecordError(err error) {
	switch Errno(err) {
	case 0:
	case ErrNoMemory.Code:
		atomic.AddUint64(&resourceErrors, 1)
	default:
		atomic.AddUint64(&formatErrors, 1)
	}
}
