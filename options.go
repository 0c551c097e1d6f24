package tskv

import (
	"fmt"
	"math"
	"strings"
)

// UndefinedStorageID is the sentinel StorageOptions.StorageID value meaning
// "not yet assigned".
const UndefinedStorageID uint64 = math.MaxUint64

// OpenMode selects Database.Open's startup behavior.
type OpenMode uint32

const (
	// Restore opens an existing database; the engine must already have
	// persisted state to recover.
	Restore OpenMode = 0x01
	// CreateOrRestore creates a new database if none exists, otherwise
	// restores the existing one. This is the default.
	CreateOrRestore OpenMode = 0x02
)

func (m OpenMode) String() string {
	switch m {
	case Restore:
		return "RESTORE"
	case CreateOrRestore:
		return "CREATE_OR_RESTORE"
	default:
		return "UNKNOWN"
	}
}

// KeyPerformanceTracking is the DatabaseOptions attribute key that turns on
// transaction count/retry/process/wait-time tracking (spec §6).
const KeyPerformanceTracking = "perf"

// DatabaseOptions configures Database.Open. Attribute keys are unique by
// construction (backed by a map); open_mode defaults to CreateOrRestore.
type DatabaseOptions struct {
	mode       OpenMode
	attributes map[string]string
}

// NewDatabaseOptions returns options with the default open mode.
func NewDatabaseOptions() *DatabaseOptions {
	return &DatabaseOptions{
		mode:       CreateOrRestore,
		attributes: make(map[string]string),
	}
}

// OpenMode returns the configured open mode.
func (o *DatabaseOptions) OpenMode() OpenMode {
	return o.mode
}

// WithOpenMode sets the open mode and returns o for chaining.
func (o *DatabaseOptions) WithOpenMode(mode OpenMode) *DatabaseOptions {
	o.mode = mode
	return o
}

// Attribute returns the value for key and whether it was set.
func (o *DatabaseOptions) Attribute(key string) (string, bool) {
	v, ok := o.attributes[key]
	return v, ok
}

// WithAttribute sets a database attribute and returns o for chaining.
func (o *DatabaseOptions) WithAttribute(key, value string) *DatabaseOptions {
	o.attributes[key] = value
	return o
}

// Attributes returns the full attribute map. Callers must not mutate it.
func (o *DatabaseOptions) Attributes() map[string]string {
	return o.attributes
}

func (o *DatabaseOptions) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode:%s", o.mode)
	for k, v := range o.attributes {
		fmt.Fprintf(&b, " {key:%s value:%s}", k, v)
	}
	return b.String()
}

// StorageOptions carries a storage's opaque id and attribute payload.
type StorageOptions struct {
	StorageID uint64
	Payload   []byte
}

// NewStorageOptions returns options with an undefined storage id.
func NewStorageOptions() StorageOptions {
	return StorageOptions{StorageID: UndefinedStorageID}
}

// TransactionType selects the concurrency-control discipline for a
// transaction.
type TransactionType int

const (
	// Short: OCC-governed, conflicts are detected only at commit.
	Short TransactionType = iota
	// Long: pre-declares write preserves and read areas; subject to
	// engine-side ordering.
	Long
	// ReadOnly: forbids writes.
	ReadOnly
)

func (t TransactionType) String() string {
	switch t {
	case Short:
		return "SHORT"
	case Long:
		return "LONG"
	case ReadOnly:
		return "READ_ONLY"
	default:
		return "UNKNOWN"
	}
}

// InfiniteRetry is the TransactionOptions.RetryCount value meaning "retry
// until a fatal, non-retryable status is reached".
const InfiniteRetry = ^uint64(0)

// WritePreserve names a storage a LONG transaction intends to write.
type WritePreserve struct {
	StorageID uint64
}

// ReadArea names a storage bounding a transaction's read set.
type ReadArea struct {
	StorageID uint64
}

// TransactionOptions configures Transaction.Begin / the transaction driver.
type TransactionOptions struct {
	Type                TransactionType
	RetryCount          uint64
	WritePreserves      []WritePreserve
	ReadAreasInclusive  []ReadArea
	ReadAreasExclusive  []ReadArea
}

// NewTransactionOptions returns default (SHORT, no-retry) options.
func NewTransactionOptions() TransactionOptions {
	return TransactionOptions{Type: Short}
}

// WithType sets the transaction type and returns the options for chaining.
func (o TransactionOptions) WithType(t TransactionType) TransactionOptions {
	o.Type = t
	return o
}

// WithRetryCount sets the driver retry bound and returns the options for
// chaining.
func (o TransactionOptions) WithRetryCount(n uint64) TransactionOptions {
	o.RetryCount = n
	return o
}

// WithWritePreserves sets the write preserves and returns the options for
// chaining.
func (o TransactionOptions) WithWritePreserves(wp ...WritePreserve) TransactionOptions {
	o.WritePreserves = wp
	return o
}

// WithReadAreas sets the inclusive/exclusive read areas and returns the
// options for chaining.
func (o TransactionOptions) WithReadAreas(inclusive, exclusive []ReadArea) TransactionOptions {
	o.ReadAreasInclusive = inclusive
	o.ReadAreasExclusive = exclusive
	return o
}

// CanWrite reports whether a LONG transaction with these options may write
// to storageID. SHORT and READ_ONLY transactions are write-preserve-exempt
// here; ReadOnly's own ban on writes is enforced by the caller, not this
// check.
func (o TransactionOptions) CanWrite(storageID uint64) bool {
	if o.Type != Long {
		return true
	}
	for _, wp := range o.WritePreserves {
		if wp.StorageID == storageID {
			return true
		}
	}
	return false
}

// CanRead reports whether these options permit reading storageID.
func (o TransactionOptions) CanRead(storageID uint64) bool {
	for _, ra := range o.ReadAreasExclusive {
		if ra.StorageID == storageID {
			return false
		}
	}
	if len(o.ReadAreasInclusive) == 0 {
		return true
	}
	for _, ra := range o.ReadAreasInclusive {
		if ra.StorageID == storageID {
			return true
		}
	}
	return false
}
