// Package diskgate admits batches and bulk runs only when the local disk
// has room for them. Capacity checks fail closed: if free space cannot be
// measured, the gate rejects.
package diskgate

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// DefaultSafetyFactor pads the required bytes so a batch that "just fits"
// is still rejected.
const DefaultSafetyFactor = 1.2

// DefaultItemSizeEstimate is the assumed per-item artifact size when the
// caller has no better number. It is a rough estimate carried over from
// operational experience, not a guarantee.
const DefaultItemSizeEstimate int64 = 10 * 1024 * 1024

// FreeSpaceFunc reports the free bytes available at a path.
type FreeSpaceFunc func(path string) (uint64, error)

// SystemFreeSpace measures free disk space via gopsutil.
func SystemFreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Option customizes a Gate.
type Option func(*Gate)

// WithFreeSpace replaces the free-space measurement, for tests.
func WithFreeSpace(f FreeSpaceFunc) Option {
	return func(g *Gate) { g.free = f }
}

// WithSafetyFactor overrides the capacity padding factor.
func WithSafetyFactor(factor float64) Option {
	return func(g *Gate) {
		if factor > 0 {
			g.safetyFactor = factor
		}
	}
}

// Gate checks disk capacity for a working directory.
type Gate struct {
	path         string
	free         FreeSpaceFunc
	safetyFactor float64
}

// New creates a gate for the given working directory.
func New(path string, opts ...Option) *Gate {
	g := &Gate{
		path:         path,
		free:         SystemFreeSpace,
		safetyFactor: DefaultSafetyFactor,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HasCapacity reports whether the disk can hold batchSize items of
// avgItemBytes each, padded by the safety factor. Any measurement error
// rejects the batch.
func (g *Gate) HasCapacity(batchSize int, avgItemBytes int64) bool {
	if batchSize <= 0 {
		return true
	}
	if avgItemBytes <= 0 {
		avgItemBytes = DefaultItemSizeEstimate
	}
	freeBytes, err := g.free(g.path)
	if err != nil {
		return false
	}
	required := float64(batchSize) * float64(avgItemBytes) * g.safetyFactor
	return float64(freeBytes) >= required
}

// FreeBytes returns the measured free space for the gate's directory.
func (g *Gate) FreeBytes() (uint64, error) {
	return g.free(g.path)
}

// MaxItems returns how many items of avgItemBytes fit in the currently free
// space after applying the safety factor. A measurement error yields zero.
func (g *Gate) MaxItems(avgItemBytes int64) int {
	if avgItemBytes <= 0 {
		avgItemBytes = DefaultItemSizeEstimate
	}
	freeBytes, err := g.free(g.path)
	if err != nil {
		return 0
	}
	perItem := float64(avgItemBytes) * g.safetyFactor
	if perItem <= 0 {
		return 0
	}
	return int(float64(freeBytes) / perItem)
}
