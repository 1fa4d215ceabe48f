// Package ledger categorizes and records per-item failures and exports a
// retry manifest of their source URLs.
//
// Categorization is keyword matching against an ordered substring table.
// It is best-effort, not authoritative: error text varies between remote
// services and extractor versions, and an unrelated message can contain a
// matching keyword. The table order is the compatibility contract; the
// first match wins.
package ledger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Category labels the kind of failure an item hit.
type Category string

// Failure categories, from most to least likely to succeed on retry.
const (
	CategoryRateLimited Category = "rate_limited"
	CategoryNetwork     Category = "network"
	CategoryUnavailable Category = "unavailable"
	CategoryPermission  Category = "permission"
	CategoryFormat      Category = "format"
	CategoryCopyright   Category = "copyright"
	CategoryOther       Category = "other"
)

// categoryTable maps lowercase substrings to categories. Matching is
// ordered and first match wins, so more specific signals sit above the
// generic ones.
var categoryTable = []struct {
	substr   string
	category Category
}{
	{"429", CategoryRateLimited},
	{"too many requests", CategoryRateLimited},
	{"rate limit", CategoryRateLimited},
	{"rate-limit", CategoryRateLimited},
	{"timed out", CategoryNetwork},
	{"timeout", CategoryNetwork},
	{"connection reset", CategoryNetwork},
	{"connection refused", CategoryNetwork},
	{"network is unreachable", CategoryNetwork},
	{"temporary failure", CategoryNetwork},
	{"dns", CategoryNetwork},
	{"http error 5", CategoryNetwork},
	{"video unavailable", CategoryUnavailable},
	{"not available", CategoryUnavailable},
	{"unavailable", CategoryUnavailable},
	{"private video", CategoryUnavailable},
	{"has been removed", CategoryUnavailable},
	{"404", CategoryUnavailable},
	{"403", CategoryPermission},
	{"forbidden", CategoryPermission},
	{"permission", CategoryPermission},
	{"access denied", CategoryPermission},
	{"sign in", CategoryPermission},
	{"login required", CategoryPermission},
	{"age-restricted", CategoryPermission},
	{"unsupported format", CategoryFormat},
	{"no video formats", CategoryFormat},
	{"format", CategoryFormat},
	{"copyright", CategoryCopyright},
	{"blocked in your country", CategoryCopyright},
	{"dmca", CategoryCopyright},
}

// retryPriority is the category order used when exporting the retry
// manifest, most retryable first.
var retryPriority = []Category{
	CategoryNetwork,
	CategoryRateLimited,
	CategoryFormat,
	CategoryPermission,
	CategoryUnavailable,
	CategoryOther,
	CategoryCopyright,
}

// Categorize maps a failure message to a category via the ordered substring
// table. Unmatched messages fall through to CategoryOther.
func Categorize(message string) Category {
	text := strings.ToLower(message)
	for _, entry := range categoryTable {
		if strings.Contains(text, entry.substr) {
			return entry.category
		}
	}
	return CategoryOther
}

// Record is one terminally failed item. Records are created exactly once
// per item and never mutated afterward.
type Record struct {
	ItemID    string
	SourceURL string
	Category  Category
	Message   string
	Timestamp time.Time
}

// Ledger collects failure records. Safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	now     func() time.Time
	records []Record
	seen    map[string]bool
}

// NewLedger creates an empty failure ledger.
func NewLedger() *Ledger {
	return &Ledger{
		now:  time.Now,
		seen: make(map[string]bool),
	}
}

// Record appends a failure for an item. A second record for the same item
// ID is ignored so a terminal failure is counted exactly once.
func (l *Ledger) Record(itemID, sourceURL string, category Category, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[itemID] {
		return
	}
	l.seen[itemID] = true
	l.records = append(l.records, Record{
		ItemID:    itemID,
		SourceURL: sourceURL,
		Category:  category,
		Message:   message,
		Timestamp: l.now().UTC(),
	})
}

// Records returns a copy of all failure records in insertion order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of recorded failures.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// CountByCategory returns failure counts keyed by category.
func (l *Ledger) CountByCategory() map[Category]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[Category]int)
	for _, r := range l.records {
		counts[r.Category]++
	}
	return counts
}

// ExportRetryManifest writes the failed URLs to path, grouped by category
// in retry-priority order under a commented header with per-category
// counts. The file can be fed back into a later run.
func (l *Ledger) ExportRetryManifest(path string) error {
	records := l.Records()
	counts := make(map[Category]int)
	byCategory := make(map[Category][]Record)
	for _, r := range records {
		counts[r.Category]++
		byCategory[r.Category] = append(byCategory[r.Category], r)
	}

	var b strings.Builder
	b.WriteString("# Retry manifest\n")
	b.WriteString(fmt.Sprintf("# Generated: %s\n", time.Now().UTC().Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("# Total failed items: %d\n", len(records)))
	b.WriteString("#\n")
	b.WriteString("# Failures by category:\n")
	for _, name := range sortedCategoryNames(counts) {
		b.WriteString(fmt.Sprintf("#   %s: %d\n", name, counts[Category(name)]))
	}
	b.WriteString("#\n")
	b.WriteString("# URLs are grouped by category, most retryable first.\n")
	b.WriteString("# Re-run with this file as the URL list to retry; comment\n")
	b.WriteString("# lines are ignored.\n")

	for _, category := range retryPriority {
		group := byCategory[category]
		if len(group) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("\n# --- %s (%d) ---\n", category, len(group)))
		for _, r := range group {
			b.WriteString(r.SourceURL + "\n")
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write retry manifest %s: %w", path, err)
	}
	return nil
}

// ReadRetryManifest parses a retry manifest back into its URL list,
// skipping comments and blank lines.
func ReadRetryManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read retry manifest %s: %w", path, err)
	}
	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		urls = append(urls, trimmed)
	}
	return urls, nil
}

func sortedCategoryNames(counts map[Category]int) []string {
	names := make([]string, 0, len(counts))
	for c := range counts {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}
