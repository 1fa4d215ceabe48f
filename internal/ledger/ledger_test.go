package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		message string
		want    Category
	}{
		{"HTTP Error 429: Too Many Requests", CategoryRateLimited},
		{"rate limit exceeded, retry later", CategoryRateLimited},
		{"download timed out: context deadline exceeded", CategoryNetwork},
		{"read tcp: connection reset by peer", CategoryNetwork},
		{"dial tcp: connection refused", CategoryNetwork},
		{"temporary failure in name resolution", CategoryNetwork},
		{"HTTP Error 503: Service Unavailable", CategoryNetwork},
		{"Video unavailable", CategoryUnavailable},
		{"This video is private video content", CategoryUnavailable},
		{"HTTP Error 404: Not Found", CategoryUnavailable},
		{"HTTP Error 403: Forbidden", CategoryPermission},
		{"Sign in to confirm your age", CategoryPermission},
		{"requested format not available", CategoryUnavailable},
		{"ERROR: no video formats found", CategoryFormat},
		{"removed due to a copyright claim", CategoryCopyright},
		{"This video is blocked in your country", CategoryCopyright},
		{"something completely different", CategoryOther},
		{"", CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.message))
		})
	}
}

func TestCategorizeFirstMatchWins(t *testing.T) {
	// carries both a rate-limit and a network signal; the table order
	// decides
	got := Categorize("429 after connection reset")
	assert.Equal(t, CategoryRateLimited, got)
}

func TestLedgerRecordOncePerItem(t *testing.T) {
	l := NewLedger()
	l.Record("item-1", "https://example.com/1", CategoryNetwork, "timeout")
	l.Record("item-1", "https://example.com/1", CategoryOther, "second failure")
	l.Record("item-2", "https://example.com/2", CategoryRateLimited, "429")

	require.Equal(t, 2, l.Len())
	records := l.Records()
	assert.Equal(t, "item-1", records[0].ItemID)
	assert.Equal(t, CategoryNetwork, records[0].Category, "first record wins")
	assert.Equal(t, "item-2", records[1].ItemID)

	counts := l.CountByCategory()
	assert.Equal(t, 1, counts[CategoryNetwork])
	assert.Equal(t, 1, counts[CategoryRateLimited])
	assert.Zero(t, counts[CategoryOther])
}

func TestLedgerRecordsReturnsCopy(t *testing.T) {
	l := NewLedger()
	l.Record("item-1", "https://example.com/1", CategoryNetwork, "timeout")

	records := l.Records()
	records[0].ItemID = "mutated"
	assert.Equal(t, "item-1", l.Records()[0].ItemID)
}

func TestExportRetryManifest(t *testing.T) {
	l := NewLedger()
	l.Record("a", "https://example.com/a", CategoryCopyright, "copyright claim")
	l.Record("b", "https://example.com/b", CategoryNetwork, "timeout")
	l.Record("c", "https://example.com/c", CategoryNetwork, "connection reset")
	l.Record("d", "https://example.com/d", CategoryRateLimited, "429")

	path := filepath.Join(t.TempDir(), "retry.txt")
	require.NoError(t, l.ExportRetryManifest(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, "# Total failed items: 4")
	assert.Contains(t, text, "#   network: 2")
	assert.Contains(t, text, "#   copyright: 1")

	// network group must come before rate_limited, copyright last
	netIdx := strings.Index(text, "--- network")
	rlIdx := strings.Index(text, "--- rate_limited")
	crIdx := strings.Index(text, "--- copyright")
	require.True(t, netIdx >= 0 && rlIdx >= 0 && crIdx >= 0)
	assert.Less(t, netIdx, rlIdx)
	assert.Less(t, rlIdx, crIdx)
}

func TestRetryManifestRoundTrip(t *testing.T) {
	l := NewLedger()
	l.Record("a", "https://example.com/a", CategoryNetwork, "timeout")
	l.Record("b", "https://example.com/b", CategoryUnavailable, "404")

	path := filepath.Join(t.TempDir(), "retry.txt")
	require.NoError(t, l.ExportRetryManifest(path))

	urls, err := ReadRetryManifest(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://example.com/a", "https://example.com/b"}, urls)
}

func TestReadRetryManifestMissingFile(t *testing.T) {
	_, err := ReadRetryManifest(filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)
}
