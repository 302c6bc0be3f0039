package offsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeRemoteNewerWins(t *testing.T) {
	resolver := &LastWriteWinsResolver{}

	local := testRecord("x", "2024-01-01T00:00:00Z", map[string]interface{}{"denomination": "Old"})
	remote := testRecord("x", "2024-02-01T00:00:00Z", map[string]interface{}{"denomination": "New"})

	merged := resolver.Merge(local, remote)

	assert.Equal(t, "New", merged.Fields["denomination"])
	assert.True(t, merged.UpdatedAt.Equal(remote.UpdatedAt))
	assert.Equal(t, OutcomeRemoteNewer, resolver.Compare(local, remote))
}

func TestMergeLocalNewerWins(t *testing.T) {
	resolver := &LastWriteWinsResolver{}

	local := testRecord("x", "2024-03-01T00:00:00Z", map[string]interface{}{"denomination": "Local"})
	remote := testRecord("x", "2024-02-01T00:00:00Z", map[string]interface{}{"denomination": "Remote"})

	merged := resolver.Merge(local, remote)

	assert.Equal(t, "Local", merged.Fields["denomination"])
	assert.Equal(t, OutcomeLocalNewer, resolver.Compare(local, remote))
}

func TestMergeTiePrefersRemote(t *testing.T) {
	resolver := &LastWriteWinsResolver{}

	local := testRecord("x", "2024-02-01T00:00:00Z", map[string]interface{}{"denomination": "Local"})
	remote := testRecord("x", "2024-02-01T00:00:00Z", map[string]interface{}{"denomination": "Remote"})

	merged := resolver.Merge(local, remote)

	assert.Equal(t, "Remote", merged.Fields["denomination"])
	assert.Equal(t, OutcomeTie, resolver.Compare(local, remote))
}

func TestMergeIsDeterministic(t *testing.T) {
	resolver := &LastWriteWinsResolver{}

	local := testRecord("x", "2024-01-15T12:00:00Z", map[string]interface{}{"denomination": "A", "actif": true})
	remote := testRecord("x", "2024-01-15T13:00:00Z", map[string]interface{}{"denomination": "B"})

	first := resolver.Merge(local, remote)
	for i := 0; i < 10; i++ {
		again := resolver.Merge(local, remote)
		assert.True(t, first.Equal(again), "merge must yield the same result on every call")
	}
}

func TestMergeIsWholeRecord(t *testing.T) {
	resolver := &LastWriteWinsResolver{}

	// The winner replaces the record in full: fields present only on the
	// loser do not survive.
	local := testRecord("x", "2024-01-01T00:00:00Z", map[string]interface{}{"denomination": "Old", "telephone": "0601020304"})
	remote := testRecord("x", "2024-02-01T00:00:00Z", map[string]interface{}{"denomination": "New"})

	merged := resolver.Merge(local, remote)

	assert.Equal(t, "New", merged.Fields["denomination"])
	assert.NotContains(t, merged.Fields, "telephone")
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	resolver := &LastWriteWinsResolver{}

	remote := testRecord("x", "2024-02-01T00:00:00Z", map[string]interface{}{"denomination": "New"})
	merged := resolver.Merge(testRecord("x", "2024-01-01T00:00:00Z", nil), remote)

	merged.Fields["denomination"] = "Mutated"
	assert.Equal(t, "New", remote.Fields["denomination"], "mutating the merge result must not touch the input")
}
