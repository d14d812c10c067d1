// ABOUTME: Tests for the static session directory
// ABOUTME: Covers allowlists, blocked patterns, and runtime add/remove

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atlasbridge/atlasbridge/internal/config"
)

func testDirectory() *Directory {
	return NewDirectory([]config.SessionConfig{
		{
			ID:              "sess-1",
			AllowedUsers:    []string{"telegram:42", "matrix:@ops:example.org"},
			BlockedPatterns: []string{"rm -rf", "DROP TABLE"},
		},
		{
			ID: "sess-open",
		},
	})
}

func TestDirectory_IsKnown(t *testing.T) {
	d := testDirectory()

	assert.True(t, d.IsKnown("sess-1"))
	assert.True(t, d.IsKnown("sess-open"))
	assert.False(t, d.IsKnown("sess-ghost"))
}

func TestDirectory_IsAllowlisted(t *testing.T) {
	d := testDirectory()

	assert.True(t, d.IsAllowlisted("sess-1", "telegram:42"))
	assert.True(t, d.IsAllowlisted("sess-1", "matrix:@ops:example.org"))
	assert.False(t, d.IsAllowlisted("sess-1", "telegram:99"))
	assert.False(t, d.IsAllowlisted("sess-ghost", "telegram:42"))
}

func TestDirectory_EmptyAllowlistAcceptsAnyone(t *testing.T) {
	d := testDirectory()

	assert.True(t, d.IsAllowlisted("sess-open", "telegram:anyone"))
}

func TestDirectory_Allows(t *testing.T) {
	d := testDirectory()

	assert.True(t, d.Allows("sess-1", "run the tests"))
	assert.False(t, d.Allows("sess-1", "please rm -rf /tmp/scratch"))
	assert.False(t, d.Allows("sess-1", "drop table users"), "matching is case-insensitive")
	assert.True(t, d.Allows("sess-open", "rm -rf anything"), "no patterns means everything passes")
	assert.False(t, d.Allows("sess-ghost", "hello"), "unknown session denies")
}

func TestDirectory_AddAndRemove(t *testing.T) {
	d := testDirectory()

	d.Add(config.SessionConfig{ID: "sess-2", AllowedUsers: []string{"telegram:7"}})
	assert.True(t, d.IsKnown("sess-2"))
	assert.True(t, d.IsAllowlisted("sess-2", "telegram:7"))
	assert.False(t, d.IsAllowlisted("sess-2", "telegram:8"))

	d.Remove("sess-2")
	assert.False(t, d.IsKnown("sess-2"))
}
