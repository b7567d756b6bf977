package ir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventDigestDeterminism(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Event{ID: "m1", Role: RoleUser, Content: "Hi", CreatedAt: ts, UpdatedAt: ts}

	d1, err := EventDigest(e)
	require.NoError(t, err)
	d2, err := EventDigest(e)
	require.NoError(t, err)

	assert.Equal(t, d1, d2, "EventDigest must be deterministic")
	assert.Len(t, d1, 64, "SHA-256 hex is 64 characters")
}

func TestEventDigestChangesWithContent(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Event{ID: "m1", Content: "Hi", CreatedAt: ts, UpdatedAt: ts}
	b := a
	b.Content = "Hello"

	assert.NotEqual(t, MustDigest(DomainEvent, a), MustDigest(DomainEvent, b))
}

func TestDigestDomainSeparation(t *testing.T) {
	v := map[string]string{"k": "v"}
	assert.NotEqual(t, MustDigest(DomainEvent, v), MustDigest(DomainView, v),
		"same payload under different domains must hash differently")
}
