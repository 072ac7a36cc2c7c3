package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "maskgate/pkg/platform/audit"
)

func TestListRecentNewestFirst(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, s.Append(ctx, audit.Event{Action: "a", Timestamp: base.Add(time.Duration(i) * time.Minute), WarrantID: "w"}))
	}

	recent, err := s.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].Timestamp.After(recent[1].Timestamp))
	assert.Equal(t, base.Add(2*time.Minute), recent[0].Timestamp)

	s.Clear()
	all, _ := s.ListAll(ctx)
	assert.Empty(t, all)
}
