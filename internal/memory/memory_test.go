package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSummarizer struct{}

func (stubSummarizer) Summarize(e Entry, target Tier) (string, error) {
	return fmt.Sprintf("summary(%d,%s)", e.CreatedIndex, target), nil
}

func TestTieredPromotion(t *testing.T) {
	m := New(DefaultThresholds, stubSummarizer{})
	for i := 0; i < 50; i++ {
		m.Append(User, fmt.Sprintf("turn %d", i))
		require.NoError(t, m.Tick())
	}

	var short, medium, long int
	for _, e := range m.entries {
		switch e.Tier {
		case ShortTerm:
			short++
			assert.NotEmpty(t, e.Immediate)
		case MediumTerm:
			medium++
			assert.NotEmpty(t, e.ShortTerm)
		case LongTerm:
			long++
			assert.NotEmpty(t, e.Permanent)
		default:
			t.Fatalf("unexpected tier in ordered list: %v", e.Tier)
		}
	}

	assert.Equal(t, 6, short)
	assert.Equal(t, 20, medium)
	assert.Equal(t, 14, long)
	assert.Equal(t, 10, m.LatentLen())
	assert.Equal(t, 50, short+medium+long+m.LatentLen())

	for _, e := range m.latentPool {
		assert.Empty(t, e.Immediate)
		assert.Empty(t, e.ShortTerm)
		assert.NotEmpty(t, e.Permanent)
	}
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	m := New(Thresholds{N: 2, M: 2, L: 4}, stubSummarizer{})
	for i := 0; i < 8; i++ {
		m.Append(Assistant, fmt.Sprintf("msg %d", i))
		require.NoError(t, m.Tick())
	}

	data, err := m.Serialize()
	require.NoError(t, err)

	restored := New(Thresholds{N: 2, M: 2, L: 4}, stubSummarizer{})
	require.NoError(t, restored.Restore(data))

	assert.Equal(t, m.Len(), restored.Len())
	assert.Equal(t, m.LatentLen(), restored.LatentLen())
}

func TestToMessagesOrderAndLatentSummary(t *testing.T) {
	m := New(Thresholds{N: 1, M: 1, L: 2}, stubSummarizer{})
	m.SetSystemPrompt("sys")
	for i := 0; i < 5; i++ {
		m.Append(User, fmt.Sprintf("turn %d", i))
		require.NoError(t, m.Tick())
	}

	msgs := m.ToMessages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, System, msgs[0].Role)
	assert.Equal(t, "sys", msgs[0].Content)
	// Last message should be the latent pool summary.
	assert.Contains(t, msgs[len(msgs)-1].Content, "earlier exchanges")
}
