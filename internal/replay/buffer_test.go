package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsOddOrNonPositiveShardCount(t *testing.T) {
	_, err := New(3, 10, 0, 1)
	assert.Error(t, err)

	_, err = New(0, 10, 0, 1)
	assert.Error(t, err)
}

// TestInsertDistributesAcrossEightShards is the 8-shard/100-insert
// scenario: every inserted record lands in exactly one shard, and no
// record is silently dropped below each shard's max size.
func TestInsertDistributesAcrossEightShards(t *testing.T) {
	buf, err := New(8, 1000, 0, 42)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		buf.Insert(i, Any)
	}

	total := 0
	for _, sh := range buf.shards {
		total += sh.size()
	}
	assert.Equal(t, 100, total)
	assert.Equal(t, 8, buf.NumShards())
}

func TestInsertEvictsOldestPastMaxSize(t *testing.T) {
	buf, err := New(2, 3, 0, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		buf.Insert(i, Even)
	}

	assert.Equal(t, 3, buf.shards[0].size(), "the even shard must stay capped at maxSize")
}

// TestSampleStaysWithinParityRatioClamp exercises the parity-balancing
// invariant: even when most inserts land on the odd side, Sample must
// still draw a meaningful share from the even side, bounded by
// minEvenRatio/maxEvenRatio rather than starving it entirely.
func TestSampleStaysWithinParityRatioClamp(t *testing.T) {
	buf, err := New(8, 1000, 0, 7)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		buf.Insert(i, Odd)
	}
	for i := 0; i < 40; i++ {
		buf.Insert(i, Even)
	}

	shardParity := make(map[*shard]bool, len(buf.shards)) // true == even
	for i, sh := range buf.shards {
		shardParity[sh] = i%2 == 0
	}

	var evenCount, oddCount int
	for i := 0; i < 400; i++ {
		s := buf.Sample()
		require.NotNil(t, s)
		if shardParity[s.sh] {
			evenCount++
		} else {
			oddCount++
		}
		s.Release()
	}

	assert.Greater(t, evenCount, 0, "clamp must keep sampling some even shards even when most inserts were odd")
	ratio := float64(evenCount) / float64(evenCount+oddCount)
	assert.GreaterOrEqual(t, ratio, minEvenRatio-0.05)
	assert.LessOrEqual(t, ratio, maxEvenRatio+0.05)
}

func TestSampleReturnsNilOnEmptyShardPool(t *testing.T) {
	buf, err := New(2, 10, 0, 1)
	require.NoError(t, err)
	assert.Nil(t, buf.Sample())
}
