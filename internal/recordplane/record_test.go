package recordplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRecordsJSONRoundTrip is the record-frame encode/decode scenario:
// a writer's DumpJSONString output must parse back via ParseRecords
// into an identical Records value.
func TestRecordsJSONRoundTrip(t *testing.T) {
	recs := &Records{
		Identity: "worker-1",
		Records: []Record{
			{Request: "req-a", Result: "res-a", Timestamp: 100, ThreadID: 1, Seq: 1},
			{Request: "req-b", Result: "res-b", Timestamp: 101, ThreadID: 1, Seq: 2},
		},
		States: map[uint64]ThreadState{
			1: {ThreadID: 1, Seq: 2, MoveIdx: 5, Black: "b", White: "w"},
		},
	}

	s, err := recs.DumpJSONString()
	require.NoError(t, err)

	parsed, err := ParseRecords(s)
	require.NoError(t, err)
	assert.Equal(t, recs, parsed)
}

func TestParseRecordsRejectsMalformedJSON(t *testing.T) {
	_, err := ParseRecords("not json")
	assert.Error(t, err)
}

func TestInsertInfoAddAccumulatesAndDegradesSuccess(t *testing.T) {
	a := InsertInfo{Success: true, Delta: 1, MsgSize: 10, N: 1}
	b := InsertInfo{Success: true, Delta: 2, MsgSize: 20, N: 1}
	sum := a.add(b)
	assert.Equal(t, InsertInfo{Success: true, Delta: 3, MsgSize: 30, N: 2}, sum)

	failed := InsertInfo{Success: false, Delta: 0, MsgSize: 5, N: 1}
	sum = a.add(failed)
	assert.False(t, sum.Success, "add must propagate a false Success from either side")
}
