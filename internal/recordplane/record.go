// Package recordplane implements the record-writer client / loader
// server pair: the per-worker side batches completed records and
// forwards them to an online loader, which inserts them into the
// replay buffer and hands back the next request for that worker.
package recordplane

import "encoding/json"

// Record is one completed unit of work crossing from a worker to the
// loader: what was asked (Request), what came back (Result), and
// enough identity to dedupe and to feed the replay buffer.
type Record struct {
	Request   string `json:"request"`
	Result    string `json:"result"`
	Timestamp int64  `json:"timestamp"`
	ThreadID  uint64 `json:"thread_id"`
	Seq       uint64 `json:"seq"`
}

// ThreadState is the last known progress of one worker thread, enough
// for the loader to reconstruct a crashed worker's position without
// replaying every record it ever sent.
type ThreadState struct {
	ThreadID uint64 `json:"thread_id"`
	Seq      uint64 `json:"seq"`
	MoveIdx  int    `json:"move_idx"`
	Black    string `json:"black"`
	White    string `json:"white"`
}

// Records is the wire envelope a writer sends and a loader parses: an
// identity, a batch of finished records, and the rolling per-thread
// state window.
type Records struct {
	Identity string                 `json:"identity"`
	Records  []Record               `json:"records"`
	States   map[uint64]ThreadState `json:"states"`
}

// DumpJSONString serializes r the way the loader expects to receive it
// and the record-frame wire format names (Records::dumpJsonString).
func (r *Records) DumpJSONString() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseRecords is the loader-side counterpart of DumpJSONString.
func ParseRecords(s string) (*Records, error) {
	var r Records
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// MsgRequest is what the loader hands back to a worker on every reply:
// typically the current model version/parameters, supplied by the
// hosting binary via Loader's replyFunc.
type MsgRequest struct {
	ModelID string          `json:"model_id"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// InsertInfo reports the outcome of feeding one Records batch into the
// replay buffer: how many net entries landed (Delta, after drop-oldest
// eviction), how large the wire message was, and whether every record
// in it was accepted.
type InsertInfo struct {
	Success bool
	Delta   int
	MsgSize int
	N       int
}

func (a InsertInfo) add(b InsertInfo) InsertInfo {
	return InsertInfo{
		Success: a.Success && b.Success,
		Delta:   a.Delta + b.Delta,
		MsgSize: a.MsgSize + b.MsgSize,
		N:       a.N + b.N,
	}
}
