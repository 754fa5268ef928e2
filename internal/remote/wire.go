// Package remote implements the Remote Sender/Receiver extension: it
// lets a batching slot's client population live in a different process
// (or on a different machine) from its server, by serializing
// SharedMemData across a transport instead of a goroutine handoff.
package remote

import (
	"encoding/json"
	"fmt"

	"github.com/PayRpc/elf-dispatch/internal/errs"
	"github.com/PayRpc/elf-dispatch/internal/sharedmem"
)

// FieldBlock is one field's wire form: enough to validate against the
// receiving side's own registration before copying bytes in.
type FieldBlock struct {
	TypeName string `json:"type"`
	Shape    []int  `json:"shape"`
	Data     []byte `json:"data"`
}

// Envelope is a whole batch crossing the wire in one frame, tagged with
// the sender's process signature so stale replies from a previous
// signature generation are dropped rather than corrupting a live round.
type Envelope struct {
	Signature string                `json:"signature"`
	Idx       int                   `json:"idx"`
	LabelIdx  int                   `json:"label_idx"`
	Label     string                `json:"label"`
	BatchSize int                   `json:"batch_size"`
	Fields    map[string]FieldBlock `json:"fields"`
}

// Marshal flattens env to bytes.
func Marshal(env *Envelope) ([]byte, error) { return json.Marshal(env) }

// Unmarshal parses bytes into an Envelope.
func Unmarshal(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errs.New(errs.Malformed, err)
	}
	return &env, nil
}

// Encode copies every field in d.Mem into a fresh Envelope's raw bytes.
func Encode(d *sharedmem.Data, signature string) *Envelope {
	env := &Envelope{
		Signature: signature,
		Idx:       d.Options.Idx,
		LabelIdx:  d.Options.LabelIdx,
		Label:     d.Options.Label,
		BatchSize: d.ActiveBatchSize,
		Fields:    make(map[string]FieldBlock, len(d.Mem)),
	}
	for name, p := range d.Mem {
		f := p.Field()
		raw := p.RawBytes()
		cp := make([]byte, len(raw))
		copy(cp, raw)
		env.Fields[name] = FieldBlock{TypeName: f.TypeName(), Shape: f.Shape(), Data: cp}
	}
	return env
}

// Decode copies env's field bytes into d.Mem, validating type and byte
// length against the locally registered field before touching memory.
func Decode(env *Envelope, d *sharedmem.Data) error {
	for name, block := range env.Fields {
		p, ok := d.Mem[name]
		if !ok {
			continue
		}
		f := p.Field()
		if block.TypeName != f.TypeName() {
			return errs.New(errs.ProtocolViolation, fmt.Errorf(
				"remote: field %q type mismatch: local %s, wire %s", name, f.TypeName(), block.TypeName))
		}
		dst := p.RawBytes()
		if len(block.Data) != len(dst) {
			return errs.New(errs.ProtocolViolation, fmt.Errorf(
				"remote: field %q byte size mismatch: local %d, wire %d", name, len(dst), len(block.Data)))
		}
		copy(dst, block.Data)
	}
	d.ActiveBatchSize = env.BatchSize
	return nil
}
