package sharedmem

import (
	"fmt"

	"github.com/PayRpc/elf-dispatch/internal/extractor"
)

// Data is SharedMemData: the externally-visible batch surface a
// consumer reads from and writes replies into between the two phases of
// a round. The backing byte region behind every AnyP view is owned by
// whoever allocated the slot (the Collector) and must outlive Data.
type Data struct {
	Options         Options
	ActiveBatchSize int
	Mem             map[string]*extractor.AnyP
}

// Info returns a short diagnostic string, mirroring SharedMemData::info().
func (d *Data) Info() string {
	return fmt.Sprintf("label=%s idx=%d active_batch_size=%d/%d",
		d.Options.Label, d.Options.Idx, d.ActiveBatchSize, d.Options.BatchSize)
}
