package remote

import (
	"strconv"
	"time"
)

// NewSignature stamps a fresh process generation marker: every Sender
// restart gets a new one, so a Receiver still holding replies addressed
// to a prior generation has them dropped instead of corrupting a live
// round.
func NewSignature() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}
