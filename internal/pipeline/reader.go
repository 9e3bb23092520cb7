package pipeline

import "bytes"

// newRepeatReader wraps a fixed byte payload as a fresh io.Reader for the
// upload throughput probe; each call gets its own cursor over payload.
func newRepeatReader(payload []byte) *bytes.Reader {
	return bytes.NewReader(payload)
}
