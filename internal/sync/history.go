package sync

import (
	"github.com/nhle/mailagent/internal/model"
)

// DefaultHistorySize is the number of run records kept when the
// configuration does not set one.
const DefaultHistorySize = 100

// history is a fixed-capacity ring buffer of run records. The oldest record
// is overwritten once the buffer is full. It is not safe for concurrent use;
// the Scheduler guards it with its state mutex.
type history struct {
	records []model.RunRecord
	next    int
	full    bool
}

func newHistory(size int) *history {
	if size < 1 {
		size = DefaultHistorySize
	}
	return &history{records: make([]model.RunRecord, size)}
}

func (h *history) add(r model.RunRecord) {
	h.records[h.next] = r
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// list returns the records oldest first.
func (h *history) list() []model.RunRecord {
	if !h.full {
		return append([]model.RunRecord(nil), h.records[:h.next]...)
	}
	out := make([]model.RunRecord, 0, len(h.records))
	out = append(out, h.records[h.next:]...)
	return append(out, h.records[:h.next]...)
}

func (h *history) last() (model.RunRecord, bool) {
	if !h.full && h.next == 0 {
		return model.RunRecord{}, false
	}
	i := h.next - 1
	if i < 0 {
		i = len(h.records) - 1
	}
	return h.records[i], true
}

// resize returns a buffer of the new size holding the most recent records.
func (h *history) resize(size int) *history {
	if size < 1 {
		size = DefaultHistorySize
	}
	if size == len(h.records) {
		return h
	}
	resized := newHistory(size)
	records := h.list()
	if len(records) > size {
		records = records[len(records)-size:]
	}
	for _, r := range records {
		resized.add(r)
	}
	return resized
}
