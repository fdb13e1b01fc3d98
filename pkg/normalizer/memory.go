package normalizer

import (
	"context"
	"sort"
	"sync"
)

// MemoryWriter keeps records in a map keyed by fingerprint.
type MemoryWriter struct {
	mu      sync.Mutex
	records map[string]Record

	// Reject, when set, fails the records for which it returns a non-nil error.
	Reject func(Record) error
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{records: make(map[string]Record)}
}

func (w *MemoryWriter) Write(ctx context.Context, records []Record) (WriteSummary, error) {
	if err := ctx.Err(); err != nil {
		return WriteSummary{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var s WriteSummary
	for _, r := range records {
		if w.Reject != nil {
			if err := w.Reject(r); err != nil {
				s.Failed++
				s.Errors = append(s.Errors, RecordError{Fingerprint: r.Fingerprint, Message: err.Error()})
				continue
			}
		}
		if _, ok := w.records[r.Fingerprint]; ok {
			s.Updated++
		} else {
			s.Inserted++
		}
		w.records[r.Fingerprint] = r
	}
	return s, nil
}

func (w *MemoryWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// Records returns the stored records sorted by fingerprint.
func (w *MemoryWriter) Records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Record, 0, len(w.records))
	for _, r := range w.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}
