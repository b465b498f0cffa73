package sink

import (
	"github.com/JakeFAU/crawl-ingest-sink/internal/config"
	"github.com/JakeFAU/crawl-ingest-sink/internal/record"
	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
)

// Flush triggers.
const (
	TriggerThreshold = "threshold"
	TriggerShutdown  = "shutdown"
)

// typeState is the mutable per-type bookkeeping owned by a Pipeline.
type typeState struct {
	recordType string
	cfg        config.CollectionConfig
	coll       storage.Collection

	pending []record.Record
	// count is the number of records appended since the last flush.
	count int
	// duplicates is cumulative for the run and never reset.
	duplicates    int
	stopRequested bool
}

func newTypeState(recordType string, cfg config.CollectionConfig, coll storage.Collection) *typeState {
	st := &typeState{recordType: recordType, cfg: cfg, coll: coll}
	if cfg.Buffer > 0 {
		st.pending = make([]record.Record, 0, cfg.Buffer)
	}
	return st
}

func (s *typeState) buffered() bool { return s.cfg.Buffer > 0 }

// append adds rec to the pending batch and reports whether the threshold was hit.
func (s *typeState) append(rec record.Record) bool {
	s.pending = append(s.pending, rec)
	s.count++
	return s.count >= s.cfg.Buffer
}

// take hands over the pending batch and resets the buffer.
func (s *typeState) take() []record.Record {
	batch := s.pending
	s.pending = make([]record.Record, 0, s.cfg.Buffer)
	s.count = 0
	return batch
}

// restore puts an unwritten batch back in front of the pending records.
func (s *typeState) restore(batch []record.Record) {
	s.pending = append(batch, s.pending...)
	s.count = len(s.pending)
}
