package sink

import (
	"context"

	"github.com/JakeFAU/crawl-ingest-sink/internal/storage"
)

// Producer is the upstream record source. RequestStop asks it to cease
// submitting records; in-flight store calls are not interrupted.
type Producer interface {
	RequestStop(reason string)
}

// Dialer opens the store connection during Start.
type Dialer func(ctx context.Context) (storage.Store, error)

// Observer receives pipeline measurements; metrics.Recorder satisfies it.
type Observer interface {
	ObserveStored(recordType, op string, n int)
	ObserveDuplicates(recordType string, n int)
	ObserveFlush(recordType, trigger string, size int)
	ObserveStopRequest(recordType string)
	SetPending(recordType string, n int)
}

type nopObserver struct{}

func (nopObserver) ObserveStored(string, string, int) {}
func (nopObserver) ObserveDuplicates(string, int)     {}
func (nopObserver) ObserveFlush(string, string, int)  {}
func (nopObserver) ObserveStopRequest(string)         {}
func (nopObserver) SetPending(string, int)            {}

type nopProducer struct{}

func (nopProducer) RequestStop(string) {}
