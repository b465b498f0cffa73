// Package sink routes crawled records to their collections, buffers them per
// record type and persists them through a storage.Store.
//
// A Pipeline is driven by a single producer goroutine: Start once, Submit for
// every record, Stop once. Records of a type with a buffer threshold are held
// until the threshold is reached and then written as one unordered batch;
// other types are written immediately. Types with a unique key are upserted
// on that key; all others are inserted and duplicate-key rejections are
// counted against the type's stop_on_duplicate threshold, which asks the
// producer to stop when reached.
package sink
