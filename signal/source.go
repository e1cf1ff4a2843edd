package signal

import "bci-flight/models"

// Source is the boundary the ingestion flow reads classifier output from.
// Implementations own their transport; Results stays open until Stop.
type Source interface {
	// Start connects the transport and begins delivering batches.
	Start() error
	// Results yields classifier result batches in arrival order. Batches may
	// be dropped under backpressure; the stream favours the latest data.
	Results() <-chan models.ResultBatch
	// Stop tears the transport down and releases the stream.
	Stop()
}
