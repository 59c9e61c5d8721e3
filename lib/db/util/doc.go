// Package util holds helpers shared by the KVDB engines.
//
// Contents:
//   - LockFreeMPSC: an unbounded lock-free multi-producer, single-consumer queue. The offheap
//     engine uses it as its change feed, so writers holding a segment lock never wait on the
//     replication engine. Close drains queued items, CloseNow discards them.
//   - Stats, DistributionStats and NewSizeSample: summaries of segment fill and value sizes for GetInfo,
//     with the histogram backed by go-metrics.
//   - GenerateSeed and NextPowerOfTwo: geometry helpers used when a map is formatted.
package util
