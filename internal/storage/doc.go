// Package storage persists the relay's two durable collections:
//
//   - the pending set: message ids waiting for delivery, with arrival time,
//     origin group and a per-entry relay suppression flag
//   - the archive index: keys of messages already written to the archive
//
// Drivers: "file" (JSON documents, the default), "sqlite" and "badger".
package storage
