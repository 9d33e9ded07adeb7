// Package stream holds the per-session event queue behind GET /stream/{id}.
//
// A Queue moves through three states: idle (no reader, events accumulate up
// to capacity with the oldest evicted first), attached (one Reader consumes
// events as they arrive) and closed (Push is a no-op, the reader drains what
// is left and then sees ErrClosed). A second concurrent Attach fails with
// ErrReaderAttached rather than interleaving readers.
package stream
