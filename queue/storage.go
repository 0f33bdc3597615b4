/*
Package queue implements the durable, crash-safe mail spool and the engine that drives queued
destinations through their states. Storage is kept behind an interface so the engine can be
exercised in tests against an in-memory fake instead of a real filesystem.
*/
package queue

import (
	"context"
	"io"
	"time"
)

// QueueId names one queued destination: one (recipient, sender, schedule) triple addressing a
// single hop. Multiple destinations may share one message body.
type QueueId string

// Metadata is the per-destination envelope plus whatever opaque bytes the policy host attached
// to the mail while it was being accepted.
type Metadata struct {
	Sender    string
	Recipient string
	Opaque    []byte
}

// Schedule is the per-destination retry bookkeeping.
type Schedule struct {
	At         time.Time
	LastAttempt time.Time
	Attempt    int
}

// Enqueuer is returned by Storage.Enqueue: an open handle to a freshly created, not yet visible,
// content directory. Callers write the message body to it, then Commit to publish one or more
// destinations atomically (per-destination; the whole list is all-or-nothing as a set).
type Enqueuer interface {
	io.Writer
	// Commit flushes the body and publishes one destination per entry in destinations. On any
	// mid-list failure it rolls back every destination already created in this call plus the
	// body, and returns that error; no partial state remains visible under the queue directory.
	Commit(ctx context.Context, destinations []DestinationSpec) ([]QueueId, error)
	// Discard releases the handle without publishing anything, e.g. because a filter rejected
	// the message before DATA finished.
	Discard() error
}

// DestinationSpec is one entry of the destinations argument to Enqueuer.Commit.
type DestinationSpec struct {
	Metadata Metadata
	Schedule Schedule
}

// QueuedMail is a destination found in the Queued state.
type QueuedMail struct {
	ID       QueueId
	Schedule Schedule
}

// InflightMail is a destination found in the Inflight state.
type InflightMail struct {
	ID       QueueId
	Schedule Schedule
}

// PendingCleanupMail is a destination found in the PendingCleanup state.
type PendingCleanupMail struct {
	ID QueueId
}

// Storage is the capability set the queue engine depends on. See fs.go for the concrete,
// crash-safe filesystem implementation, which the engine tests also use.
type Storage interface {
	// Enqueue returns a handle to a new, uncommitted content directory.
	Enqueue(ctx context.Context) (Enqueuer, error)

	// ListQueue enumerates destinations currently in the Queued state.
	ListQueue(ctx context.Context) ([]QueuedMail, error)
	// FindInflight enumerates destinations left in the Inflight state, e.g. by a prior crash.
	FindInflight(ctx context.Context) ([]InflightMail, error)
	// FindPendingCleanup enumerates destinations awaiting cleanup.
	FindPendingCleanup(ctx context.Context) ([]PendingCleanupMail, error)

	// ReadInflight opens the metadata and body of an Inflight destination.
	ReadInflight(ctx context.Context, id QueueId) (Metadata, io.ReadCloser, error)

	// Reschedule atomically replaces the schedule of a Queued destination.
	Reschedule(ctx context.Context, id QueueId, schedule Schedule) error

	// SendStart claims a Queued destination, moving it to Inflight. ok is false if another
	// worker already won the race (the source link was gone).
	SendStart(ctx context.Context, id QueueId) (ok bool, err error)
	// SendDone moves an Inflight destination to PendingCleanup after a successful send.
	SendDone(ctx context.Context, id QueueId) error
	// SendCancel releases an Inflight claim back to Queued without having made progress.
	SendCancel(ctx context.Context, id QueueId) error
	// Drop moves a Queued destination directly to PendingCleanup, e.g. after a permanent failure
	// discovered before the destination was ever claimed.
	Drop(ctx context.Context, id QueueId) error

	// Cleanup removes a PendingCleanup destination's on-disk state, and the shared content
	// directory too if this was the last destination referencing it. ok is false if the
	// destination's symlink had already vanished (another cleanup worker got there first).
	Cleanup(ctx context.Context, id QueueId) (ok bool, err error)
}
