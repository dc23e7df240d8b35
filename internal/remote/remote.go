// Package remote defines the contract between the upload subsystem and the
// remote storage service. Implementations classify every failure with the
// sentinels in package uperr.
package remote

import (
	"context"
	"io"

	"github.com/bamsammich/stratus/internal/task"
)

// Session is an open upload session. Validity is only discovered by a
// request failing with uperr.ErrSessionExpired.
type Session struct {
	TaskID     task.ID
	Token      string
	Endpoint   string
	DestDir    string
	TotalSize  int64
	ChunkSize  int64
	ChunkCount int
}

// OpenRequest scopes a session to one task. Opening twice with the same
// TaskID returns the same remote session while it is alive.
type OpenRequest struct {
	TaskID     task.ID
	Account    string
	DestDir    string
	DestName   string
	Policy     task.Policy
	TotalSize  int64
	ChunkSize  int64
	ChunkCount int
	// Token of a previously opened session, if any. Servers may resume it.
	Token string
}

// LedgerEntry is one chunk the server holds durably.
type LedgerEntry struct {
	Fingerprint string
	Size        int64
	Number      int
}

// Ledger is the server's authoritative view of a session's chunks. It is
// fetched fresh whenever needed and never persisted.
type Ledger struct {
	Confirmed      []LedgerEntry
	SuggestedName  string
	ExpectedSize   int64
	UploadedSize   int64
	ExpectedChunks int
	HeldChunks     int
	FailedChunks   int
	// NameCollision reports that a file with the requested name already
	// exists in the destination directory.
	NameCollision bool
}

// ConfirmedSet indexes the confirmed entries by chunk number.
func (l Ledger) ConfirmedSet() map[int]LedgerEntry {
	out := make(map[int]LedgerEntry, len(l.Confirmed))
	for _, e := range l.Confirmed {
		out[e.Number] = e
	}
	return out
}

// ChunkUpload carries the bytes of one chunk. Body yields exactly Size bytes.
type ChunkUpload struct {
	Body        io.Reader
	Fingerprint string
	Offset      int64
	Size        int64
	Number      int
}

// ChunkAck is the server's acknowledgment of a durably stored chunk.
type ChunkAck struct {
	Fingerprint string
	Size        int64
	Number      int
}

// FinalizeRequest commits a session under Name.
type FinalizeRequest struct {
	Name           string
	Overwrite      bool
	AllowDuplicate bool
}

// File is the committed remote file.
type File struct {
	ID    string
	Name  string
	DirID string
	Size  int64
}

// Transport is the remote upload protocol.
type Transport interface {
	OpenSession(ctx context.Context, req OpenRequest) (Session, error)
	FetchLedger(ctx context.Context, s Session) (Ledger, error)
	UploadChunk(ctx context.Context, s Session, c ChunkUpload) (ChunkAck, error)
	Finalize(ctx context.Context, s Session, req FinalizeRequest) (File, error)
}
