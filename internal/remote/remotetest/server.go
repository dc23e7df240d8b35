// Package remotetest provides an in-memory upload service with fault
// injection for tests.
package remotetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bamsammich/stratus/internal/chunk"
	"github.com/bamsammich/stratus/internal/conflict"
	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

// Calls counts requests per operation.
type Calls struct {
	Open     int
	Ledger   int
	Upload   int
	Finalize int
	// Commits counts finalize requests that created or replaced a file.
	Commits int
}

type session struct {
	remote.Session
	destName  string
	chunks    map[int]remote.LedgerEntry
	data      map[int][]byte
	failed    int
	expired   bool
	finalized *remote.File
}

// Server implements remote.Transport in memory. The zero value is not
// usable; call New.
type Server struct {
	onOpen     func(remote.OpenRequest) error
	onUpload   func(c remote.ChunkUpload, attempt int) error
	onFinalize func() error

	sessions map[string]*session
	byTask   map[task.ID]string
	files    map[string]map[string]remote.File
	attempts map[string]int
	stored   map[string]int

	calls        Calls
	loseFinalize bool
	noSuggest    bool
	mu           sync.Mutex
}

var _ remote.Transport = (*Server)(nil)

// New returns an empty server.
func New() *Server {
	return &Server{
		sessions: make(map[string]*session),
		byTask:   make(map[task.ID]string),
		files:    make(map[string]map[string]remote.File),
		attempts: make(map[string]int),
		stored:   make(map[string]int),
	}
}

// OnOpen installs a hook run before every OpenSession. A non-nil error is
// returned to the caller.
func (s *Server) OnOpen(fn func(remote.OpenRequest) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpen = fn
}

// OnUpload installs a hook run before a chunk is stored. attempt counts
// upload requests for that chunk of that task, starting at 1.
func (s *Server) OnUpload(fn func(c remote.ChunkUpload, attempt int) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpload = fn
}

// OnFinalize installs a hook run before Finalize commits.
func (s *Server) OnFinalize(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinalize = fn
}

// LoseNextFinalizeResponse makes the next Finalize commit the file and
// then report a transient failure, as if the response was lost.
func (s *Server) LoseNextFinalizeResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseFinalize = true
}

// OmitSuggestedNames makes ledgers report collisions without a suggested
// alternative name.
func (s *Server) OmitSuggestedNames() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noSuggest = true
}

// AddFile places an existing file in dir.
func (s *Server) AddFile(dir, name string, size int64) remote.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := remote.File{ID: uuid.NewString(), Name: name, DirID: dir, Size: size}
	s.dir(dir)[name] = f
	return f
}

// Files lists the files in dir ordered by name.
func (s *Server) Files(dir string) []remote.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.File, 0, len(s.files[dir]))
	for _, f := range s.files[dir] {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Content returns the bytes committed under dir/name.
func (s *Server) Content(dir, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[dir][name]
	if !ok {
		return nil, false
	}
	for _, sess := range s.sessions {
		if sess.finalized != nil && sess.finalized.ID == f.ID {
			return assemble(sess), true
		}
	}
	return nil, true
}

// Calls returns a snapshot of the request counters.
func (s *Server) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// StoredCount reports how many times chunk number of a task was stored.
func (s *Server) StoredCount(id task.ID, number int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored[chunkKey(id, number)]
}

// DropChunk makes the active session of a task forget chunk number.
func (s *Server) DropChunk(id task.ID, number int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[s.byTask[id]]; ok {
		delete(sess.chunks, number)
		delete(sess.data, number)
	}
}

// ExpireSessions invalidates every open session and the chunks they hold.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.finalized == nil {
			sess.expired = true
		}
	}
}

// OpenSessions counts distinct live sessions that were opened per task.
func (s *Server) OpenSessions(id task.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, sess := range s.sessions {
		if sess.TaskID == id && !sess.expired {
			n++
		}
	}
	return n
}

func (s *Server) OpenSession(_ context.Context, req remote.OpenRequest) (remote.Session, error) {
	s.mu.Lock()
	s.calls.Open++
	hook := s.onOpen
	s.mu.Unlock()

	if hook != nil {
		if err := hook(req); err != nil {
			return remote.Session{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ChunkCount < 1 || req.ChunkSize <= 0 || req.TotalSize < 0 {
		return remote.Session{}, fmt.Errorf("open %s: bad geometry: %w", req.TaskID, uperr.ErrSessionRejected)
	}
	// A finalized session is only handed back to the caller that holds its
	// token, so a later upload of the same task gets a fresh session.
	if sess, ok := s.sessions[s.byTask[req.TaskID]]; ok && !sess.expired &&
		(sess.finalized == nil || req.Token == sess.Token) {
		if sess.TotalSize != req.TotalSize || sess.ChunkCount != req.ChunkCount {
			return remote.Session{}, fmt.Errorf("open %s: geometry changed: %w", req.TaskID, uperr.ErrSessionRejected)
		}
		return sess.Session, nil
	}

	sess := &session{
		Session: remote.Session{
			TaskID:     req.TaskID,
			Token:      uuid.NewString(),
			Endpoint:   "mem://upload",
			DestDir:    req.DestDir,
			TotalSize:  req.TotalSize,
			ChunkSize:  req.ChunkSize,
			ChunkCount: req.ChunkCount,
		},
		destName: req.DestName,
		chunks:   make(map[int]remote.LedgerEntry),
		data:     make(map[int][]byte),
	}
	s.sessions[sess.Token] = sess
	s.byTask[req.TaskID] = sess.Token
	return sess.Session, nil
}

func (s *Server) FetchLedger(_ context.Context, rs remote.Session) (remote.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Ledger++

	sess, err := s.lookup(rs)
	if err != nil {
		return remote.Ledger{}, err
	}

	l := remote.Ledger{
		ExpectedChunks: sess.ChunkCount,
		ExpectedSize:   sess.TotalSize,
		FailedChunks:   sess.failed,
	}
	for _, e := range sess.chunks {
		l.Confirmed = append(l.Confirmed, e)
		l.UploadedSize += e.Size
	}
	sort.Slice(l.Confirmed, func(i, j int) bool { return l.Confirmed[i].Number < l.Confirmed[j].Number })
	l.HeldChunks = len(l.Confirmed)

	if sess.finalized == nil {
		if _, taken := s.files[sess.DestDir][sess.destName]; taken {
			l.NameCollision = true
			if !s.noSuggest {
				l.SuggestedName = s.freeName(sess.DestDir, sess.destName)
			}
		}
	}
	return l, nil
}

func (s *Server) UploadChunk(_ context.Context, rs remote.Session, c remote.ChunkUpload) (remote.ChunkAck, error) {
	body, readErr := io.ReadAll(c.Body)

	s.mu.Lock()
	s.calls.Upload++
	key := chunkKey(rs.TaskID, c.Number)
	s.attempts[key]++
	attempt := s.attempts[key]
	hook := s.onUpload
	s.mu.Unlock()

	if readErr != nil {
		return remote.ChunkAck{}, fmt.Errorf("read chunk %d: %w: %w", c.Number, uperr.ErrTransient, readErr)
	}
	if hook != nil {
		if err := hook(c, attempt); err != nil {
			return remote.ChunkAck{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookup(rs)
	if err != nil {
		return remote.ChunkAck{}, err
	}
	spec, err := chunk.SpecFor(sess.TotalSize, sess.ChunkSize, c.Number)
	if err != nil {
		sess.failed++
		return remote.ChunkAck{}, fmt.Errorf("chunk %d: %w", c.Number, uperr.ErrChunkRejected)
	}
	fp := chunk.Fingerprint(body)
	if int64(len(body)) != spec.Length || (c.Fingerprint != "" && c.Fingerprint != fp) {
		sess.failed++
		return remote.ChunkAck{}, fmt.Errorf("chunk %d failed validation: %w", c.Number, uperr.ErrChunkRejected)
	}

	sess.chunks[c.Number] = remote.LedgerEntry{Number: c.Number, Size: spec.Length, Fingerprint: fp}
	sess.data[c.Number] = body
	s.stored[key]++
	return remote.ChunkAck{Number: c.Number, Size: spec.Length, Fingerprint: fp}, nil
}

func (s *Server) Finalize(_ context.Context, rs remote.Session, req remote.FinalizeRequest) (remote.File, error) {
	s.mu.Lock()
	s.calls.Finalize++
	hook := s.onFinalize
	s.mu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			return remote.File{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.lookup(rs)
	if err != nil {
		return remote.File{}, err
	}
	if sess.finalized != nil {
		return *sess.finalized, nil
	}
	if sess.TotalSize > 0 && len(sess.chunks) != sess.ChunkCount {
		return remote.File{}, fmt.Errorf("finalize with %d of %d chunks: %w",
			len(sess.chunks), sess.ChunkCount, uperr.ErrChunkRejected)
	}

	name := req.Name
	dir := s.dir(sess.DestDir)
	if _, taken := dir[name]; taken {
		switch {
		case req.Overwrite:
		case req.AllowDuplicate:
			name = s.freeName(sess.DestDir, name)
		default:
			return remote.File{}, fmt.Errorf("%q exists: %w", name, uperr.ErrNameConflict)
		}
	}

	f := remote.File{ID: uuid.NewString(), Name: name, DirID: sess.DestDir, Size: sess.TotalSize}
	dir[name] = f
	sess.finalized = &f
	s.calls.Commits++

	if s.loseFinalize {
		s.loseFinalize = false
		return remote.File{}, fmt.Errorf("finalize response lost: %w", uperr.ErrTransient)
	}
	return f, nil
}

func (s *Server) lookup(rs remote.Session) (*session, error) {
	sess, ok := s.sessions[rs.Token]
	if !ok || sess.expired {
		return nil, fmt.Errorf("session %s: %w", rs.Token, uperr.ErrSessionExpired)
	}
	return sess, nil
}

func (s *Server) dir(id string) map[string]remote.File {
	d, ok := s.files[id]
	if !ok {
		d = make(map[string]remote.File)
		s.files[id] = d
	}
	return d
}

func (s *Server) freeName(dir, name string) string {
	for n := 1; ; n++ {
		candidate := conflict.DedupName(name, n)
		if _, taken := s.files[dir][candidate]; !taken {
			return candidate
		}
	}
}

func assemble(sess *session) []byte {
	var buf bytes.Buffer
	for n := 1; n <= sess.ChunkCount; n++ {
		buf.Write(sess.data[n])
	}
	return buf.Bytes()
}

func chunkKey(id task.ID, number int) string {
	return fmt.Sprintf("%s/%d", id, number)
}
