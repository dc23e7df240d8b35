// Package s3remote maps the upload protocol onto S3 multipart uploads.
//
// A session is a multipart upload of a staging object under
// {prefix}/.stratus/{task id}; chunk n is part n. The ledger is the part
// listing. Finalize completes the upload and copies the staging object to
// its destination key {prefix}/{dest dir}/{name}, tagged with the task id so
// that a finalize whose response was lost can be recognized later.
package s3remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/bamsammich/stratus/internal/conflict"
	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/task"
	"github.com/bamsammich/stratus/internal/uperr"
)

// S3 multipart limits.
const (
	maxParts    = 10000
	minPartSize = 5 << 20
	maxPartSize = 5 << 30
	// CopyObject cannot copy larger objects in one request.
	maxObjectSize = 5 << 30
)

const (
	stagingDir = ".stratus"
	// metaTask is the user metadata key holding the task id of a committed
	// object.
	metaTask = "stratus-task"

	// Tokens of sessions that need no multipart upload.
	tokenEmpty     = "empty:"
	tokenStaged    = "staged:"
	tokenCommitted = "committed:"

	maxNameProbes = 100
)

// API is the subset of the S3 client the transport uses.
type API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, opts ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, opts ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config configures a Client.
type Config struct {
	API    API
	Logger *slog.Logger
	Bucket string
	Prefix string
}

// Client is a remote.Transport backed by an S3 bucket.
type Client struct {
	api    API
	logger *slog.Logger
	bucket string
	prefix string

	mu sync.Mutex
	// names maps session tokens to the destination name they were opened
	// for. Sessions unknown to this process are renegotiated.
	names map[string]string
}

var _ remote.Transport = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.API == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 transport needs a client and bucket: %w", uperr.ErrInvalidConfiguration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    cfg.API,
		logger: logger,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		names:  make(map[string]string),
	}, nil
}

func (c *Client) OpenSession(ctx context.Context, req remote.OpenRequest) (remote.Session, error) {
	if err := checkGeometry(req); err != nil {
		return remote.Session{}, err
	}
	s := remote.Session{
		TaskID:     req.TaskID,
		Endpoint:   c.stagingKey(req.TaskID),
		DestDir:    req.DestDir,
		TotalSize:  req.TotalSize,
		ChunkSize:  req.ChunkSize,
		ChunkCount: req.ChunkCount,
	}

	token, name, err := c.findSession(ctx, s, req)
	if err != nil {
		return remote.Session{}, err
	}
	if token == "" {
		out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(s.Endpoint),
			Metadata: map[string]string{metaTask: string(req.TaskID)},
		})
		if err != nil {
			return remote.Session{}, classify("create multipart upload", err, uperr.ErrSessionRejected)
		}
		token = aws.ToString(out.UploadId)
		c.logger.Debug("multipart upload created", "task", req.TaskID, "key", s.Endpoint)
	}

	if name == "" {
		name = req.DestName
	}
	s.Token = token
	c.mu.Lock()
	c.names[token] = name
	c.mu.Unlock()
	return s, nil
}

// findSession looks for remote state left by an earlier run of the task.
// It returns the token to reuse, or "" when a multipart upload has to be
// created, and the name of the destination object if the task already
// committed one.
func (c *Client) findSession(ctx context.Context, s remote.Session, req remote.OpenRequest) (string, string, error) {
	if req.TotalSize == 0 {
		return tokenEmpty + string(req.TaskID), "", nil
	}

	out, err := c.api.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(s.Endpoint),
	})
	if err != nil {
		return "", "", classify("list multipart uploads", err, uperr.ErrSessionRejected)
	}
	var found string
	for _, u := range out.Uploads {
		if aws.ToString(u.Key) != s.Endpoint {
			continue
		}
		id := aws.ToString(u.UploadId)
		if id == req.Token || found == "" {
			found = id
		}
	}
	if found != "" {
		return found, "", nil
	}

	// Completed but not yet copied to its destination.
	if size, _, ok, err := c.head(ctx, s.Endpoint); err != nil {
		return "", "", err
	} else if ok && size == req.TotalSize {
		return tokenStaged + string(req.TaskID), "", nil
	}
	// Already committed by a finalize whose response was lost. Only a run
	// that held a session can have committed; a fresh task with the same
	// identity uploads again.
	if req.Token == "" {
		return "", "", nil
	}
	name, err := c.committedName(ctx, req)
	if err != nil || name == "" {
		return "", "", err
	}
	return tokenCommitted + string(req.TaskID), name, nil
}

// committedName finds the destination object the task committed, if any.
// A renamed commit took the first name in the dedup sequence that was free
// at the time, so the walk stops at the first free name.
func (c *Client) committedName(ctx context.Context, req remote.OpenRequest) (string, error) {
	for n := 0; n <= maxNameProbes; n++ {
		candidate := req.DestName
		if n > 0 {
			candidate = conflict.DedupName(req.DestName, n)
		}
		size, owner, taken, err := c.head(ctx, c.destKey(req.DestDir, candidate))
		if err != nil || !taken {
			return "", err
		}
		if owner == string(req.TaskID) && size == req.TotalSize {
			return candidate, nil
		}
	}
	return "", nil
}

func (c *Client) FetchLedger(ctx context.Context, s remote.Session) (remote.Ledger, error) {
	name, err := c.sessionName(s)
	if err != nil {
		return remote.Ledger{}, err
	}
	l := remote.Ledger{ExpectedSize: s.TotalSize, ExpectedChunks: s.ChunkCount}

	switch {
	case strings.HasPrefix(s.Token, tokenEmpty):
	case strings.HasPrefix(s.Token, tokenStaged), strings.HasPrefix(s.Token, tokenCommitted):
		l.Confirmed = fullLedger(s)
	default:
		parts, err := c.listParts(ctx, s)
		if err != nil {
			return remote.Ledger{}, err
		}
		for _, p := range parts {
			l.Confirmed = append(l.Confirmed, remote.LedgerEntry{
				Number: int(aws.ToInt32(p.PartNumber)),
				Size:   aws.ToInt64(p.Size),
			})
		}
	}
	for _, e := range l.Confirmed {
		l.UploadedSize += e.Size
	}
	l.HeldChunks = len(l.Confirmed)

	if strings.HasPrefix(s.Token, tokenCommitted) {
		return l, nil
	}
	_, owner, taken, err := c.head(ctx, c.destKey(s.DestDir, name))
	if err != nil {
		return remote.Ledger{}, err
	}
	if taken && owner != string(s.TaskID) {
		l.NameCollision = true
		if l.SuggestedName, err = c.freeName(ctx, s, name); err != nil {
			return remote.Ledger{}, err
		}
	}
	return l, nil
}

func (c *Client) UploadChunk(ctx context.Context, s remote.Session, ch remote.ChunkUpload) (remote.ChunkAck, error) {
	if _, err := c.sessionName(s); err != nil {
		return remote.ChunkAck{}, err
	}
	if !c.multipart(s) {
		return remote.ChunkAck{}, fmt.Errorf("chunk %d: session %s takes no parts: %w", ch.Number, s.Token, uperr.ErrChunkRejected)
	}
	if ch.Number < 1 || ch.Number > s.ChunkCount {
		return remote.ChunkAck{}, fmt.Errorf("chunk %d out of range: %w", ch.Number, uperr.ErrChunkRejected)
	}

	_, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(s.Endpoint),
		UploadId:      aws.String(s.Token),
		PartNumber:    aws.Int32(int32(ch.Number)), //nolint:gosec // bounded by maxParts
		Body:          ch.Body,
		ContentLength: aws.Int64(ch.Size),
	})
	if err != nil {
		return remote.ChunkAck{}, classify(fmt.Sprintf("upload part %d", ch.Number), err, uperr.ErrChunkRejected)
	}
	// S3 verifies the part checksum itself; the ETag is not a content
	// fingerprint we can compare.
	return remote.ChunkAck{Number: ch.Number, Size: ch.Size}, nil
}

func (c *Client) Finalize(ctx context.Context, s remote.Session, req remote.FinalizeRequest) (remote.File, error) {
	name, err := c.sessionName(s)
	if err != nil {
		return remote.File{}, err
	}
	if strings.HasPrefix(s.Token, tokenCommitted) {
		return c.file(s, name), nil
	}

	target := req.Name
	_, owner, taken, err := c.head(ctx, c.destKey(s.DestDir, target))
	if err != nil {
		return remote.File{}, err
	}
	if taken && owner != string(s.TaskID) {
		switch {
		case req.Overwrite:
		case req.AllowDuplicate:
			if target, err = c.freeName(ctx, s, target); err != nil {
				return remote.File{}, err
			}
		default:
			return remote.File{}, fmt.Errorf("%q exists in %q: %w", target, s.DestDir, uperr.ErrNameConflict)
		}
	}
	dest := c.destKey(s.DestDir, target)

	if strings.HasPrefix(s.Token, tokenEmpty) {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(dest),
			Body:          strings.NewReader(""),
			ContentLength: aws.Int64(0),
			Metadata:      map[string]string{metaTask: string(s.TaskID)},
		})
		if err != nil {
			return remote.File{}, classify("put empty object", err, uperr.ErrSessionRejected)
		}
		return c.file(s, target), nil
	}

	if c.multipart(s) {
		if err := c.complete(ctx, s); err != nil {
			return remote.File{}, err
		}
	}

	_, err = c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(c.bucket),
		Key:               aws.String(dest),
		CopySource:        aws.String(c.bucket + "/" + s.Endpoint),
		Metadata:          map[string]string{metaTask: string(s.TaskID)},
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil {
		return remote.File{}, classify("copy to destination", err, uperr.ErrSessionRejected)
	}
	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s.Endpoint),
	}); err != nil {
		c.logger.Warn("failed to delete staging object", "task", s.TaskID, "key", s.Endpoint, "error", err)
	}
	return c.file(s, target), nil
}

func (c *Client) complete(ctx context.Context, s remote.Session) error {
	parts, err := c.listParts(ctx, s)
	if err != nil {
		return err
	}
	if len(parts) != s.ChunkCount {
		return fmt.Errorf("finalize with %d of %d parts: %w", len(parts), s.ChunkCount, uperr.ErrChunkRejected)
	}
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
	}
	_, err = c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(s.Endpoint),
		UploadId:        aws.String(s.Token),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return classify("complete multipart upload", err, uperr.ErrChunkRejected)
	}
	return nil
}

// listParts returns the parts of a multipart upload in part number order.
func (c *Client) listParts(ctx context.Context, s remote.Session) ([]types.Part, error) {
	p := s3.NewListPartsPaginator(c.api, &s3.ListPartsInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(s.Endpoint),
		UploadId: aws.String(s.Token),
	})
	var parts []types.Part
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("list parts", err, uperr.ErrSessionRejected)
		}
		parts = append(parts, page.Parts...)
	}
	return parts, nil
}

// head returns the size and owning task of an object, and whether it exists.
func (c *Client) head(ctx context.Context, key string) (int64, string, bool, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if notFound(err) {
			return 0, "", false, nil
		}
		return 0, "", false, classify("head "+key, err, uperr.ErrSessionRejected)
	}
	return aws.ToInt64(out.ContentLength), out.Metadata[metaTask], true, nil
}

// freeName returns the first dedup variant of name that is free or already
// holds this session's own upload.
func (c *Client) freeName(ctx context.Context, s remote.Session, name string) (string, error) {
	for n := 1; n <= maxNameProbes; n++ {
		candidate := conflict.DedupName(name, n)
		_, owner, taken, err := c.head(ctx, c.destKey(s.DestDir, candidate))
		if err != nil {
			return "", err
		}
		if !taken || owner == string(s.TaskID) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %q in %q: %w", name, s.DestDir, uperr.ErrNameConflict)
}

func (c *Client) sessionName(s remote.Session) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.names[s.Token]
	if !ok {
		return "", fmt.Errorf("session %s not opened by this client: %w", s.Token, uperr.ErrSessionExpired)
	}
	return name, nil
}

func (c *Client) multipart(s remote.Session) bool {
	return !strings.HasPrefix(s.Token, tokenEmpty) &&
		!strings.HasPrefix(s.Token, tokenStaged) &&
		!strings.HasPrefix(s.Token, tokenCommitted)
}

func (c *Client) file(s remote.Session, name string) remote.File {
	key := c.destKey(s.DestDir, name)
	return remote.File{ID: key, Name: name, DirID: s.DestDir, Size: s.TotalSize}
}

func (c *Client) stagingKey(id task.ID) string {
	return path.Join(c.prefix, stagingDir, string(id))
}

func (c *Client) destKey(dir, name string) string {
	return path.Join(c.prefix, dir, name)
}

func checkGeometry(req remote.OpenRequest) error {
	switch {
	case req.TotalSize > maxObjectSize:
		return fmt.Errorf("%d bytes exceeds the object size limit: %w", req.TotalSize, uperr.ErrSessionRejected)
	case req.ChunkCount > maxParts:
		return fmt.Errorf("%d chunks exceeds the part limit: %w", req.ChunkCount, uperr.ErrSessionRejected)
	case req.ChunkSize > maxPartSize:
		return fmt.Errorf("chunk size %d exceeds the part size limit: %w", req.ChunkSize, uperr.ErrSessionRejected)
	case req.ChunkCount > 1 && req.ChunkSize < minPartSize:
		return fmt.Errorf("chunk size %d is below the part size minimum: %w", req.ChunkSize, uperr.ErrSessionRejected)
	}
	return nil
}

func fullLedger(s remote.Session) []remote.LedgerEntry {
	entries := make([]remote.LedgerEntry, 0, s.ChunkCount)
	for n := 1; n <= s.ChunkCount; n++ {
		size := s.ChunkSize
		if n == s.ChunkCount {
			size = s.TotalSize - int64(n-1)*s.ChunkSize
		}
		entries = append(entries, remote.LedgerEntry{Number: n, Size: size})
	}
	return entries
}

func notFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var re *smithyhttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

// classify maps an S3 error onto the uperr taxonomy. fallback applies to
// client errors that have no more specific meaning for the operation.
func classify(op string, err error, fallback error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchUpload":
			return fmt.Errorf("%s: %w: %w", op, uperr.ErrSessionExpired, err)
		case "EntityTooSmall", "EntityTooLarge", "InvalidPart", "InvalidPartOrder", "BadDigest", "InvalidDigest":
			return fmt.Errorf("%s: %w: %w", op, uperr.ErrChunkRejected, err)
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return fmt.Errorf("%s: %w: %w", op, uperr.ErrSessionRejected, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return fmt.Errorf("%s: %w: %w", op, uperr.ErrTransient, err)
		}
	}

	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		if status := re.HTTPStatusCode(); status < 500 && status != 408 && status != 429 {
			return fmt.Errorf("%s: %w: %w", op, fallback, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, uperr.ErrTransient, err)
}
