// Package httpremote implements remote.Transport over the HTTP upload API.
//
// Endpoints, relative to the base URL:
//
//	POST /upload/sessions                    open or resume a session
//	GET  /upload/sessions/{token}/ledger     held chunks (msgpack or JSON)
//	PUT  /upload/sessions/{token}/chunks/{n} store one chunk
//	POST /upload/sessions/{token}/finalize   commit the file
//
// A session response may name its own endpoint, in which case the last
// three requests go there instead.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/bamsammich/stratus/internal/remote"
	"github.com/bamsammich/stratus/internal/uperr"
)

const (
	defaultRetryMax     = 3
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 10 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4096

	headerFingerprint = "X-Chunk-Fingerprint"
	headerOffset      = "X-Chunk-Offset"
	headerRequestID   = "X-Request-Id"
)

// Config configures a Client.
type Config struct {
	// HTTPClient is the underlying client; nil uses a pooled default.
	HTTPClient *http.Client
	Logger     *slog.Logger
	BaseURL    string
	// Token is sent as a bearer token on every request.
	Token        string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client is a remote.Transport speaking the HTTP upload API. Requests are
// retried on network errors and 5xx responses; failures that remain are
// classified with the uperr sentinels and carry a *StatusError.
type Client struct {
	http  *retryablehttp.Client
	base  *url.URL
	token string
}

var _ remote.Transport = (*Client)(nil)

// StatusError is a non-success HTTP response.
type StatusError struct {
	Op         string
	Message    string
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, e.Message)
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q: %w", cfg.BaseURL, uperr.ErrInvalidConfiguration)
	}

	rc := retryablehttp.NewClient()
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	}
	rc.RetryMax = defaultRetryMax
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	rc.RetryWaitMin = defaultRetryWaitMin
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	rc.RetryWaitMax = defaultRetryWaitMax
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	// Hand the last response back instead of a generic "giving up" error so
	// that its status can be classified.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rc.Logger = logger.With("component", "httpremote")

	return &Client{http: rc, base: base, token: cfg.Token}, nil
}

func (c *Client) OpenSession(ctx context.Context, req remote.OpenRequest) (remote.Session, error) {
	body := openRequestMsg{
		TaskID:     string(req.TaskID),
		Account:    req.Account,
		DestDir:    req.DestDir,
		DestName:   req.DestName,
		Policy:     req.Policy.String(),
		Token:      req.Token,
		TotalSize:  req.TotalSize,
		ChunkSize:  req.ChunkSize,
		ChunkCount: req.ChunkCount,
	}
	var resp sessionMsg
	if err := c.doJSON(ctx, opOpen, http.MethodPost, c.base.JoinPath("upload", "sessions").String(), body, &resp); err != nil {
		return remote.Session{}, err
	}
	if resp.Token == "" {
		return remote.Session{}, fmt.Errorf("open: empty session token: %w", uperr.ErrTransient)
	}
	if resp.ChunkCount != req.ChunkCount || resp.TotalSize != req.TotalSize {
		return remote.Session{}, fmt.Errorf("open: server geometry %d bytes/%d chunks, want %d/%d: %w",
			resp.TotalSize, resp.ChunkCount, req.TotalSize, req.ChunkCount, uperr.ErrSessionRejected)
	}
	endpoint := resp.Endpoint
	if endpoint == "" {
		endpoint = c.base.JoinPath("upload", "sessions", resp.Token).String()
	}
	destDir := resp.DestDir
	if destDir == "" {
		destDir = req.DestDir
	}
	return remote.Session{
		TaskID:     req.TaskID,
		Token:      resp.Token,
		Endpoint:   endpoint,
		DestDir:    destDir,
		TotalSize:  resp.TotalSize,
		ChunkSize:  resp.ChunkSize,
		ChunkCount: resp.ChunkCount,
	}, nil
}

func (c *Client) FetchLedger(ctx context.Context, s remote.Session) (remote.Ledger, error) {
	u, err := sessionURL(s, "ledger")
	if err != nil {
		return remote.Ledger{}, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return remote.Ledger{}, err
	}
	req.Header.Set("Accept", contentTypeMsgpack+", "+contentTypeJSON+";q=0.5")

	resp, err := c.do(req, opLedger)
	if err != nil {
		return remote.Ledger{}, err
	}
	defer drain(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return remote.Ledger{}, fmt.Errorf("ledger: read body: %w: %w", uperr.ErrTransient, err)
	}

	var msg ledgerMsg
	if strings.HasPrefix(resp.Header.Get("Content-Type"), contentTypeMsgpack) {
		_, err = msg.UnmarshalMsg(data)
	} else {
		err = json.Unmarshal(data, &msg)
	}
	if err != nil {
		return remote.Ledger{}, fmt.Errorf("ledger: decode: %w: %w", uperr.ErrTransient, err)
	}
	return ledgerFromMsg(msg), nil
}

func (c *Client) UploadChunk(ctx context.Context, s remote.Session, ch remote.ChunkUpload) (remote.ChunkAck, error) {
	u, err := sessionURL(s, "chunks", strconv.Itoa(ch.Number))
	if err != nil {
		return remote.ChunkAck{}, err
	}
	// retryablehttp rewinds byte slices between attempts; other readers
	// would be buffered by it anyway.
	body, ok := ch.Body.(*bytes.Reader)
	if !ok {
		data, err := io.ReadAll(io.LimitReader(ch.Body, ch.Size))
		if err != nil {
			return remote.ChunkAck{}, fmt.Errorf("chunk %d: read body: %w", ch.Number, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, http.MethodPut, u, body)
	if err != nil {
		return remote.ChunkAck{}, err
	}
	req.ContentLength = ch.Size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerOffset, strconv.FormatInt(ch.Offset, 10))
	if ch.Fingerprint != "" {
		req.Header.Set(headerFingerprint, ch.Fingerprint)
	}

	resp, err := c.do(req, opUpload)
	if err != nil {
		return remote.ChunkAck{}, fmt.Errorf("chunk %d: %w", ch.Number, err)
	}
	defer drain(resp.Body)

	var ack chunkAckMsg
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return remote.ChunkAck{}, fmt.Errorf("chunk %d: decode ack: %w: %w", ch.Number, uperr.ErrTransient, err)
	}
	return remote.ChunkAck{Fingerprint: ack.Fingerprint, Size: ack.Size, Number: ack.Number}, nil
}

func (c *Client) Finalize(ctx context.Context, s remote.Session, req remote.FinalizeRequest) (remote.File, error) {
	u, err := sessionURL(s, "finalize")
	if err != nil {
		return remote.File{}, err
	}
	body := finalizeRequestMsg{
		Name:           req.Name,
		Overwrite:      req.Overwrite,
		AllowDuplicate: req.AllowDuplicate,
	}
	var f fileMsg
	if err := c.doJSON(ctx, opFinalize, http.MethodPost, u, body, &f); err != nil {
		return remote.File{}, err
	}
	return remote.File{ID: f.ID, Name: f.Name, DirID: f.DirID, Size: f.Size}, nil
}

func (c *Client) doJSON(ctx context.Context, op operation, method, u string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	req, err := c.newRequest(ctx, method, u, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)

	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w: %w", op, uperr.ErrTransient, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body any) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, u, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(headerRequestID, uuid.NewString())
	return req, nil
}

// do sends req and returns a successful response; the caller closes its body.
func (c *Client) do(req *retryablehttp.Request, op operation) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			drain(resp.Body)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, uperr.ErrTransient, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer drain(resp.Body)
	return nil, classify(op, resp)
}

func classify(op operation, resp *http.Response) error {
	serr := &StatusError{Op: op.String(), StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var msg errorMsg
	if json.Unmarshal(data, &msg) == nil && msg.Message != "" {
		serr.Message = msg.Message
	} else {
		serr.Message = strings.TrimSpace(string(data))
	}
	return fmt.Errorf("%w: %w", op.sentinel(resp.StatusCode), serr)
}

type operation int

const (
	opOpen operation = iota + 1
	opLedger
	opUpload
	opFinalize
)

var operationNames = map[operation]string{
	opOpen:     "open session",
	opLedger:   "fetch ledger",
	opUpload:   "upload chunk",
	opFinalize: "finalize",
}

func (o operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return "unknown"
}

// sentinel maps a failed status to the uperr taxonomy. The mapping depends
// on the operation: a 404 on open means the destination is missing, on a
// session request it means the session is gone.
func (o operation) sentinel(status int) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return uperr.ErrTransient
	case o == opOpen:
		return uperr.ErrSessionRejected
	case status == http.StatusNotFound, status == http.StatusGone:
		return uperr.ErrSessionExpired
	case o == opFinalize && status == http.StatusConflict:
		return uperr.ErrNameConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity,
		status == http.StatusRequestEntityTooLarge:
		return uperr.ErrChunkRejected
	default:
		return uperr.ErrSessionRejected
	}
}

func sessionURL(s remote.Session, elem ...string) (string, error) {
	if s.Endpoint == "" {
		return "", fmt.Errorf("session %s has no endpoint: %w", s.Token, uperr.ErrSessionExpired)
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", fmt.Errorf("session endpoint %q: %w", s.Endpoint, uperr.ErrSessionExpired)
	}
	return u.JoinPath(elem...).String(), nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
