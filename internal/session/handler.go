// Package session runs the request/response lifecycle of one accepted
// connection: read the prefix byte and a JPEG frame, classify it, answer with
// a verdict, close.
package session

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/plantid/internal/classifier"
	"github.com/example/plantid/internal/logging"
	"github.com/example/plantid/internal/protocol"
	"github.com/example/plantid/internal/repository"
)

// ImageStore keeps a copy of every received payload.
type ImageStore interface {
	Save(peer net.Addr, data []byte) (string, error)
}

// LogStore persists one record per classified image.
type LogStore interface {
	SaveLog(ctx context.Context, log *repository.ClassificationLog) error
}

// VerdictRecorder counts outcomes.
type VerdictRecorder interface {
	RecordAccepted(ctx context.Context, sessionID, label string) error
	RecordRejected(ctx context.Context, sessionID string) error
	RecordFailed(ctx context.Context, sessionID string) error
}

// Defaults applied by NewHandler to unset options.
const (
	DefaultPrefixSize   = 1
	DefaultAuditTimeout = 5 * time.Second
)

// Options are the protocol settings of a session.
type Options struct {
	ChunkSize int
	Threshold float64
	// PrefixSize is the number of leading bytes discarded before the image.
	PrefixSize int
	// IdleTimeout bounds the time spent reading one request, and writing its reply.
	IdleTimeout time.Duration
	// KeepAlive serves further requests on the same connection instead of
	// closing after the first reply.
	KeepAlive bool
	// AuditTimeout bounds the database and counter writes made after a reply.
	AuditTimeout time.Duration
}

// Option configures optional collaborators of a Handler.
type Option func(*Handler)

// WithImageStore saves every payload before classification.
func WithImageStore(store ImageStore) Option {
	return func(h *Handler) { h.images = store }
}

// WithLogStore records every classification.
func WithLogStore(store LogStore) Option {
	return func(h *Handler) { h.logs = store }
}

// WithRecorder counts verdicts.
func WithRecorder(recorder VerdictRecorder) Option {
	return func(h *Handler) { h.recorder = recorder }
}

// Handler serves connections. It is safe for concurrent use as long as its
// classifier is.
type Handler struct {
	classifier classifier.Classifier
	images     ImageStore
	logs       LogStore
	recorder   VerdictRecorder
	opts       Options
	logger     *zap.Logger
	newID      func() string
	now        func() time.Time
}

// NewHandler constructs a handler around a classifier.
func NewHandler(c classifier.Classifier, opts Options, logger *zap.Logger, options ...Option) *Handler {
	if opts.PrefixSize <= 0 {
		opts.PrefixSize = DefaultPrefixSize
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = DefaultAuditTimeout
	}
	h := &Handler{
		classifier: c,
		opts:       opts,
		logger:     logger.Named("session"),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, o := range options {
		o(h)
	}
	return h
}

// errIdle reports a kept-alive peer that sent nothing more before the deadline.
var errIdle = errors.New("idle between requests")

// conn is the per-connection state owned by one Handle call.
type conn struct {
	net.Conn
	framer  *protocol.Framer
	id      string
	peer    net.Addr
	state   State
	seq     int
	payload []byte
	closed  bool
	logger  *zap.Logger
}

func (c *conn) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Conn.Close()
}

func (c *conn) transition(next State) {
	c.logger.Debug("session state", zap.Stringer("from", c.state), zap.Stringer("to", next))
	c.state = next
}

// Handle runs the lifecycle of nc and always closes it. Errors never escape:
// a failed request is logged and the connection is closed without a reply.
func (h *Handler) Handle(ctx context.Context, nc net.Conn) {
	c := &conn{
		Conn:  nc,
		id:    h.newID(),
		peer:  nc.RemoteAddr(),
		state: Accepted,
	}
	c.framer = protocol.NewFramer(nc, h.opts.ChunkSize, h.opts.KeepAlive)
	c.logger = logging.WithOperation(h.logger, "session.handle", c.id).With(zap.Stringer("peer", c.peer))
	c.logger.Info("connection accepted")

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session panicked", zap.Any("panic", r), zap.Stack("stack"))
			h.recordFailed(ctx, c)
		}
		if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("close failed", zap.Error(err))
		}
		c.transition(Closed)
		c.logger.Info("connection closed", zap.Int("requests", c.seq))
	}()

	for {
		err := h.serve(ctx, c)
		if errors.Is(err, protocol.ErrPeerClosed) {
			c.logger.Info("peer closed without sending a request")
			return
		}
		if errors.Is(err, errIdle) {
			c.logger.Info("idle connection timed out between requests")
			return
		}
		if err != nil {
			c.logger.Error("session failed", zap.Error(err), zap.Stringer("state", c.state), zap.Stack("stack"))
			h.recordFailed(ctx, c)
			return
		}
		c.seq++
		if !h.opts.KeepAlive {
			return
		}
	}
}

// serve handles one request on c.
func (h *Handler) serve(ctx context.Context, c *conn) error {
	if h.opts.IdleTimeout > 0 {
		if err := c.SetReadDeadline(h.now().Add(h.opts.IdleTimeout)); err != nil {
			return logging.NewOperationError("session.set_deadline", c.id, err)
		}
	}

	c.transition(Reading)
	prefix, err := c.framer.ReadPrefix(h.opts.PrefixSize)
	if err != nil {
		if errors.Is(err, protocol.ErrPeerClosed) {
			return err
		}
		if c.seq > 0 && len(prefix) == 0 && isTimeout(err) {
			return errIdle
		}
		return logging.NewOperationError("session.read_prefix", c.id, err)
	}

	payload, err := c.framer.ReadImage()
	if err != nil {
		return logging.NewOperationError("session.read_frame", c.id, err)
	}
	c.payload = payload
	complete := bytes.HasSuffix(payload, protocol.EndOfImage)
	c.logger.Info("image received",
		zap.String("prefix", hex.EncodeToString(prefix)),
		zap.Int("bytes", len(payload)),
		zap.Bool("complete", complete))

	imagePath := h.saveImage(c)

	c.transition(Classifying)
	start := h.now()
	result, err := h.classifier.Classify(ctx, payload)
	if err != nil {
		return logging.NewOperationError("session.classify", c.id, err)
	}
	latency := h.now().Sub(start)

	resp := protocol.Decide(result.Label, result.Confidence, h.opts.Threshold)
	c.logger.Info("image classified",
		zap.String("label", result.Label),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("accepted", resp.Accepted()),
		zap.Duration("latency", latency))

	c.transition(Responding)
	if h.opts.IdleTimeout > 0 {
		if err := c.SetWriteDeadline(h.now().Add(h.opts.IdleTimeout)); err != nil {
			return logging.NewOperationError("session.set_deadline", c.id, err)
		}
	}
	if err := protocol.WriteAll(c, resp.Encode()); err != nil {
		return logging.NewOperationError("session.write_response", c.id, err)
	}
	c.logger.Info("response sent", zap.ByteString("response", resp.Encode()))

	// The reply is complete; a single-shot peer should not wait for the audit.
	if !h.opts.KeepAlive {
		if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("close failed", zap.Error(err))
		}
	}

	auditCtx, cancel := context.WithTimeout(ctx, h.opts.AuditTimeout)
	defer cancel()
	h.audit(auditCtx, c, imagePath, result, resp, latency)
	c.payload = nil
	return nil
}

func (h *Handler) saveImage(c *conn) string {
	if h.images == nil {
		return ""
	}
	path, err := h.images.Save(c.peer, c.payload)
	if err != nil {
		c.logger.Warn("failed to save image", zap.Error(logging.NewOperationError("session.save_image", c.id, err)))
		return ""
	}
	c.logger.Info("image saved", zap.String("path", path))
	return path
}

// audit records the outcome. Failures are logged only: the client already has its answer.
func (h *Handler) audit(ctx context.Context, c *conn, imagePath string, result *classifier.Result, resp protocol.Response, latency time.Duration) {
	if h.logs != nil {
		hash := sha1.Sum(c.payload)
		entry := &repository.ClassificationLog{
			SessionID:  c.id,
			Sequence:   c.seq,
			PeerAddr:   peerString(c.peer),
			ImagePath:  imagePath,
			Label:      result.Label,
			Confidence: result.Confidence,
			Accepted:   resp.Accepted(),
			SHA1Hash:   hex.EncodeToString(hash[:]),
			LatencyMs:  float64(latency) / float64(time.Millisecond),
			CreatedAt:  h.now().UTC(),
		}
		if err := h.logs.SaveLog(ctx, entry); err != nil {
			c.logger.Warn("failed to persist classification log", zap.Error(err))
		}
	}

	if h.recorder != nil {
		var err error
		if resp.Accepted() {
			err = h.recorder.RecordAccepted(ctx, c.id, result.Label)
		} else {
			err = h.recorder.RecordRejected(ctx, c.id)
		}
		if err != nil {
			c.logger.Warn("failed to record verdict", zap.Error(err))
		}
	}
}

func (h *Handler) recordFailed(ctx context.Context, c *conn) {
	if h.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.AuditTimeout)
	defer cancel()
	if err := h.recorder.RecordFailed(ctx, c.id); err != nil {
		c.logger.Warn("failed to record failure", zap.Error(err))
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func peerString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
