package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

const (
	// DefaultStallTimeout bounds the silence tolerated between events.
	DefaultStallTimeout = 90 * time.Second
	eventStreamType     = "text/event-stream"
	maxErrorBody        = 512
)

// ErrClosed is returned by Next after the stream was closed locally.
var ErrClosed = errors.New("stream closed")

// Config controls how the Client reaches the producer.
type Config struct {
	Endpoint     string
	APIKey       string
	StallTimeout time.Duration
	// HTTPClient must not set an overall Timeout; streams are long-lived.
	HTTPClient *http.Client
}

// Request is the body sent when opening a stream.
type Request struct {
	Email        string   `json:"email"`
	Password     string   `json:"password"`
	IgnoredExams []string `json:"ignoredExams"`
}

// Source is the consumer-facing view of an open stream.
type Source interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Client opens event streams against one producer endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New validates cfg and builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("stream endpoint must be an absolute http(s) URL, got %q", cfg.Endpoint)
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}, nil
}

// Open starts one streaming request. The returned Stream owns the connection
// until Close is called or the done event arrives. Cancelling ctx also tears
// the connection down.
func (c *Client) Open(ctx context.Context, req Request) (*Stream, error) {
	if req.IgnoredExams == nil {
		req.IgnoredExams = []string{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}
	connCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(connCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", eventStreamType)
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("open stream: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: open stream: %v", importer.ErrRemote, err)
	}
	if err := checkResponse(resp); err != nil {
		drainAndClose(resp.Body)
		cancel()
		return nil, err
	}
	c.logger.Debug("stream opened",
		zap.String("endpoint", c.cfg.Endpoint),
		zap.Int("ignored_exams", len(req.IgnoredExams)),
	)
	return newStream(resp.Body, cancel, c.cfg.StallTimeout), nil
}

// Connect is Open behind the Source interface.
func (c *Client) Connect(ctx context.Context, req Request) (Source, error) {
	s, err := c.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func checkResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("open stream: %w", importer.ErrUnauthorized)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("open stream: %w", importer.ErrBadRequest)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("open stream: %w", importer.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("open stream: %w", &importer.RemoteError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		})
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != eventStreamType {
		return fmt.Errorf("%w: unexpected content type %q", importer.ErrRemote, resp.Header.Get("Content-Type"))
	}
	return nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}

type readResult struct {
	frame frame
	err   error
}

// Stream is one open connection. Next must be called from a single goroutine;
// Close may be called from any goroutine.
type Stream struct {
	body      io.ReadCloser
	cancel    context.CancelFunc
	stall     time.Duration
	frames    chan readResult
	done      chan struct{}
	closeOnce sync.Once
	finished  bool
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, stall time.Duration) *Stream {
	s := &Stream{
		body:   body,
		cancel: cancel,
		stall:  stall,
		frames: make(chan readResult),
		done:   make(chan struct{}),
	}
	go s.readLoop(newDecoder(body))
	return s
}

func (s *Stream) readLoop(dec *decoder) {
	defer close(s.frames)
	for {
		f, err := dec.next()
		select {
		case s.frames <- readResult{frame: f, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next blocks until the next non-keepalive event. It returns io.EOF once the
// done event has been delivered, ErrClosed after a local Close, and an error
// wrapping importer.ErrRemote or importer.ErrStalled when the connection
// breaks or goes silent.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	if s.finished {
		return nil, io.EOF
	}
	timer := time.NewTimer(s.stall)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return nil, fmt.Errorf("stream next: %w", ctx.Err())
		case <-s.done:
			return nil, ErrClosed
		case <-timer.C:
			_ = s.Close()
			return nil, fmt.Errorf("%w: no event for %s", importer.ErrStalled, s.stall)
		case res, ok := <-s.frames:
			if !ok {
				return nil, ErrClosed
			}
			if res.err != nil {
				return nil, s.readFailure(res.err)
			}
			evt, err := Parse(res.frame.name, res.frame.data)
			if err != nil {
				_ = s.Close()
				return nil, err
			}
			switch evt.(type) {
			case KeepaliveEvent:
				resetTimer(timer, s.stall)
				continue
			case DoneEvent:
				s.finished = true
				_ = s.Close()
			}
			return evt, nil
		}
	}
}

func (s *Stream) readFailure(err error) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	_ = s.Close()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: connection closed before done", importer.ErrRemote)
	}
	return fmt.Errorf("%w: %v", importer.ErrRemote, err)
}

// Close tears down the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		if closeErr := s.body.Close(); closeErr != nil {
			err = fmt.Errorf("close stream body: %w", closeErr)
		}
	})
	return err
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
