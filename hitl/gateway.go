// Package hitl implements the human-input gateway: the pending-request
// queue a workflow run blocks on when it needs a CAPTCHA solution or a
// payment confirmation from a human operator.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// InputType describes what kind of answer a request expects.
type InputType string

const (
	InputText         InputType = "text"
	InputConfirmation InputType = "confirmation"
)

// Request is a pending question for the human operator.
type Request struct {
	ID            string        `json:"id"`
	Prompt        string        `json:"prompt"`
	Type          InputType     `json:"type"`
	ScreenshotRef string        `json:"screenshot_ref,omitempty"`
	Timeout       time.Duration `json:"timeout"`
	CreatedAt     time.Time     `json:"created_at"`
}

var (
	// ErrTimeout is returned when no response arrives within the
	// request's wall-clock timeout. The run fails closed.
	ErrTimeout = errors.New("human input timed out")

	// ErrCancelled is returned when the request is explicitly cancelled.
	// The engine treats it identically to a timeout.
	ErrCancelled = errors.New("human input cancelled")

	// ErrUnknownRequest is returned for responses to requests that are
	// not pending.
	ErrUnknownRequest = errors.New("no such pending request")
)

// NewRequestID returns a new prefixed request identifier.
func NewRequestID() string {
	id, err := typeid.WithPrefix("hitl")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Observer is notified when a request becomes pending, so a UI can present
// it. Invoked from the requesting goroutine before it blocks.
type Observer func(Request)

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Logger *slog.Logger

	// DefaultTimeout applies to requests that do not set their own.
	// Defaults to 300s.
	DefaultTimeout time.Duration

	Observer Observer
}

// Gateway mediates between suspended workflow runs and a human operator.
// RequestInput blocks cooperatively on a channel; there is no busy
// polling. Safe for concurrent use by independent runs.
type Gateway struct {
	logger         *slog.Logger
	defaultTimeout time.Duration
	observer       Observer

	mutex   sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	request   Request
	response  chan string
	cancelled chan struct{}
}

func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 300 * time.Second
	}
	return &Gateway{
		logger:         opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
		observer:       opts.Observer,
		pending:        map[string]*pendingRequest{},
	}
}

// RequestInput registers the request and blocks until a response is
// submitted, the request is cancelled, the timeout elapses, or the context
// ends. The request is removed from the pending queue on return.
func (g *Gateway) RequestInput(ctx context.Context, request Request) (string, error) {
	if request.ID == "" {
		request.ID = NewRequestID()
	}
	if request.Timeout <= 0 {
		request.Timeout = g.defaultTimeout
	}
	request.CreatedAt = time.Now()

	p := &pendingRequest{
		request:   request,
		response:  make(chan string, 1),
		cancelled: make(chan struct{}),
	}

	g.mutex.Lock()
	if _, exists := g.pending[request.ID]; exists {
		g.mutex.Unlock()
		return "", fmt.Errorf("duplicate request id %q", request.ID)
	}
	g.pending[request.ID] = p
	g.mutex.Unlock()
	defer g.remove(request.ID)

	g.logger.Info("human input requested",
		"request_id", request.ID,
		"type", request.Type,
		"timeout", request.Timeout)
	if g.observer != nil {
		g.observer(request)
	}

	timer := time.NewTimer(request.Timeout)
	defer timer.Stop()

	select {
	case value := <-p.response:
		g.logger.Info("human input received", "request_id", request.ID)
		return value, nil
	case <-p.cancelled:
		g.logger.Warn("human input cancelled", "request_id", request.ID)
		return "", ErrCancelled
	case <-timer.C:
		g.logger.Warn("human input timed out", "request_id", request.ID)
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SubmitResponse answers a pending request.
func (g *Gateway) SubmitResponse(id, value string) error {
	g.mutex.Lock()
	p, ok := g.pending[id]
	g.mutex.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	select {
	case p.response <- value:
		return nil
	default:
		return fmt.Errorf("request %q already answered", id)
	}
}

// Cancel aborts a pending request. The blocked run observes ErrCancelled,
// which it treats the same as a timeout.
func (g *Gateway) Cancel(id string) error {
	g.mutex.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mutex.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	close(p.cancelled)
	return nil
}

// ListPending returns the currently pending requests, oldest first.
func (g *Gateway) ListPending() []Request {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.request)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (g *Gateway) remove(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.pending, id)
}
