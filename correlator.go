package mcpprobe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

var defaultRequestTimeout = 30 * time.Second

// requestOutcome is the terminal state of one issued request: either a raw
// result payload or an error, never both.
type requestOutcome struct {
	result json.RawMessage
	err    error
}

// resultValidator checks a response payload before the pending request is
// resolved with it. A validation failure rejects the request instead of
// silently passing the payload through.
type resultValidator func(json.RawMessage) error

type pendingRequest struct {
	outcome  chan requestOutcome
	validate resultValidator
	timer    *time.Timer
}

// correlator owns the request-id sequence for one connection and matches
// inbound responses to the requests that are still waiting for them. Every
// id it ever issues reaches exactly one outcome: a response, a timeout, or
// cancellation on disconnect.
type correlator struct {
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[MessageID]*pendingRequest
}

func newCorrelator(timeout time.Duration) *correlator {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &correlator{
		timeout: timeout,
		pending: make(map[MessageID]*pendingRequest),
	}
}

// issue allocates the next request id, registers a pending entry with a
// deadline, and returns the outbound request message together with the
// channel that will carry its single outcome.
func (c *correlator) issue(method string, params json.RawMessage, validate resultValidator) (JSONRPCMessage, <-chan requestOutcome) {
	c.mu.Lock()
	id := MessageID(strconv.FormatUint(c.nextID, 10))
	c.nextID++

	pr := &pendingRequest{
		outcome:  make(chan requestOutcome, 1),
		validate: validate,
	}
	pr.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })
	c.pending[id] = pr
	c.mu.Unlock()

	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}, pr.outcome
}

// resolve completes the pending request matching msg.ID. Messages with an
// unknown id are ignored without error; they may be responses to requests
// that already timed out, or duplicate deliveries from a POST-body fallback
// path. Returns whether a pending request was completed.
func (c *correlator) resolve(id MessageID, msg JSONRPCMessage) bool {
	pr := c.take(id)
	if pr == nil {
		return false
	}

	switch {
	case msg.Error != nil:
		pr.outcome <- requestOutcome{err: msg.Error}
	case pr.validate != nil:
		if err := pr.validate(msg.Result); err != nil {
			pr.outcome <- requestOutcome{err: fmt.Errorf("invalid response for request %s: %w", id, err)}
		} else {
			pr.outcome <- requestOutcome{result: msg.Result}
		}
	default:
		pr.outcome <- requestOutcome{result: msg.Result}
	}
	return true
}

// fail rejects the pending request with id, if it is still outstanding.
func (c *correlator) fail(id MessageID, err error) {
	if pr := c.take(id); pr != nil {
		pr.outcome <- requestOutcome{err: err}
	}
}

// cancelAll rejects every outstanding request with err. Called on disconnect;
// it settles requests locally instead of waiting on the network.
func (c *correlator) cancelAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[MessageID]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.outcome <- requestOutcome{err: err}
	}
}

func (c *correlator) expire(id MessageID) {
	if pr := c.take(id); pr != nil {
		pr.outcome <- requestOutcome{err: fmt.Errorf("request %s: %w", id, ErrRequestTimeout)}
	}
}

// take removes and returns the pending entry for id, stopping its timer.
func (c *correlator) take(id MessageID) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	pr, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	pr.timer.Stop()
	return pr
}
