package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/harida/titian/internal/observability"
	"github.com/harida/titian/pkg/mcp"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds Connect and every marshaled call unless the
// configuration overrides it.
const DefaultTimeout = 30 * time.Second

// Op is a unit of work that needs the session. It runs on the owning loop;
// the context it receives is canceled when the originating Call times out.
type Op func(ctx context.Context, session *mcp.Session) (interface{}, error)

type opRequest struct {
	name   string
	op     Op
	ctx    context.Context
	result chan opResult
}

type opResult struct {
	value interface{}
	err   error
}

type loopKey struct{}

type loopToken struct {
	bridge  *Bridge
	session *mcp.Session
}

// Bridge mediates all access to one MCP session. The session is owned
// exclusively by a dedicated loop goroutine; foreign callers marshal
// operations onto that loop through an op-request channel and block, with a
// bounded timeout, for the result. Callers already executing on the loop run
// operations directly, so the loop's own continuations never deadlock
// against themselves.
type Bridge struct {
	timeout time.Duration
	logger  zerolog.Logger

	// callMu serializes marshaled calls from foreign goroutines so at most
	// one bridged operation is in flight at a time.
	callMu sync.Mutex

	stateMu  sync.Mutex
	session  *mcp.Session
	ops      chan opRequest
	loopDone chan struct{}

	dial Dialer
}

// Dialer establishes the MCP session for the owning loop. The default spawns
// the server script as a subprocess; tests substitute in-memory transports.
type Dialer func(ctx context.Context, script string, logger zerolog.Logger) (*mcp.Session, error)

// Config holds bridge configuration.
type Config struct {
	Timeout time.Duration
	Logger  zerolog.Logger

	// Dialer overrides how the session is established. Nil means spawn the
	// server script under its interpreter.
	Dialer Dialer
}

// New creates a disconnected bridge.
func New(cfg Config) *Bridge {
	observability.EnsureRegistered()

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	dial := cfg.Dialer
	if dial == nil {
		dial = mcp.Connect
	}

	return &Bridge{
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With().Str("component", "bridge").Logger(),
		dial:    dial,
	}
}

// Connect starts the owning loop and dials the server script on it. Exactly
// once per session: connecting an already-connected bridge fails fast. A
// failed dial leaves the bridge disconnected, with no partial session.
func (b *Bridge) Connect(ctx context.Context, script string) error {
	b.stateMu.Lock()
	if b.ops != nil {
		b.stateMu.Unlock()
		return ErrAlreadyConnected
	}
	ops := make(chan opRequest)
	loopDone := make(chan struct{})
	b.ops = ops
	b.loopDone = loopDone
	b.stateMu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	dialRes := make(chan error, 1)
	go b.runLoop(dialCtx, script, ops, dialRes, loopDone)

	// The dial honors dialCtx, so this wait is bounded by the timeout.
	err := <-dialRes

	if err != nil {
		b.stateMu.Lock()
		b.ops = nil
		b.loopDone = nil
		b.session = nil
		b.stateMu.Unlock()
		return &ConnectionError{Script: script, Err: err}
	}

	observability.SetConnected(true)
	b.logger.Info().Str("script", script).Msg("Bridge connected")
	return nil
}

// runLoop is the owning loop: it dials the session, then executes marshaled
// operations one at a time until the ops channel closes, at which point it
// releases the session.
func (b *Bridge) runLoop(dialCtx context.Context, script string, ops chan opRequest, dialRes chan<- error, done chan struct{}) {
	defer close(done)

	session, err := b.dial(dialCtx, script, b.logger)
	if err != nil {
		dialRes <- err
		return
	}

	b.stateMu.Lock()
	b.session = session
	b.stateMu.Unlock()
	dialRes <- nil

	token := &loopToken{bridge: b, session: session}

	for req := range ops {
		start := time.Now()
		value, err := req.op(context.WithValue(req.ctx, loopKey{}, token), session)
		observability.RecordBridgeCall(req.name, time.Since(start), err == nil)
		req.result <- opResult{value: value, err: err}
	}

	_ = session.Close()
	observability.SetConnected(false)
}

// fromLoop reports whether ctx originates from this bridge's own loop.
func (b *Bridge) fromLoop(ctx context.Context) (*mcp.Session, bool) {
	token, ok := ctx.Value(loopKey{}).(*loopToken)
	if !ok || token.bridge != b {
		return nil, false
	}
	return token.session, true
}

// Call executes op against the session. On the owning loop it runs in place;
// from any other goroutine it is marshaled onto the loop and the caller
// blocks until a result, a propagated failure, or the bridge timeout. On
// timeout the pending operation is canceled best-effort and its late result
// is discarded; the bridge stays usable for subsequent callers.
func (b *Bridge) Call(ctx context.Context, name string, op Op) (interface{}, error) {
	if session, ok := b.fromLoop(ctx); ok {
		return op(ctx, session)
	}

	b.callMu.Lock()
	defer b.callMu.Unlock()

	b.stateMu.Lock()
	ops := b.ops
	loopDone := b.loopDone
	b.stateMu.Unlock()
	if ops == nil {
		return nil, ErrNotConnected
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := opRequest{
		name:   name,
		op:     op,
		ctx:    opCtx,
		result: make(chan opResult, 1),
	}

	select {
	case ops <- req:
	case <-loopDone:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-req.result:
		return res.value, res.err
	case <-timer.C:
		cancel()
		observability.RecordBridgeTimeout(name)
		b.logger.Warn().Str("op", name).Dur("timeout", b.timeout).Msg("Bridged call timed out")
		return nil, &TimeoutError{Timeout: b.timeout}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// Connected reports whether the bridge currently owns a live session.
func (b *Bridge) Connected() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.session != nil && b.ops != nil
}

// ServerInfo returns the connected server's identity, if any. The value is
// immutable after the handshake, so reading it needs no bridged call.
func (b *Bridge) ServerInfo() (mcp.ServerInfo, bool) {
	b.stateMu.Lock()
	session := b.session
	b.stateMu.Unlock()
	if session == nil {
		return mcp.ServerInfo{}, false
	}
	return session.ServerInfo(), true
}

// Close stops the owning loop and releases the session resources. The
// session teardown itself runs on the loop. Idempotent: closing a
// disconnected bridge is a no-op. Must not be invoked from inside an Op;
// ops tear the bridge down by returning an error to their caller instead.
func (b *Bridge) Close() error {
	b.callMu.Lock()
	defer b.callMu.Unlock()

	b.stateMu.Lock()
	ops := b.ops
	loopDone := b.loopDone
	b.ops = nil
	b.loopDone = nil
	b.session = nil
	b.stateMu.Unlock()

	if ops == nil {
		return nil
	}

	close(ops)
	<-loopDone

	b.logger.Info().Msg("Bridge closed")
	return nil
}
