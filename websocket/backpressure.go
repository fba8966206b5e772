package websocket

import (
	"container/list"
	"sync"
	"time"
)

// Priority orders queued outbound messages. Lower numeric value is
// delivered first; PriorityControl is reserved for frames the connection
// state machine itself emits (Pong replies, Close) and is never assigned
// by application code that goes through Enqueue.
type Priority int

const (
	// PriorityControl is for Pong/Close traffic the connection machinery
	// emits on the caller's behalf; it always jumps the queue.
	PriorityControl Priority = iota
	// PriorityHigh is for latency-sensitive application messages.
	PriorityHigh
	// PriorityNormal is the default priority for application messages.
	PriorityNormal
	// PriorityLow is for messages the admission policy may drop first
	// under backpressure (e.g. telemetry, presence updates).
	PriorityLow
)

// BackpressureState reports how a SendBuffer is coping with its queue
// depth, using a hysteresis band between a high and low water mark so a
// connection hovering near the threshold does not flap between states on
// every enqueue/drain.
type BackpressureState int

const (
	// StateFlowing means the buffer is below its low water mark (or has
	// never crossed the high one): sends are accepted normally.
	StateFlowing BackpressureState = iota
	// StatePaused means the buffer is between its low and high water
	// marks, having crossed the high mark at least once since it last
	// drained below the low mark. Admission is unchanged: Enqueue rejects
	// by the MaxBufferedAmount/MaxMessages caps alone, whatever the state.
	StatePaused
	// StateCritical means the buffer is at or above MaxBufferedAmount or
	// MaxMessages: any non-PriorityControl send that would exceed a cap is
	// rejected by Enqueue, and once the state has lasted
	// SlowClientGracePeriod the slow-client policy is consulted.
	StateCritical
)

// String returns the textual name of the state.
func (s BackpressureState) String() string {
	switch s {
	case StateFlowing:
		return "Flowing"
	case StatePaused:
		return "Paused"
	case StateCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// DequeueMode selects how SendBuffer.Dequeue orders queued messages.
type DequeueMode int

const (
	// DequeuePriority orders strictly by (priority asc, enqueuedAt asc):
	// Control before High before Normal before Low, FIFO within a
	// priority. This is the default.
	DequeuePriority DequeueMode = iota
	// DequeueFIFO ignores priority entirely and serves messages in pure
	// insertion order across all priorities.
	DequeueFIFO
)

// SlowClientPolicy decides what happens to a connection that stays in
// StateCritical, i.e. whose consumer cannot keep up with production.
type SlowClientPolicy int

const (
	// SlowClientDisconnect closes the connection outright.
	SlowClientDisconnect SlowClientPolicy = iota
	// SlowClientDropMessages keeps the connection open and discards every
	// queued message, counting each in MessagesDropped/BytesDropped.
	SlowClientDropMessages
	// SlowClientLogOnly takes no corrective action beyond logging via
	// ConnectionConfig.Logger.
	SlowClientLogOnly
	// SlowClientCustom defers the decision entirely to OnSlowClient.
	SlowClientCustom
)

// BackpressureConfig tunes one SendBuffer.
type BackpressureConfig struct {
	// HighWaterMark is the buffered-byte threshold that moves the buffer
	// from Flowing toward Paused/Critical.
	HighWaterMark int
	// LowWaterMark is the buffered-byte threshold the buffer must drain
	// back under before StatePaused returns to StateFlowing. Must be <=
	// HighWaterMark; a Paused buffer at exactly HighWaterMark-1 byte
	// still counts as Paused until it reaches LowWaterMark.
	LowWaterMark int
	// MaxBufferedAmount is the hard cap in bytes; Enqueue of anything
	// below PriorityControl fails once it would be exceeded.
	MaxBufferedAmount int
	// MaxMessages is the hard cap on the number of queued-but-not-yet-sent
	// messages, enforced independently of MaxBufferedAmount: a stream of
	// many small or zero-byte messages is capped by count even when it
	// would never trip the byte-size limit.
	MaxMessages int
	// DequeueMode selects priority ordering (the default) or pure FIFO
	// insertion order across all priorities.
	DequeueMode DequeueMode
	// SlowClientPolicy governs what happens once the buffer has spent
	// SlowClientGracePeriod continuously in StateCritical.
	SlowClientPolicy SlowClientPolicy
	// SlowClientGracePeriod is how long StateCritical must persist,
	// uninterrupted, before the slow-client policy activates.
	SlowClientGracePeriod time.Duration
	// OnStateChange, if set, is called (outside the buffer's lock)
	// whenever BackpressureState transitions.
	OnStateChange func(from, to BackpressureState)
	// OnDrain, if set, is called (outside the buffer's lock) whenever the
	// buffer returns to StateFlowing from StatePaused or StateCritical.
	OnDrain func()
	// OnSlowClient, if set, is called in place of the built-in
	// disconnect/drop/log behaviors when SlowClientPolicy is
	// SlowClientCustom.
	OnSlowClient func(sb *SendBuffer)
}

// DefaultBackpressureConfig returns reasonable water marks for a
// connection sending moderate-sized JSON or binary messages.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		HighWaterMark:         1 << 20,  // 1 MiB
		LowWaterMark:          256 << 10, // 256 KiB
		MaxBufferedAmount:     8 << 20,  // 8 MiB
		MaxMessages:           10000,
		SlowClientPolicy:      SlowClientDisconnect,
		SlowClientGracePeriod: 5 * time.Second,
	}
}

// queuedMessage is one admitted, not-yet-sent outbound message. seq is
// its global insertion order, used by DequeueFIFO to find the oldest
// message across all priority queues without a single shared list.
type queuedMessage struct {
	priority Priority
	opcode   Opcode
	payload  []byte
	seq      uint64
}

// BackpressureStats is a point-in-time snapshot of a SendBuffer's
// counters, safe to read without holding the buffer's lock (Stats takes
// a copy under lock before returning).
type BackpressureStats struct {
	BufferedAmount        int
	PendingMessages        int
	State                  BackpressureState
	MessagesSent           uint64
	MessagesDropped        uint64
	BytesSent              uint64
	BytesDropped           uint64
	TimesPaused            uint64
	DrainEvents            uint64
	SlowClientDetections   uint64
	TotalPausedDuration    time.Duration
	PeakBufferedAmount     int
}

// SendBuffer is a priority-ordered, bounded outbound queue sitting in
// front of a Conn's writes. Enqueue never blocks: it applies an admission
// policy (reject, or for PriorityLow evict the oldest queued
// low-priority message to make room) and returns immediately, while a
// drain goroutine started by the owner (see BackpressureConn) performs
// the actual blocking Conn.Write calls. This mirrors the "enqueue under a
// lock, flush separately" shape a production message server uses to keep
// its accept/broadcast path from ever blocking on one slow socket.
type SendBuffer struct {
	mu  sync.Mutex
	cfg BackpressureConfig

	queues       [PriorityLow + 1]*list.List
	bufferedAmt  int
	nextSeq      uint64
	state        BackpressureState
	criticalSince time.Time
	pausedSince   time.Time

	stats BackpressureStats
}

// NewSendBuffer constructs a SendBuffer with the given configuration,
// filling in zero-valued water marks from DefaultBackpressureConfig.
func NewSendBuffer(cfg BackpressureConfig) *SendBuffer {
	def := DefaultBackpressureConfig()
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = def.HighWaterMark
	}
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = def.LowWaterMark
	}
	if cfg.MaxBufferedAmount <= 0 {
		cfg.MaxBufferedAmount = def.MaxBufferedAmount
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.SlowClientGracePeriod <= 0 {
		cfg.SlowClientGracePeriod = def.SlowClientGracePeriod
	}

	sb := &SendBuffer{cfg: cfg}
	for i := range sb.queues {
		sb.queues[i] = list.New()
	}
	return sb
}

// ErrBackpressureRejected is returned by Enqueue when the admission
// policy refuses a message: priority is not PriorityControl and admitting
// it would exceed BackpressureConfig.MaxBufferedAmount or MaxMessages,
// even after the PriorityLow eviction attempt.
var ErrBackpressureRejected = newBackpressureError("buffer full, message rejected")

type backpressureError struct{ msg string }

func newBackpressureError(msg string) error { return &backpressureError{msg} }
func (e *backpressureError) Error() string  { return "websocket: " + e.msg }

// Enqueue admits one message into the buffer at the given priority.
// PriorityControl is always admitted regardless of the configured
// limits, matching the RFC 6455 requirement that Pong/Close replies not
// be starved by application backpressure. Any other priority is rejected
// once admitting it would exceed MaxBufferedAmount or MaxMessages —
// independent caps, since a stream of many small or zero-byte messages
// can exhaust the count limit without ever tripping the byte limit —
// unless it is PriorityLow and evicting the single oldest queued
// PriorityLow message makes enough room under both caps: a best-effort
// tail-eviction rather than a guarantee, per this package's explicit
// Open Question resolution that low-priority eviction needs no fairness
// guarantee.
func (sb *SendBuffer) Enqueue(priority Priority, opcode Opcode, payload []byte) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	size := len(payload)
	exceedsCaps := func() bool {
		return sb.bufferedAmt+size > sb.cfg.MaxBufferedAmount ||
			sb.stats.PendingMessages+1 > sb.cfg.MaxMessages
	}

	if priority != PriorityControl && exceedsCaps() {
		if priority == PriorityLow {
			sb.evictOldestLocked(PriorityLow)
		}
		if exceedsCaps() {
			sb.stats.MessagesDropped++
			sb.stats.BytesDropped += uint64(size)
			return ErrBackpressureRejected
		}
	}

	sb.queues[priority].PushBack(&queuedMessage{priority: priority, opcode: opcode, payload: payload, seq: sb.nextSeq})
	sb.nextSeq++
	sb.bufferedAmt += size
	if sb.bufferedAmt > sb.stats.PeakBufferedAmount {
		sb.stats.PeakBufferedAmount = sb.bufferedAmt
	}
	sb.stats.PendingMessages++

	sb.recomputeStateLocked()
	return nil
}

// evictOldestLocked drops the single oldest message at priority p, if
// any, to make room for an incoming admission. Caller holds sb.mu.
func (sb *SendBuffer) evictOldestLocked(p Priority) {
	front := sb.queues[p].Front()
	if front == nil {
		return
	}
	msg := sb.queues[p].Remove(front).(*queuedMessage) //nolint:forcetypeassert // only queuedMessage is ever stored
	sb.bufferedAmt -= len(msg.payload)
	sb.stats.PendingMessages--
	sb.stats.MessagesDropped++
	sb.stats.BytesDropped += uint64(len(msg.payload))
}

// Dequeue removes and returns the next message. In the default
// DequeuePriority mode that means priority order (PriorityControl first,
// PriorityLow last; FIFO within a priority); in DequeueFIFO mode it means
// pure insertion order across all priorities. ok is false if the buffer
// is empty.
func (sb *SendBuffer) Dequeue() (opcode Opcode, payload []byte, ok bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	var elem *list.Element
	var queue Priority
	if sb.cfg.DequeueMode == DequeueFIFO {
		elem, queue = sb.oldestAcrossPrioritiesLocked()
	} else {
		for p := PriorityControl; p <= PriorityLow; p++ {
			if front := sb.queues[p].Front(); front != nil {
				elem, queue = front, p
				break
			}
		}
	}
	if elem == nil {
		return 0, nil, false
	}

	msg := sb.queues[queue].Remove(elem).(*queuedMessage) //nolint:forcetypeassert // only queuedMessage is ever stored
	sb.bufferedAmt -= len(msg.payload)
	sb.stats.PendingMessages--
	sb.stats.MessagesSent++
	sb.stats.BytesSent += uint64(len(msg.payload))

	sb.recomputeStateLocked()
	return msg.opcode, msg.payload, true
}

// oldestAcrossPrioritiesLocked finds the message with the lowest seq
// across every priority queue's front element — each per-priority queue
// is itself FIFO, so the global minimum is always at one of the fronts.
// Caller holds sb.mu.
func (sb *SendBuffer) oldestAcrossPrioritiesLocked() (*list.Element, Priority) {
	var best *list.Element
	var bestPriority Priority
	for p := PriorityControl; p <= PriorityLow; p++ {
		front := sb.queues[p].Front()
		if front == nil {
			continue
		}
		if best == nil || front.Value.(*queuedMessage).seq < best.Value.(*queuedMessage).seq { //nolint:forcetypeassert // only queuedMessage is ever stored
			best = front
			bestPriority = p
		}
	}
	return best, bestPriority
}

// recomputeStateLocked applies the hysteresis rule: Flowing moves to
// Paused at HighWaterMark, Paused only returns to Flowing at
// LowWaterMark (never directly at HighWaterMark), and either state moves
// to Critical at MaxBufferedAmount. Caller holds sb.mu.
func (sb *SendBuffer) recomputeStateLocked() {
	old := sb.state
	switch {
	case sb.bufferedAmt >= sb.cfg.MaxBufferedAmount || sb.stats.PendingMessages >= sb.cfg.MaxMessages:
		sb.state = StateCritical
	case sb.bufferedAmt >= sb.cfg.HighWaterMark:
		sb.state = StatePaused
	case sb.bufferedAmt <= sb.cfg.LowWaterMark:
		sb.state = StateFlowing
	// else: strictly between LowWaterMark and HighWaterMark — hold the
	// previous state, which is the hysteresis band itself.
	default:
	}

	if sb.state == StateCritical && old != StateCritical {
		sb.criticalSince = time.Now()
	}
	if old != StatePaused && sb.state == StatePaused {
		sb.stats.TimesPaused++
	}
	if old == StateFlowing && sb.state != StateFlowing {
		sb.pausedSince = time.Now()
	}
	if old != StateFlowing && sb.state == StateFlowing {
		sb.stats.TotalPausedDuration += time.Since(sb.pausedSince)
		sb.stats.DrainEvents++
		if sb.cfg.OnDrain != nil {
			go sb.cfg.OnDrain()
		}
	}
	if old != sb.state {
		if sb.cfg.OnStateChange != nil {
			from, to := old, sb.state
			go sb.cfg.OnStateChange(from, to)
		}
	}
}

// SlowClientTriggered reports whether the buffer has been continuously
// in StateCritical for at least SlowClientGracePeriod, meaning the owning
// BackpressureConn should act on cfg.SlowClientPolicy.
func (sb *SendBuffer) SlowClientTriggered() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.state != StateCritical {
		return false
	}
	if time.Since(sb.criticalSince) < sb.cfg.SlowClientGracePeriod {
		return false
	}
	sb.stats.SlowClientDetections++
	return true
}

// Stats returns a snapshot of the buffer's counters.
func (sb *SendBuffer) Stats() BackpressureStats {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	stats := sb.stats
	stats.BufferedAmount = sb.bufferedAmt
	stats.State = sb.state
	return stats
}

// State returns the buffer's current BackpressureState.
func (sb *SendBuffer) State() BackpressureState {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.state
}

// BufferedAmount returns the total bytes currently queued.
func (sb *SendBuffer) BufferedAmount() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.bufferedAmt
}

// FlushHighPriority drains and sends (via send) every PriorityControl and
// PriorityHigh message ahead of normal traffic, for callers that want to
// guarantee control-frame latency independent of the normal drain loop.
func (sb *SendBuffer) FlushHighPriority(send func(opcode Opcode, payload []byte) error) error {
	for {
		sb.mu.Lock()
		var msg *queuedMessage
		for p := PriorityControl; p <= PriorityHigh; p++ {
			if front := sb.queues[p].Front(); front != nil {
				msg = sb.queues[p].Remove(front).(*queuedMessage) //nolint:forcetypeassert // only queuedMessage is ever stored
				break
			}
		}
		if msg == nil {
			sb.mu.Unlock()
			return nil
		}
		sb.bufferedAmt -= len(msg.payload)
		sb.stats.PendingMessages--
		sb.recomputeStateLocked()
		sb.mu.Unlock()

		if err := send(msg.opcode, msg.payload); err != nil {
			return err
		}
	}
}

// BackpressureConn pairs a Conn with a SendBuffer and a drain goroutine,
// giving the application a non-blocking Send that never stalls the
// caller on one slow reader, in place of calling Conn.WriteText/WriteBinary
// directly.
type BackpressureConn struct {
	conn *Conn
	buf  *SendBuffer

	wakeMu sync.Mutex
	wakeCh chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewBackpressureConn wraps conn with a SendBuffer governed by cfg and
// starts its drain goroutine. Call Close to stop the goroutine and close
// the underlying connection.
func NewBackpressureConn(conn *Conn, cfg BackpressureConfig) *BackpressureConn {
	bc := &BackpressureConn{
		conn:   conn,
		buf:    NewSendBuffer(cfg),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go bc.drainLoop()
	return bc
}

// Send enqueues payload at the given priority for asynchronous delivery.
// It never blocks on the network; it can fail only if the admission
// policy rejects the message (see SendBuffer.Enqueue) or the connection
// is already closed.
func (bc *BackpressureConn) Send(priority Priority, opcode Opcode, payload []byte) error {
	if !bc.conn.Connected() {
		return ErrClosed
	}
	if err := bc.buf.Enqueue(priority, opcode, payload); err != nil {
		return err
	}
	bc.wake()
	return nil
}

func (bc *BackpressureConn) wake() {
	select {
	case bc.wakeCh <- struct{}{}:
	default:
	}
}

// drainLoop is the single goroutine permitted to call Conn.Write*; it
// blocks on wakeCh between drains so an idle connection costs nothing.
func (bc *BackpressureConn) drainLoop() {
	defer close(bc.doneCh)
	for {
		for {
			opcode, payload, ok := bc.buf.Dequeue()
			if !ok {
				break
			}
			if err := bc.send(opcode, payload); err != nil {
				return
			}
			if bc.buf.SlowClientTriggered() {
				bc.handleSlowClient()
			}
		}

		select {
		case <-bc.wakeCh:
		case <-bc.stopCh:
			return
		}
	}
}

func (bc *BackpressureConn) send(opcode Opcode, payload []byte) error {
	switch opcode {
	case OpText:
		return bc.conn.WriteText(string(payload))
	case OpBinary:
		return bc.conn.WriteBinary(payload)
	case OpPing:
		return bc.conn.Ping(payload)
	case OpPong:
		return bc.conn.Pong(payload)
	case OpClose:
		return bc.conn.Close(CloseGoingAway, "")
	default:
		return bc.conn.WriteBinary(payload)
	}
}

func (bc *BackpressureConn) handleSlowClient() {
	cfg := bc.buf.cfg
	switch cfg.SlowClientPolicy {
	case SlowClientDisconnect:
		_ = bc.conn.Close(ClosePolicyViolation, "slow consumer")
	case SlowClientDropMessages:
		sb := bc.buf
		sb.mu.Lock()
		for _, q := range sb.queues {
			for e := q.Front(); e != nil; e = q.Front() {
				msg := q.Remove(e).(*queuedMessage) //nolint:forcetypeassert // only queuedMessage is ever stored
				sb.stats.MessagesDropped++
				sb.stats.BytesDropped += uint64(len(msg.payload))
			}
		}
		sb.bufferedAmt = 0
		sb.stats.PendingMessages = 0
		sb.recomputeStateLocked()
		sb.mu.Unlock()
	case SlowClientLogOnly:
		bc.conn.cfg.logEvent("slow_client", map[string]any{"buffered": bc.buf.BufferedAmount()})
	case SlowClientCustom:
		if cfg.OnSlowClient != nil {
			cfg.OnSlowClient(bc.buf)
		}
	}
}

// Conn returns the wrapped connection, for Read and introspection.
func (bc *BackpressureConn) Conn() *Conn { return bc.conn }

// Stats returns the underlying SendBuffer's statistics snapshot.
func (bc *BackpressureConn) Stats() BackpressureStats { return bc.buf.Stats() }

// Close stops the drain goroutine and closes the underlying connection.
// Safe to call more than once.
func (bc *BackpressureConn) Close() error {
	bc.stopOnce.Do(func() {
		close(bc.stopCh)
		<-bc.doneCh
	})
	return bc.conn.Close(CloseNormalClosure, "")
}
