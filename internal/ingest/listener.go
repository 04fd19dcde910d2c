// Package ingest handles the chain event subscription and trade
// normalization.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/insiderwatch/engine/internal/store"
)

// Reconnection constants
const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 60 * time.Second
	BackoffFactor  = 2.0
	JitterPercent  = 0.2

	// Heartbeat constants
	HeartbeatTimeout = 60 * time.Second
	PongTimeout      = 10 * time.Second

	// Write timeout
	WriteTimeout = 10 * time.Second
)

// BlockSource supplies the resume block for reconnects.
type BlockSource func() uint64

// Listener manages the WebSocket subscription to the chain event
// source. Events are delivered to eventChan with blocking backpressure:
// when the pipeline queue is full the listener pauses reading instead
// of dropping events.
type Listener struct {
	url        string
	contracts  map[string]bool
	eventChan  chan<- store.ChainEvent
	resumeFrom BlockSource

	conn      *websocket.Conn
	connMu    sync.Mutex
	backoff   time.Duration
	lastMsg   time.Time
	lastMsgMu sync.RWMutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	connected   bool
	connectedMu sync.RWMutex
	reconnects  int64

	onStateChange func(connected bool)
}

// NewListener creates a chain event listener watching the given
// contract addresses.
func NewListener(url string, contracts []string, eventChan chan<- store.ChainEvent, resumeFrom BlockSource) *Listener {
	set := make(map[string]bool, len(contracts))
	for _, c := range contracts {
		set[strings.ToLower(c)] = true
	}
	return &Listener{
		url:        url,
		contracts:  set,
		eventChan:  eventChan,
		resumeFrom: resumeFrom,
		backoff:    InitialBackoff,
		stopChan:   make(chan struct{}),
	}
}

// OnStateChange registers a callback invoked when the connection state
// flips. Must be called before Start.
func (l *Listener) OnStateChange(fn func(connected bool)) {
	l.onStateChange = fn
}

// Connected reports whether the listener currently holds a live
// subscription.
func (l *Listener) Connected() bool {
	l.connectedMu.RLock()
	defer l.connectedMu.RUnlock()
	return l.connected
}

// Start begins the listener with automatic reconnection.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.runLoop(ctx)

	l.wg.Add(1)
	go l.heartbeatMonitor(ctx)
}

// Stop gracefully shuts down the listener.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.closeConnection()
	l.wg.Wait()
}

// runLoop handles connection, reading, and reconnection.
func (l *Listener) runLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Info("ws_loop_stopping", "reason", "context cancelled")
			return
		case <-l.stopChan:
			slog.Info("ws_loop_stopping", "reason", "stop signal")
			return
		default:
		}

		if err := l.connect(ctx); err != nil {
			slog.Error("ws_connect_failed", "error", err, "backoff", l.backoff)
			l.waitBackoff(ctx)
			continue
		}

		if err := l.readLoop(ctx); err != nil {
			slog.Warn("ws_read_error", "error", err)
		}

		l.closeConnection()

		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		default:
			l.waitBackoff(ctx)
		}
	}
}

// connect establishes the WebSocket connection and subscribes to logs
// on the watched contracts, resuming from the last durable block.
func (l *Listener) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	// Reset backoff on successful connection
	l.backoff = InitialBackoff

	if err := l.subscribe(); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	l.setConnected(true)
	l.updateLastMsg()

	slog.Info("ws_connected", "endpoint", l.url, "resume_block", l.resumeBlock())
	return nil
}

func (l *Listener) resumeBlock() uint64 {
	if l.resumeFrom == nil {
		return 0
	}
	return l.resumeFrom()
}

// subscribe sends the log subscription request. The filter resumes
// from the checkpoint block so trades in flight during a disconnect
// are redelivered.
func (l *Listener) subscribe() error {
	addresses := make([]string, 0, len(l.contracts))
	for c := range l.contracts {
		addresses = append(addresses, c)
	}

	filter := map[string]interface{}{
		"address": addresses,
	}
	if block := l.resumeBlock(); block > 0 {
		filter["fromBlock"] = "0x" + strconv.FormatUint(block, 16)
	}

	msg := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []interface{}{"logs", filter},
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	l.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := l.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}

	slog.Info("ws_subscribed", "channel", "logs", "contract_count", len(addresses))
	return nil
}

// readLoop reads messages from the WebSocket until error or stop.
func (l *Listener) readLoop(ctx context.Context) error {
	defer l.setConnected(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopChan:
			return nil
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			return fmt.Errorf("connection is nil")
		}

		conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout + PongTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		l.updateLastMsg()

		if err := l.handleMessage(ctx, message); err != nil {
			return err
		}
	}
}

// subscriptionMessage is the JSON-RPC envelope for log notifications.
type subscriptionMessage struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// logEntry is one confirmed contract log.
type logEntry struct {
	Address         string   `json:"address"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"` // hex
	TransactionHash string   `json:"transactionHash"`
	Topics          []string `json:"topics"`
	Removed         bool     `json:"removed"`
}

// handleMessage parses a message and dispatches chain events. The send
// to eventChan blocks when the queue is full: backpressure, not loss.
func (l *Listener) handleMessage(ctx context.Context, data []byte) error {
	var msg subscriptionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("ws_parse_error", "error", err)
		return nil
	}
	if msg.Method != "eth_subscription" || len(msg.Params.Result) == 0 {
		return nil
	}

	var entry logEntry
	if err := json.Unmarshal(msg.Params.Result, &entry); err != nil {
		slog.Debug("ws_log_parse_error", "error", err)
		return nil
	}

	// Reorged logs are retracted upstream; skip them.
	if entry.Removed {
		return nil
	}

	event := store.ChainEvent{
		Contract:    strings.ToLower(entry.Address),
		FromAddress: fromTopic(entry.Topics),
		Data:        entry.Data,
		BlockNumber: parseHexUint(entry.BlockNumber),
		TxHash:      entry.TransactionHash,
		Timestamp:   time.Now().UTC(),
	}

	select {
	case l.eventChan <- event:
		slog.Debug("event_received",
			"contract", truncate(event.Contract, 12),
			"from", truncate(event.FromAddress, 10),
			"block", event.BlockNumber,
			"tx", truncate(event.TxHash, 12),
		)
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopChan:
		return nil
	}
	return nil
}

// fromTopic extracts the indexed from-address from the log topics.
func fromTopic(topics []string) string {
	if len(topics) < 2 {
		return ""
	}
	// Indexed addresses are left-padded to 32 bytes.
	t := strings.TrimPrefix(topics[1], "0x")
	if len(t) < 40 {
		return ""
	}
	return "0x" + strings.ToLower(t[len(t)-40:])
}

// parseHexUint parses a 0x-prefixed hex quantity, 0 on failure.
func parseHexUint(s string) uint64 {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0
	}
	return v
}

// heartbeatMonitor checks for connection health.
func (l *Listener) heartbeatMonitor(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.checkHeartbeat()
		}
	}
}

// checkHeartbeat verifies we've received messages recently.
func (l *Listener) checkHeartbeat() {
	l.lastMsgMu.RLock()
	lastMsg := l.lastMsg
	l.lastMsgMu.RUnlock()

	if lastMsg.IsZero() {
		return
	}

	elapsed := time.Since(lastMsg)
	if elapsed > HeartbeatTimeout {
		slog.Warn("ws_heartbeat_timeout", "elapsed", elapsed)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn != nil {
			conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("ws_ping_failed", "error", err)
				l.closeConnection()
			}
		}
	}
}

// updateLastMsg updates the last message timestamp.
func (l *Listener) updateLastMsg() {
	l.lastMsgMu.Lock()
	l.lastMsg = time.Now()
	l.lastMsgMu.Unlock()
}

func (l *Listener) setConnected(connected bool) {
	l.connectedMu.Lock()
	changed := l.connected != connected
	l.connected = connected
	if connected {
		l.reconnects++
	}
	l.connectedMu.Unlock()

	if changed && l.onStateChange != nil {
		l.onStateChange(connected)
	}
}

// closeConnection safely closes the WebSocket connection.
func (l *Listener) closeConnection() {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
		slog.Info("ws_disconnected")
	}
}

// waitBackoff waits for the backoff duration with jitter.
func (l *Listener) waitBackoff(ctx context.Context) {
	jitter := time.Duration(float64(l.backoff) * JitterPercent * (rand.Float64()*2 - 1))
	wait := l.backoff + jitter

	slog.Debug("ws_waiting_backoff", "duration", wait)

	select {
	case <-ctx.Done():
	case <-l.stopChan:
	case <-time.After(wait):
	}

	// Increase backoff for next attempt
	l.backoff = time.Duration(float64(l.backoff) * BackoffFactor)
	if l.backoff > MaxBackoff {
		l.backoff = MaxBackoff
	}
}

// truncate shortens a string for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
