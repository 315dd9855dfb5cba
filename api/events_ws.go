package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MatchesFetchedHandler is called for every MatchesFetched log seen live.
type MatchesFetchedHandler func(event MatchesFetchedEvent)

// EventWatcher follows MatchesFetched logs over an eth_subscribe websocket,
// falling back to the backup endpoint and reconnecting on read errors.
type EventWatcher struct {
	urls     []string
	contract common.Address
	onEvent  MatchesFetchedHandler
	log      *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	subID  string

	stateMu  sync.Mutex
	running  bool
	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	statsMu    sync.RWMutex
	eventsSeen int64
	lastEvent  time.Time
}

// NewEventWatcher creates a watcher for contract. backupURL may be empty.
func NewEventWatcher(primaryURL, backupURL string, contract common.Address, onEvent MatchesFetchedHandler, log *zap.Logger) *EventWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	urls := []string{primaryURL}
	if backupURL != "" {
		urls = append(urls, backupURL)
	}
	return &EventWatcher{
		urls:     urls,
		contract: contract,
		onEvent:  onEvent,
		log:      log.Named("events_ws"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start connects, subscribes and launches the read loop.
func (w *EventWatcher) Start(ctx context.Context) error {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.running {
		return fmt.Errorf("event watcher already running")
	}
	if w.stopped {
		return fmt.Errorf("event watcher stopped")
	}
	if err := w.connect(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	if err := w.subscribe(); err != nil {
		w.conn.Close()
		return fmt.Errorf("subscription failed: %w", err)
	}

	w.running = true
	go w.readLoop(ctx)

	w.log.Info("watching MatchesFetched", zap.String("contract", w.contract.Hex()))
	return nil
}

// Stop unsubscribes and waits for the read loop to exit. It is safe to call
// more than once and from several goroutines; a stopped watcher cannot restart.
func (w *EventWatcher) Stop() {
	w.stateMu.Lock()
	wasRunning := w.running
	w.running = false
	w.stopped = true
	w.stateMu.Unlock()

	w.stopOnce.Do(func() { close(w.stopCh) })
	if !wasRunning {
		return
	}

	w.connMu.Lock()
	if w.conn != nil {
		if w.subID != "" {
			_ = w.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: 2, Method: "eth_unsubscribe", Params: []interface{}{w.subID}})
		}
		w.conn.Close()
	}
	w.connMu.Unlock()

	select {
	case <-w.doneCh:
	case <-time.After(5 * time.Second):
		w.log.Warn("shutdown timeout")
	}
	w.log.Info("stopped")
}

// Stats returns how many events were seen and when the last arrived.
func (w *EventWatcher) Stats() (int64, time.Time) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.eventsSeen, w.lastEvent
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type logFilter struct {
	Address common.Address  `json:"address"`
	Topics  [][]common.Hash `json:"topics"`
}

// rpcLog is the subset of an eth log notification the watcher needs.
type rpcLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	Removed     bool           `json:"removed"`
}

func (w *EventWatcher) connect() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	var lastErr error
	for i, url := range w.urls {
		conn, _, err := dialer.Dial(url, nil)
		if err != nil {
			lastErr = err
			if i+1 < len(w.urls) {
				w.log.Warn("endpoint failed, trying backup", zap.String("url", url), zap.Error(err))
			}
			continue
		}
		w.conn = conn
		w.log.Info("connected", zap.String("url", url))
		return nil
	}
	return fmt.Errorf("all endpoints failed: %w", lastErr)
}

func (w *EventWatcher) subscribe() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		return ErrNotConnected
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params: []interface{}{"logs", logFilter{
			Address: w.contract,
			Topics:  [][]common.Hash{{MatchesFetchedTopic()}},
		}},
	}
	if err := w.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe write failed: %w", err)
	}

	w.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("subscribe read failed: %w", err)
	}
	w.conn.SetReadDeadline(time.Time{})

	subID, err := parseSubscribeResponse(msg)
	if err != nil {
		return err
	}
	w.subID = subID
	w.log.Info("subscribed", zap.String("sub_id", subID))
	return nil
}

func parseSubscribeResponse(msg []byte) (string, error) {
	var resp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &resp); err != nil {
		return "", fmt.Errorf("subscribe parse failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("subscribe error: %s", resp.Error.Message)
	}
	if resp.Result == "" {
		return "", errors.New("subscribe returned no id")
	}
	return resp.Result, nil
}

func (w *EventWatcher) readLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()

		if conn == nil {
			w.reconnect(ctx)
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.log.Warn("read error, reconnecting", zap.Error(err))
			w.connMu.Lock()
			w.conn = nil
			w.connMu.Unlock()
			w.reconnect(ctx)
			continue
		}

		w.handleMessage(msg)
	}
}

func (w *EventWatcher) reconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-w.stopCh:
		return
	case <-time.After(2 * time.Second):
	}

	if err := w.connect(); err != nil {
		w.log.Warn("reconnection failed", zap.Error(err))
		return
	}
	if err := w.subscribe(); err != nil {
		w.log.Warn("resubscription failed", zap.Error(err))
	}
}

func (w *EventWatcher) handleMessage(data []byte) {
	var notif struct {
		Method string `json:"method"`
		Params struct {
			Subscription string `json:"subscription"`
			Result       rpcLog `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notif); err != nil {
		return
	}
	if notif.Method != "eth_subscription" || notif.Params.Subscription != w.subID {
		return
	}

	l := notif.Params.Result
	if l.Removed || l.Address != w.contract || len(l.Topics) == 0 || l.Topics[0] != MatchesFetchedTopic() {
		return
	}

	ids, err := DecodeMatchesFetched(l.Data)
	if err != nil {
		w.log.Warn("undecodable MatchesFetched", zap.String("tx", l.TxHash.Hex()), zap.Error(err))
		return
	}

	w.statsMu.Lock()
	w.eventsSeen++
	w.lastEvent = time.Now()
	w.statsMu.Unlock()

	event := MatchesFetchedEvent{BlockNumber: uint64(l.BlockNumber), TxHash: l.TxHash, MatchIDs: ids}
	w.log.Info("MatchesFetched", zap.Uint64("block", event.BlockNumber), zap.Int("matches", len(ids)))
	if w.onEvent != nil {
		w.onEvent(event)
	}
}
