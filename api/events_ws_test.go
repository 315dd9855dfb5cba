package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testContract = common.HexToAddress("0xeCC7EFdaD35b246fF40d55FA68e68e829bE194Ac")

func matchesFetchedNotification(t *testing.T, subID string, contract common.Address, ids ...int64) []byte {
	t.Helper()
	bigIDs := make([]*big.Int, len(ids))
	for i, id := range ids {
		bigIDs[i] = big.NewInt(id)
	}
	data, err := parsedABI.Events[matchesFetchedEvent].Inputs.Pack(bigIDs)
	require.NoError(t, err)

	msg := fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":%q,"result":{
		"address":%q,"topics":[%q],"data":%q,"blockNumber":"0x10",
		"transactionHash":"0x00000000000000000000000000000000000000000000000000000000000000ab","removed":false}}}`,
		subID, contract.Hex(), MatchesFetchedTopic().Hex(), hexutil.Encode(data))
	return []byte(msg)
}

func TestEventWatcher_HandleMessage(t *testing.T) {
	var got []MatchesFetchedEvent
	w := NewEventWatcher("ws://unused", "", testContract, func(e MatchesFetchedEvent) {
		got = append(got, e)
	}, nil)
	w.subID = "0xsub"

	t.Run("matching notification", func(t *testing.T) {
		w.handleMessage(matchesFetchedNotification(t, "0xsub", testContract, 1, 2, 3))
		require.Len(t, got, 1)
		assert.Equal(t, []int64{1, 2, 3}, got[0].MatchIDs)
		assert.Equal(t, uint64(16), got[0].BlockNumber)
	})

	t.Run("other subscription ignored", func(t *testing.T) {
		w.handleMessage(matchesFetchedNotification(t, "0xother", testContract, 9))
		assert.Len(t, got, 1)
	})

	t.Run("other contract ignored", func(t *testing.T) {
		w.handleMessage(matchesFetchedNotification(t, "0xsub", common.HexToAddress("0x01"), 9))
		assert.Len(t, got, 1)
	})

	t.Run("garbage ignored", func(t *testing.T) {
		w.handleMessage([]byte("not json"))
		assert.Len(t, got, 1)
	})

	seen, last := w.Stats()
	assert.Equal(t, int64(1), seen)
	assert.False(t, last.IsZero())
}

func TestParseSubscribeResponse(t *testing.T) {
	id, err := parseSubscribeResponse([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xabc"}`))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", id)

	_, err = parseSubscribeResponse([]byte(`{"jsonrpc":"2.0","id":1,"error":{"message":"nope"}}`))
	assert.ErrorContains(t, err, "nope")

	_, err = parseSubscribeResponse([]byte(`{"jsonrpc":"2.0","id":1}`))
	assert.Error(t, err)
}

func TestEventWatcher_StartReceivesEvents(t *testing.T) {
	note := matchesFetchedNotification(t, "0xsub", testContract, 537898)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil || req.Method != "eth_subscribe" {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub"}`))
		_ = conn.WriteMessage(websocket.TextMessage, note)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	events := make(chan MatchesFetchedEvent, 1)
	w := NewEventWatcher("ws"+strings.TrimPrefix(srv.URL, "http"), "", testContract, func(e MatchesFetchedEvent) {
		events <- e
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	select {
	case e := <-events:
		assert.Equal(t, []int64{537898}, e.MatchIDs)
	case <-time.After(5 * time.Second):
		t.Fatal("no MatchesFetched event delivered")
	}
}

func TestEventWatcher_SubscribeRequestShape(t *testing.T) {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []interface{}{"logs", logFilter{
		Address: testContract,
		Topics:  [][]common.Hash{{MatchesFetchedTopic()}},
	}}}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, `"logs"`)
	assert.Contains(t, s, strings.ToLower(testContract.Hex()[2:]))
	assert.Contains(t, s, MatchesFetchedTopic().Hex())
}

func TestEventWatcher_ConcurrentStop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	w := NewEventWatcher("ws"+strings.TrimPrefix(srv.URL, "http"), "", testContract, func(MatchesFetchedEvent) {}, nil)
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()), "already running")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotPanics(t, w.Stop)
		}()
	}
	wg.Wait()

	assert.Error(t, w.Start(context.Background()), "stopped watchers stay stopped")
}

func TestEventWatcher_StopBeforeStart(t *testing.T) {
	w := NewEventWatcher("ws://127.0.0.1:1", "", testContract, func(MatchesFetchedEvent) {}, nil)
	assert.NotPanics(t, w.Stop)
	assert.NotPanics(t, w.Stop)
}
