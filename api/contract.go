// Package api talks to the BettingContract on Polygon: oracle requests,
// match store writes, match reads and the MatchesFetched event feed.
package api

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oseitutunelson/samantha/models"
)

// Subset of the BettingContract ABI used by the ingestion pipeline.
const bettingContractABI = `[
  {"type":"function","name":"requestMatches","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"lastChainlinkResponse","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"getMatchIdsLength","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"matchIds","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"matches","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
    {"name":"id","type":"uint256"},
    {"name":"homeTeam","type":"string"},
    {"name":"awayTeam","type":"string"},
    {"name":"matchDate","type":"uint256"},
    {"name":"result","type":"uint8"},
    {"name":"homeOdds","type":"uint256"},
    {"name":"drawOdds","type":"uint256"},
    {"name":"awayOdds","type":"uint256"}]},
  {"type":"function","name":"clearMatches","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"addMatch","stateMutability":"nonpayable","inputs":[
    {"name":"_id","type":"uint256"},
    {"name":"_homeTeam","type":"string"},
    {"name":"_awayTeam","type":"string"},
    {"name":"_matchDate","type":"uint256"},
    {"name":"_homeOdds","type":"uint256"},
    {"name":"_drawOdds","type":"uint256"},
    {"name":"_awayOdds","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"finalizeMatches","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"lastMatchRequestTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"MATCH_REQUEST_INTERVAL","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"MatchesFetched","anonymous":false,"inputs":[{"name":"matchIds","type":"uint256[]","indexed":false}]}
]`

const matchesFetchedEvent = "MatchesFetched"

var parsedABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(bettingContractABI))
	if err != nil {
		panic(fmt.Sprintf("api: parse contract abi: %v", err))
	}
	return a
}()

// MatchesFetchedTopic is the log topic of the MatchesFetched event.
func MatchesFetchedTopic() common.Hash {
	return parsedABI.Events[matchesFetchedEvent].ID
}

// ContractConfig configures a ContractClient.
type ContractConfig struct {
	RPCURL            string
	Address           string
	PrivateKey        string // hex without 0x; empty for read-only use
	ChainID           int64  // 0 = use the node's chain id
	TxTimeout         time.Duration
	TxPerSecond       float64
	LogLookbackBlocks uint64
}

// ContractClient is the go-ethereum backed BettingContract binding.
// Transactions are serialized and paced; reads are not.
type ContractClient struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	chainID  *big.Int

	key    *ecdsa.PrivateKey
	signer common.Address

	limiter   *rate.Limiter
	txTimeout time.Duration
	lookback  uint64
	txMu      sync.Mutex

	log *zap.Logger
}

// NewContractClient dials the RPC endpoint and binds the contract.
func NewContractClient(ctx context.Context, cfg ContractConfig, log *zap.Logger) (*ContractClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("api: invalid contract address %q", cfg.Address)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("api: dial %s: %w", cfg.RPCURL, err)
	}

	nodeChainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("api: chain id: %w", err)
	}
	if cfg.ChainID != 0 && nodeChainID.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("api: node is on chain %s, configured %d", nodeChainID, cfg.ChainID)
	}

	address := common.HexToAddress(cfg.Address)
	c := &ContractClient{
		eth:       eth,
		contract:  bind.NewBoundContract(address, parsedABI, eth, eth, eth),
		address:   address,
		chainID:   nodeChainID,
		limiter:   rate.NewLimiter(rate.Limit(cfg.TxPerSecond), 1),
		txTimeout: cfg.TxTimeout,
		lookback:  cfg.LogLookbackBlocks,
		log:       log.Named("contract"),
	}
	if c.txTimeout <= 0 {
		c.txTimeout = 2 * time.Minute
	}
	if cfg.TxPerSecond <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("api: parse private key: %w", err)
		}
		c.key = key
		c.signer = crypto.PubkeyToAddress(key.PublicKey)
	}

	c.log.Info("bound contract",
		zap.String("address", address.Hex()),
		zap.String("chain_id", nodeChainID.String()),
		zap.Bool("read_only", c.key == nil))
	return c, nil
}

// Close releases the RPC connection.
func (c *ContractClient) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

// Address returns the bound contract address.
func (c *ContractClient) Address() common.Address { return c.address }

// RequestNewData sends requestMatches.
func (c *ContractClient) RequestNewData(ctx context.Context) error {
	return c.transact(ctx, "requestMatches")
}

// GetLatestResponse reads lastChainlinkResponse.
func (c *ContractClient) GetLatestResponse(ctx context.Context) (string, error) {
	out, err := c.call(ctx, "lastChainlinkResponse")
	if err != nil {
		return "", err
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("lastChainlinkResponse: unexpected type %T", out[0])
	}
	return s, nil
}

// GetMatchCount reads getMatchIdsLength.
func (c *ContractClient) GetMatchCount(ctx context.Context) (int, error) {
	out, err := c.call(ctx, "getMatchIdsLength")
	if err != nil {
		return 0, err
	}
	n, err := toInt64(out[0])
	if err != nil {
		return 0, fmt.Errorf("getMatchIdsLength: %w", err)
	}
	return int(n), nil
}

// ClearMatches sends clearMatches.
func (c *ContractClient) ClearMatches(ctx context.Context) error {
	return c.transact(ctx, "clearMatches")
}

// AddMatch sends addMatch for one record.
func (c *ContractClient) AddMatch(ctx context.Context, rec models.MatchRecord) error {
	args, err := addMatchArgs(rec)
	if err != nil {
		return err
	}
	return c.transact(ctx, "addMatch", args...)
}

// FinalizeMatches sends finalizeMatches.
func (c *ContractClient) FinalizeMatches(ctx context.Context) error {
	return c.transact(ctx, "finalizeMatches")
}

// NextRequestAllowedAt is lastMatchRequestTime + MATCH_REQUEST_INTERVAL.
func (c *ContractClient) NextRequestAllowedAt(ctx context.Context) (time.Time, error) {
	last, err := c.callInt(ctx, "lastMatchRequestTime")
	if err != nil {
		return time.Time{}, err
	}
	interval, err := c.callInt(ctx, "MATCH_REQUEST_INTERVAL")
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(last+interval, 0).UTC(), nil
}

// ListMatches walks matchIds and reads every match.
func (c *ContractClient) ListMatches(ctx context.Context) ([]models.OnChainMatch, error) {
	count, err := c.GetMatchCount(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]models.OnChainMatch, 0, count)
	for i := 0; i < count; i++ {
		out, err := c.call(ctx, "matchIds", big.NewInt(int64(i)))
		if err != nil {
			return nil, err
		}
		id, ok := out[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("matchIds: unexpected type %T", out[0])
		}
		m, err := c.readMatch(ctx, id)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// GetMatch reads one match by id.
func (c *ContractClient) GetMatch(ctx context.Context, id int64) (*models.OnChainMatch, error) {
	m, err := c.readMatch(ctx, big.NewInt(id))
	if err != nil {
		return nil, err
	}
	// unset mapping entries come back zeroed
	if m.ID == 0 && m.HomeTeam == "" {
		return nil, fmt.Errorf("%w: %d", ErrMatchNotFound, id)
	}
	return &m, nil
}

func (c *ContractClient) readMatch(ctx context.Context, id *big.Int) (models.OnChainMatch, error) {
	out, err := c.call(ctx, "matches", id)
	if err != nil {
		return models.OnChainMatch{}, err
	}
	m, err := decodeMatch(out)
	if err != nil {
		return models.OnChainMatch{}, fmt.Errorf("matches(%s): %w", id, err)
	}
	return m, nil
}

// Diagnostics is the pre-run connection check.
type Diagnostics struct {
	ChainID       string         `json:"chain_id"`
	BlockNumber   uint64         `json:"block_number"`
	Contract      common.Address `json:"contract"`
	Owner         common.Address `json:"owner"`
	Signer        common.Address `json:"signer,omitempty"`
	SignerBalance string         `json:"signer_balance_wei,omitempty"`
	SignerIsOwner bool           `json:"signer_is_owner"`
	MatchCount    int            `json:"match_count"`
	NextRequestAt time.Time      `json:"next_request_at"`
}

// Diagnostics gathers network, wallet and contract state.
func (c *ContractClient) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	d := &Diagnostics{ChainID: c.chainID.String(), Contract: c.address}

	block, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	d.BlockNumber = block

	out, err := c.call(ctx, "owner")
	if err != nil {
		return nil, err
	}
	if owner, ok := out[0].(common.Address); ok {
		d.Owner = owner
	}

	if d.MatchCount, err = c.GetMatchCount(ctx); err != nil {
		return nil, err
	}
	if d.NextRequestAt, err = c.NextRequestAllowedAt(ctx); err != nil {
		return nil, err
	}

	if c.key != nil {
		bal, err := c.eth.BalanceAt(ctx, c.signer, nil)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", c.signer.Hex(), err)
		}
		d.Signer = c.signer
		d.SignerBalance = bal.String()
		d.SignerIsOwner = c.signer == d.Owner
	}
	return d, nil
}

// MatchesFetchedEvent is one decoded MatchesFetched log.
type MatchesFetchedEvent struct {
	BlockNumber uint64      `json:"block_number"`
	TxHash      common.Hash `json:"tx_hash"`
	MatchIDs    []int64     `json:"match_ids"`
}

// RecentMatchesFetched scans the configured number of recent blocks for MatchesFetched.
func (c *ContractClient) RecentMatchesFetched(ctx context.Context) ([]MatchesFetchedEvent, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	from := uint64(0)
	if head > c.lookback {
		from = head - c.lookback
	}

	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{MatchesFetchedTopic()}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}

	events := make([]MatchesFetchedEvent, 0, len(logs))
	for _, l := range logs {
		ids, err := DecodeMatchesFetched(l.Data)
		if err != nil {
			c.log.Warn("undecodable MatchesFetched log", zap.String("tx", l.TxHash.Hex()), zap.Error(err))
			continue
		}
		events = append(events, MatchesFetchedEvent{BlockNumber: l.BlockNumber, TxHash: l.TxHash, MatchIDs: ids})
	}
	return events, nil
}

func (c *ContractClient) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

func (c *ContractClient) callInt(ctx context.Context, method string) (int64, error) {
	out, err := c.call(ctx, method)
	if err != nil {
		return 0, err
	}
	n, err := toInt64(out[0])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	return n, nil
}

// transact sends one transaction and blocks until it is mined.
func (c *ContractClient) transact(ctx context.Context, method string, args ...interface{}) error {
	if c.key == nil {
		return fmt.Errorf("%s: %w", method, ErrReadOnly)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return fmt.Errorf("%s: transactor: %w", method, err)
	}
	opts.Context = ctx

	start := time.Now()
	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		return fmt.Errorf("%s: send: %w", method, err)
	}
	c.log.Debug("transaction sent", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))

	waitCtx, cancel := context.WithTimeout(ctx, c.txTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("%s: wait for %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s: transaction %s reverted", method, tx.Hash().Hex())
	}

	c.log.Info("transaction mined",
		zap.String("method", method),
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.Duration("took", time.Since(start)))
	return nil
}

// addMatchArgs orders a record as addMatch expects it.
func addMatchArgs(rec models.MatchRecord) ([]interface{}, error) {
	if rec.ExternalID < 0 || rec.HomeOdds < 0 || rec.DrawOdds < 0 || rec.AwayOdds < 0 {
		return nil, fmt.Errorf("addMatch: negative field in match %d", rec.ExternalID)
	}
	return []interface{}{
		big.NewInt(rec.ExternalID),
		rec.HomeTeam,
		rec.AwayTeam,
		big.NewInt(rec.KickoffTime.Unix()),
		big.NewInt(rec.HomeOdds),
		big.NewInt(rec.DrawOdds),
		big.NewInt(rec.AwayOdds),
	}, nil
}

// decodeMatch maps the unpacked outputs of matches(uint256).
func decodeMatch(out []interface{}) (models.OnChainMatch, error) {
	var m models.OnChainMatch
	if len(out) != 8 {
		return m, fmt.Errorf("expected 8 outputs, got %d", len(out))
	}

	ints := make([]int64, 0, 5)
	for _, i := range []int{0, 3, 5, 6, 7} {
		n, err := toInt64(out[i])
		if err != nil {
			return m, fmt.Errorf("output %d: %w", i, err)
		}
		ints = append(ints, n)
	}
	home, ok1 := out[1].(string)
	away, ok2 := out[2].(string)
	result, ok3 := out[4].(uint8)
	if !ok1 || !ok2 || !ok3 {
		return m, fmt.Errorf("unexpected output types %T %T %T", out[1], out[2], out[4])
	}

	m = models.OnChainMatch{
		ID:          ints[0],
		HomeTeam:    home,
		AwayTeam:    away,
		KickoffTime: time.Unix(ints[1], 0).UTC(),
		Result:      models.MatchResult(result),
		HomeOdds:    ints[2],
		DrawOdds:    ints[3],
		AwayOdds:    ints[4],
	}
	return m, nil
}

// DecodeMatchesFetched unpacks the data of a MatchesFetched log.
func DecodeMatchesFetched(data []byte) ([]int64, error) {
	out, err := parsedABI.Unpack(matchesFetchedEvent, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", matchesFetchedEvent, err)
	}
	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", matchesFetchedEvent, out[0])
	}
	ids := make([]int64, len(raw))
	for i, v := range raw {
		if !v.IsInt64() {
			return nil, fmt.Errorf("unpack %s: id %s overflows int64", matchesFetchedEvent, v)
		}
		ids[i] = v.Int64()
	}
	return ids, nil
}

func toInt64(v interface{}) (int64, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("value %s overflows int64", n)
	}
	return n.Int64(), nil
}
