package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "github.com/underscore-finance/underscore/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const aggregatorABI = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}
  ],"stateMutability":"view","type":"function"}
]`

var parsedAggregatorABI = mustParseABI(aggregatorABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ContractCaller is the read-only subset of ethclient.Client the feed needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkConfig describes aggregator contracts to read.
type ChainlinkConfig struct {
	RPCURL string
	// Feeds maps asset address to its USD aggregator.
	Feeds map[common.Address]common.Address
	// StaleAfter rejects answers older than this. Zero disables the check.
	StaleAfter time.Duration
}

// ChainlinkFeed reads latestRoundData from Chainlink-style aggregators.
type ChainlinkFeed struct {
	caller     ContractCaller
	client     *ethclient.Client
	feeds      map[common.Address]common.Address
	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	decimals map[common.Address]int32
}

// DialChainlink connects to cfg.RPCURL and returns a feed over it.
func DialChainlink(ctx context.Context, cfg ChainlinkConfig) (*ChainlinkFeed, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置价格预言机 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接价格预言机节点失败")
	}
	feed := NewChainlinkFeed(client, cfg.Feeds, cfg.StaleAfter)
	feed.client = client
	return feed, nil
}

// NewChainlinkFeed builds a feed over an existing caller.
func NewChainlinkFeed(caller ContractCaller, feeds map[common.Address]common.Address, staleAfter time.Duration) *ChainlinkFeed {
	f := &ChainlinkFeed{
		caller:     caller,
		feeds:      make(map[common.Address]common.Address, len(feeds)),
		staleAfter: staleAfter,
		now:        time.Now,
		decimals:   make(map[common.Address]int32),
	}
	for asset, aggregator := range feeds {
		f.feeds[asset] = aggregator
	}
	return f
}

// Price implements Feed.
func (f *ChainlinkFeed) Price(ctx context.Context, asset common.Address) (decimal.Decimal, bool, error) {
	aggregator, ok := f.feeds[asset]
	if !ok {
		return decimal.Zero, false, nil
	}
	dec, err := f.aggregatorDecimals(ctx, aggregator)
	if err != nil {
		return decimal.Zero, false, err
	}

	out, err := f.call(ctx, aggregator, "latestRoundData")
	if err != nil {
		return decimal.Zero, false, err
	}
	if len(out) != 5 {
		return decimal.Zero, false, xerrors.New(xerrors.CodeUnknown, "unexpected latestRoundData output")
	}
	answer, _ := out[1].(*big.Int)
	updatedAt, _ := out[3].(*big.Int)
	if answer == nil || answer.Sign() <= 0 {
		return decimal.Zero, false, xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("aggregator %s returned non-positive answer", aggregator.Hex()))
	}
	if f.staleAfter > 0 && updatedAt != nil {
		age := f.now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > f.staleAfter {
			return decimal.Zero, false, xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("aggregator %s answer is %s old", aggregator.Hex(), age))
		}
	}
	return decimal.NewFromBigInt(answer, -dec), true, nil
}

// Close releases the RPC connection opened by DialChainlink.
func (f *ChainlinkFeed) Close() {
	if f.client != nil {
		f.client.Close()
	}
}

func (f *ChainlinkFeed) aggregatorDecimals(ctx context.Context, aggregator common.Address) (int32, error) {
	f.mu.Lock()
	dec, ok := f.decimals[aggregator]
	f.mu.Unlock()
	if ok {
		return dec, nil
	}
	out, err := f.call(ctx, aggregator, "decimals")
	if err != nil {
		return 0, err
	}
	raw, ok := out[0].(uint8)
	if !ok {
		return 0, xerrors.New(xerrors.CodeUnknown, "unexpected decimals output")
	}
	f.mu.Lock()
	f.decimals[aggregator] = int32(raw)
	f.mu.Unlock()
	return int32(raw), nil
}

func (f *ChainlinkFeed) call(ctx context.Context, aggregator common.Address, method string) ([]any, error) {
	input, err := parsedAggregatorABI.Pack(method)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "编码预言机调用失败")
	}
	data, err := f.caller.CallContract(ctx, gethcore.CallMsg{To: &aggregator, Data: input}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("调用预言机 %s.%s 失败", aggregator.Hex(), method))
	}
	out, err := parsedAggregatorABI.Unpack(method, data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "解析预言机返回失败")
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeUnknown, "预言机返回为空")
	}
	return out, nil
}
