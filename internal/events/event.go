package events

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	xerrors "github.com/underscore-finance/underscore/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind 标识事件类型，供链下索引器区分。
type Kind string

const (
	KindDeposit          Kind = "deposit"
	KindWithdrawal       Kind = "withdrawal"
	KindSwap             Kind = "swap"
	KindLiquidityAdded   Kind = "liquidity_added"
	KindLiquidityRemoved Kind = "liquidity_removed"
	KindFundsTransferred Kind = "funds_transferred"
	KindEthToWeth        Kind = "eth_converted_to_weth"
	KindWethToEth        Kind = "weth_converted_to_eth"

	KindTrialFundsDataSet   Kind = "trial_funds_data_set"
	KindTrialFundsRecovered Kind = "trial_funds_recovered"
	KindTrialFundsShrunk    Kind = "trial_funds_shrunk"
	KindUserWalletCreated   Kind = "user_wallet_created"

	KindAgentUpdated  Kind = "agent_updated"
	KindAgentDisabled Kind = "agent_disabled"

	KindWhitelistPending   Kind = "whitelist_pending"
	KindWhitelistConfirmed Kind = "whitelist_confirmed"
	KindWhitelistCancelled Kind = "whitelist_cancelled"
	KindWhitelistRemoved   Kind = "whitelist_removed"
	KindOwnershipPending   Kind = "ownership_pending"
	KindOwnershipConfirmed Kind = "ownership_confirmed"
	KindOwnershipCancelled Kind = "ownership_cancelled"

	KindLegoRegistered            Kind = "lego_registered"
	KindLegoActivated             Kind = "lego_activated"
	KindLegoRegistrationCancelled Kind = "lego_registration_cancelled"
	KindLegoUpdatePending         Kind = "lego_update_pending"
	KindLegoUpdated               Kind = "lego_updated"
	KindLegoUpdateCancelled       Kind = "lego_update_cancelled"
	KindLegoDisablePending        Kind = "lego_disable_pending"
	KindLegoDisabled              Kind = "lego_disabled"
	KindLegoDisableCancelled      Kind = "lego_disable_cancelled"
	KindLegoChangeDelaySet        Kind = "lego_change_delay_set"
)

// Event 是发布到事件总线与持久化存储的统一信封。
type Event struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Wallet        common.Address    `json:"wallet"`
	Signer        common.Address    `json:"signer"`
	IsSignerAgent bool              `json:"is_signer_agent"`
	LegoID        uint64            `json:"lego_id,omitempty"`
	LegoAddr      common.Address    `json:"lego_addr"`
	Data          map[string]string `json:"data,omitempty"`
	UsdValue      decimal.Decimal   `json:"usd_value"`
	Time          uint64            `json:"time"`
	CreatedAt     int64             `json:"created_at"`
}

// New 创建带唯一 ID 的事件。
func New(kind Kind) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// With 记录一个字段。大整数与地址以十进制/十六进制字符串保存。
func (e *Event) With(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]string)
	}
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			e.Data[key] = "0"
		} else {
			e.Data[key] = v.String()
		}
	case common.Address:
		e.Data[key] = v.Hex()
	case string:
		e.Data[key] = v
	case bool:
		e.Data[key] = strconv.FormatBool(v)
	case uint64:
		e.Data[key] = strconv.FormatUint(v, 10)
	default:
		e.Data[key] = fmt.Sprint(v)
	}
	return e
}

// Amount 读取数值字段，缺失时返回 0。
func (e *Event) Amount(key string) *big.Int {
	out, ok := new(big.Int).SetString(e.Data[key], 10)
	if !ok {
		return new(big.Int)
	}
	return out
}

// Address 读取地址字段。
func (e *Event) Address(key string) common.Address {
	return common.HexToAddress(e.Data[key])
}

// Clone 返回深拷贝。
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Data != nil {
		clone.Data = make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			clone.Data[k] = v
		}
	}
	return &clone
}

func (e *Event) validate() error {
	if e == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "event 不能为空")
	}
	if e.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件 ID 不能为空")
	}
	if e.Kind == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件类型不能为空")
	}
	return nil
}

var (
	// ErrEventNotFound 表示指定事件不存在。
	ErrEventNotFound = xerrors.New(xerrors.CodeNotFound, "event not found")
	// ErrEventConflict 表示事件 ID 已存在，索引器据此实现幂等。
	ErrEventConflict = xerrors.New(xerrors.CodeConflict, "event already indexed")
)
