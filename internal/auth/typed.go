// Package auth verifies detached, EIP-712 typed authorizations that let any
// submitter execute a wallet operation on behalf of the signer.
package auth

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// DefaultDomainName 是钱包签名域的默认名称。
const DefaultDomainName = "AgenticWallet"

// Domain 描述签名域；VerifyingContract 总是目标钱包地址。
type Domain struct {
	Name    string
	Version string
	ChainID *big.Int
}

// Message 是一条可签名的操作授权。
type Message interface {
	PrimaryType() string
	ExpiresAt() uint64
	fields() []apitypes.Type
	values() apitypes.TypedDataMessage
}

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// TypedData 组装 wallet 上 msg 的 EIP-712 结构。
func (d Domain) TypedData(wallet common.Address, msg Message) apitypes.TypedData {
	chainID := d.ChainID
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":    domainFields,
			msg.PrimaryType(): msg.fields(),
		},
		PrimaryType: msg.PrimaryType(),
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: wallet.Hex(),
		},
		Message: msg.values(),
	}
}

// uintValue 把 nil 数量编码为 MaxBig256，与执行时 nil 表示“全部可用”一致。
func uintValue(v *big.Int) string {
	if v == nil {
		return math.MaxBig256.String()
	}
	return v.String()
}

func idValue(v uint64) string { return strconv.FormatUint(v, 10) }

// DepositMessage 授权一次 depositTokens。
type DepositMessage struct {
	LegoID     uint64
	Asset      common.Address
	Vault      common.Address
	Amount     *big.Int
	Expiration uint64
}

func (DepositMessage) PrimaryType() string  { return "Deposit" }
func (m DepositMessage) ExpiresAt() uint64 { return m.Expiration }

func (DepositMessage) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "legoId", Type: "uint256"},
		{Name: "asset", Type: "address"},
		{Name: "vault", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
	}
}

func (m DepositMessage) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"legoId":     idValue(m.LegoID),
		"asset":      m.Asset.Hex(),
		"vault":      m.Vault.Hex(),
		"amount":     uintValue(m.Amount),
		"expiration": idValue(m.Expiration),
	}
}

// WithdrawalMessage 授权一次 withdrawTokens。
type WithdrawalMessage struct {
	LegoID           uint64
	Asset            common.Address
	VaultToken       common.Address
	VaultTokenAmount *big.Int
	Expiration       uint64
}

func (WithdrawalMessage) PrimaryType() string  { return "Withdrawal" }
func (m WithdrawalMessage) ExpiresAt() uint64 { return m.Expiration }

func (WithdrawalMessage) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "legoId", Type: "uint256"},
		{Name: "asset", Type: "address"},
		{Name: "vaultToken", Type: "address"},
		{Name: "vaultTokenAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
	}
}

func (m WithdrawalMessage) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"legoId":           idValue(m.LegoID),
		"asset":            m.Asset.Hex(),
		"vaultToken":       m.VaultToken.Hex(),
		"vaultTokenAmount": uintValue(m.VaultTokenAmount),
		"expiration":       idValue(m.Expiration),
	}
}

// RebalanceMessage 授权一次 rebalance。
type RebalanceMessage struct {
	FromLegoID           uint64
	FromAsset            common.Address
	FromVaultToken       common.Address
	ToLegoID             uint64
	ToVault              common.Address
	FromVaultTokenAmount *big.Int
	Expiration           uint64
}

func (RebalanceMessage) PrimaryType() string  { return "Rebalance" }
func (m RebalanceMessage) ExpiresAt() uint64 { return m.Expiration }

func (RebalanceMessage) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "fromLegoId", Type: "uint256"},
		{Name: "fromAsset", Type: "address"},
		{Name: "fromVaultToken", Type: "address"},
		{Name: "toLegoId", Type: "uint256"},
		{Name: "toVault", Type: "address"},
		{Name: "fromVaultTokenAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
	}
}

func (m RebalanceMessage) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"fromLegoId":           idValue(m.FromLegoID),
		"fromAsset":            m.FromAsset.Hex(),
		"fromVaultToken":       m.FromVaultToken.Hex(),
		"toLegoId":             idValue(m.ToLegoID),
		"toVault":              m.ToVault.Hex(),
		"fromVaultTokenAmount": uintValue(m.FromVaultTokenAmount),
		"expiration":           idValue(m.Expiration),
	}
}

// TransferMessage 授权一次 transferFunds。
type TransferMessage struct {
	Recipient  common.Address
	Amount     *big.Int
	Asset      common.Address
	Expiration uint64
}

func (TransferMessage) PrimaryType() string  { return "Transfer" }
func (m TransferMessage) ExpiresAt() uint64 { return m.Expiration }

func (TransferMessage) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "recipient", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "asset", Type: "address"},
		{Name: "expiration", Type: "uint256"},
	}
}

func (m TransferMessage) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"recipient":  m.Recipient.Hex(),
		"amount":     uintValue(m.Amount),
		"asset":      m.Asset.Hex(),
		"expiration": idValue(m.Expiration),
	}
}

// EthToWethMessage 授权 ETH 包装，可选地存入 DepositLegoID。
type EthToWethMessage struct {
	Amount        *big.Int
	DepositLegoID uint64
	DepositVault  common.Address
	Expiration    uint64
}

func (EthToWethMessage) PrimaryType() string  { return "EthToWeth" }
func (m EthToWethMessage) ExpiresAt() uint64 { return m.Expiration }

func (EthToWethMessage) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "amount", Type: "uint256"},
		{Name: "depositLegoId", Type: "uint256"},
		{Name: "depositVault", Type: "address"},
		{Name: "expiration", Type: "uint256"},
	}
}

func (m EthToWethMessage) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"amount":        uintValue(m.Amount),
		"depositLegoId": idValue(m.DepositLegoID),
		"depositVault":  m.DepositVault.Hex(),
		"expiration":    idValue(m.Expiration),
	}
}

// WethToEthMessage 授权 WETH 解包，可选地先从 WithdrawLegoID 取回。
type WethToEthMessage struct {
	Amount             *big.Int
	Recipient          common.Address
	WithdrawLegoID     uint64
	WithdrawVaultToken common.Address
	Expiration         uint64
}

func (WethToEthMessage) PrimaryType() string  { return "WethToEth" }
func (m WethToEthMessage) ExpiresAt() uint64 { return m.Expiration }

func (WethToEthMessage) fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "amount", Type: "uint256"},
		{Name: "recipient", Type: "address"},
		{Name: "withdrawLegoId", Type: "uint256"},
		{Name: "withdrawVaultToken", Type: "address"},
		{Name: "expiration", Type: "uint256"},
	}
}

func (m WethToEthMessage) values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"amount":             uintValue(m.Amount),
		"recipient":          m.Recipient.Hex(),
		"withdrawLegoId":     idValue(m.WithdrawLegoID),
		"withdrawVaultToken": m.WithdrawVaultToken.Hex(),
		"expiration":         idValue(m.Expiration),
	}
}
