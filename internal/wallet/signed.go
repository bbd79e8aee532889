package wallet

import (
	"context"
	"log/slog"

	"github.com/underscore-finance/underscore/internal/auth"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// 签名授权路径：任何提交者都可以代签名者递交授权，校验通过后与直接调用走同一套权限检查。

// Domain 返回该钱包使用的签名域。
func (w *Wallet) Domain() (auth.Domain, error) {
	if w.verifier == nil {
		return auth.Domain{}, ErrSignedDisabled
	}
	return w.verifier.Domain(), nil
}

func (w *Wallet) authorizeSigned(ctx context.Context, signer common.Address, sig []byte, msg auth.Message) (common.Address, error) {
	if w.verifier == nil {
		return common.Address{}, ErrSignedDisabled
	}
	return w.verifier.Authorize(ctx, w.addr, auth.SignedRequest{Signer: signer, Signature: sig, Message: msg})
}

// settleSigned 在操作失败时释放签名摘要，同一授权可以在条件满足后重新提交。
func (w *Wallet) settleSigned(ctx context.Context, msg auth.Message, err error) error {
	if err == nil {
		return nil
	}
	if rerr := w.verifier.Release(ctx, w.addr, msg); rerr != nil {
		w.logger.Warn("释放签名摘要失败",
			logger.Address("wallet", w.addr),
			slog.String("type", msg.PrimaryType()),
			slog.Any("error", rerr),
		)
	}
	return err
}

// DepositSigned 执行已签名的存入授权。
func (w *Wallet) DepositSigned(ctx context.Context, signer common.Address, sig []byte, msg auth.DepositMessage) (DepositResult, error) {
	who, err := w.authorizeSigned(ctx, signer, sig, msg)
	if err != nil {
		return DepositResult{}, err
	}
	res, err := w.Deposit(ctx, who, msg.LegoID, msg.Asset, msg.Vault, msg.Amount)
	return res, w.settleSigned(ctx, msg, err)
}

// WithdrawSigned 执行已签名的赎回授权。
func (w *Wallet) WithdrawSigned(ctx context.Context, signer common.Address, sig []byte, msg auth.WithdrawalMessage) (WithdrawResult, error) {
	who, err := w.authorizeSigned(ctx, signer, sig, msg)
	if err != nil {
		return WithdrawResult{}, err
	}
	res, err := w.Withdraw(ctx, who, msg.LegoID, msg.Asset, msg.VaultToken, msg.VaultTokenAmount)
	return res, w.settleSigned(ctx, msg, err)
}

// RebalanceSigned 执行已签名的再平衡授权。
func (w *Wallet) RebalanceSigned(ctx context.Context, signer common.Address, sig []byte, msg auth.RebalanceMessage) (DepositResult, error) {
	who, err := w.authorizeSigned(ctx, signer, sig, msg)
	if err != nil {
		return DepositResult{}, err
	}
	res, err := w.Rebalance(ctx, who, msg.FromLegoID, msg.FromAsset, msg.FromVaultToken, msg.ToLegoID, msg.ToVault, msg.FromVaultTokenAmount)
	return res, w.settleSigned(ctx, msg, err)
}

// TransferSigned 执行已签名的转账授权。
func (w *Wallet) TransferSigned(ctx context.Context, signer common.Address, sig []byte, msg auth.TransferMessage) (TransferResult, error) {
	who, err := w.authorizeSigned(ctx, signer, sig, msg)
	if err != nil {
		return TransferResult{}, err
	}
	res, err := w.TransferFunds(ctx, who, msg.Recipient, msg.Amount, msg.Asset)
	return res, w.settleSigned(ctx, msg, err)
}

// ConvertEthToWethSigned 执行已签名的 ETH→WETH 授权。签名路径不接受附带的 value。
func (w *Wallet) ConvertEthToWethSigned(ctx context.Context, signer common.Address, sig []byte, msg auth.EthToWethMessage) (ConversionResult, error) {
	who, err := w.authorizeSigned(ctx, signer, sig, msg)
	if err != nil {
		return ConversionResult{}, err
	}
	res, err := w.ConvertEthToWeth(ctx, who, msg.Amount, nil, msg.DepositLegoID, msg.DepositVault)
	return res, w.settleSigned(ctx, msg, err)
}

// ConvertWethToEthSigned 执行已签名的 WETH→ETH 授权。
func (w *Wallet) ConvertWethToEthSigned(ctx context.Context, signer common.Address, sig []byte, msg auth.WethToEthMessage) (ConversionResult, error) {
	who, err := w.authorizeSigned(ctx, signer, sig, msg)
	if err != nil {
		return ConversionResult{}, err
	}
	res, err := w.ConvertWethToEth(ctx, who, msg.Amount, msg.Recipient, msg.WithdrawLegoID, msg.WithdrawVaultToken)
	return res, w.settleSigned(ctx, msg, err)
}
