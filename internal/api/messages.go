package api

import "github.com/underscore-finance/underscore/internal/auth"

func authDeposit(p depositParams, expiration uint64) auth.DepositMessage {
	return auth.DepositMessage{LegoID: p.LegoID, Asset: p.Asset, Vault: p.Vault, Amount: bigOf(p.Amount), Expiration: expiration}
}

func authWithdrawal(p withdrawParams, expiration uint64) auth.WithdrawalMessage {
	return auth.WithdrawalMessage{
		LegoID:           p.LegoID,
		Asset:            p.Asset,
		VaultToken:       p.VaultToken,
		VaultTokenAmount: bigOf(p.VaultTokenAmount),
		Expiration:       expiration,
	}
}

func authRebalance(p rebalanceParams, expiration uint64) auth.RebalanceMessage {
	return auth.RebalanceMessage{
		FromLegoID:           p.FromLegoID,
		FromAsset:            p.FromAsset,
		FromVaultToken:       p.FromVaultToken,
		ToLegoID:             p.ToLegoID,
		ToVault:              p.ToVault,
		FromVaultTokenAmount: bigOf(p.FromVaultTokenAmount),
		Expiration:           expiration,
	}
}

func authTransfer(p transferParams, expiration uint64) auth.TransferMessage {
	return auth.TransferMessage{Recipient: p.Recipient, Amount: bigOf(p.Amount), Asset: p.Asset, Expiration: expiration}
}

func authEthToWeth(p ethToWethParams, expiration uint64) auth.EthToWethMessage {
	return auth.EthToWethMessage{
		Amount:        bigOf(p.Amount),
		DepositLegoID: p.DepositLegoID,
		DepositVault:  p.DepositVault,
		Expiration:    expiration,
	}
}

func authWethToEth(p wethToEthParams, expiration uint64) auth.WethToEthMessage {
	return auth.WethToEthMessage{
		Amount:             bigOf(p.Amount),
		Recipient:          p.Recipient,
		WithdrawLegoID:     p.WithdrawLegoID,
		WithdrawVaultToken: p.WithdrawVaultToken,
		Expiration:         expiration,
	}
}
