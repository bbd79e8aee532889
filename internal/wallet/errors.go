package wallet

import (
	xerrors "github.com/underscore-finance/underscore/internal/errors"
)

// 钱包对外暴露的稳定错误原因，调用方据此决定重试、换资产或上报 owner。
var (
	ErrAgentNotAllowed      = xerrors.New(xerrors.CodePermissionDenied, "agent not allowed")
	ErrNoPerms              = xerrors.New(xerrors.CodePermissionDenied, "no perms")
	ErrNoFundsAvailable     = xerrors.New(xerrors.CodeNoFundsAvailable, "no funds available")
	ErrNothingToConvert     = xerrors.New(xerrors.CodeNoFundsAvailable, "nothing to convert")
	ErrRecipientNotAllowed  = xerrors.New(xerrors.CodeRecipientNotAllowed, "recipient not allowed")
	ErrTrialVaultToken      = xerrors.New(xerrors.CodeTrialFundsRestricted, "cannot transfer trial funds vault token")
	ErrTrialFundsRestricted = xerrors.New(xerrors.CodeTrialFundsRestricted, "trial funds restricted")
	ErrNoTrialFunds         = xerrors.New(xerrors.CodeNotFound, "no trial funds")
	ErrLeftoverBalance      = xerrors.New(xerrors.CodeLeftoverBalance, "lego retained leftover balance")
	ErrReentrantCall        = xerrors.New(xerrors.CodeReentrantCall, "reentrant call")
	ErrSpendLimitExceeded   = xerrors.New(xerrors.CodeSpendLimitExceeded, "spend limit exceeded")

	ErrInvalidAgent       = xerrors.New(xerrors.CodeInvalidArgument, "invalid agent")
	ErrAgentNotFound      = xerrors.New(xerrors.CodeNotFound, "agent not found")
	ErrInvalidAddress     = xerrors.New(xerrors.CodeInvalidArgument, "invalid address")
	ErrInvalidDelay       = xerrors.New(xerrors.CodeInvalidArgument, "invalid delay")
	ErrInvalidInstruction = xerrors.New(xerrors.CodeInvalidArgument, "invalid swap instructions")
	ErrSignedDisabled     = xerrors.New(xerrors.CodeInitializationFailure, "signed authorization not configured")

	ErrTimelockNotElapsed = xerrors.New(xerrors.CodeTimelockNotElapsed, "time delay not reached")
	ErrNoPendingChange    = xerrors.New(xerrors.CodeNoPendingChange, "no pending change")
	ErrChangeExpired      = xerrors.New(xerrors.CodeChangeExpired, "pending change expired")
)
