package wallet

import (
	stdErrors "errors"
	"math/big"
	"testing"
	"time"

	"github.com/underscore-finance/underscore/internal/auth"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestSignedDeposit(t *testing.T) {
	key, err := crypto.GenerateKey()
	mustNoErr(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	now := time.Unix(1_700_000_000, 0)
	verifier := auth.NewVerifier(
		auth.Domain{Version: APIVersion, ChainID: big.NewInt(8453)},
		auth.WithNow(func() time.Time { return now }),
		auth.WithVerifierLogger(logger.Discard()),
	)

	perm := fullAgentPermission()
	h := newHarness(t, setup{opts: []Option{WithVerifier(verifier), WithAgent(signer, perm)}})
	h.ledger.Mint(usdc, walletA, amt(100))

	msg := auth.DepositMessage{LegoID: idA, Asset: usdc, Vault: vtA, Amount: amt(40), Expiration: uint64(now.Unix()) + 60}
	sig, err := auth.Sign(verifier.Domain(), walletA, msg, key)
	mustNoErr(t, err)

	// any submitter may relay the authorization
	res, err := h.wallet.DepositSigned(h.ctx, signer, sig, msg)
	mustNoErr(t, err)
	if res.AssetAmountDeposited.Int64() != 40 {
		t.Fatalf("unexpected deposit %+v", res)
	}
	ev, ok := h.events.Last(events.KindDeposit)
	if !ok || ev.Signer != signer || !ev.IsSignerAgent {
		t.Fatalf("deposit not attributed to the signer: %+v", ev)
	}

	if _, err := h.wallet.DepositSigned(h.ctx, signer, sig, msg); !stdErrors.Is(err, auth.ErrSignatureReplayed) {
		t.Fatalf("expected replay rejection, got %v", err)
	}

	expired := msg
	expired.Expiration = uint64(now.Unix())
	sig, err = auth.Sign(verifier.Domain(), walletA, expired, key)
	mustNoErr(t, err)
	if _, err := h.wallet.DepositSigned(h.ctx, signer, sig, expired); !stdErrors.Is(err, auth.ErrSignatureExpired) {
		t.Fatalf("expected expired signature, got %v", err)
	}

	// a signature over different parameters does not authorize these
	tampered := msg
	tampered.Amount = amt(41)
	sig, err = auth.Sign(verifier.Domain(), walletA, msg, key)
	mustNoErr(t, err)
	if _, err := h.wallet.DepositSigned(h.ctx, signer, sig, tampered); !stdErrors.Is(err, auth.ErrSignatureInvalid) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestSignedPathEnforcesPermissions(t *testing.T) {
	key, err := crypto.GenerateKey()
	mustNoErr(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	now := time.Unix(1_700_000_000, 0)
	verifier := auth.NewVerifier(auth.Domain{Version: APIVersion},
		auth.WithNow(func() time.Time { return now }),
		auth.WithVerifierLogger(logger.Discard()))

	h := newHarness(t, setup{opts: []Option{
		WithVerifier(verifier),
		WithAgent(signer, AgentPermission{Actions: ActionDeposit, Assets: []common.Address{usdc}, LegoIDs: []uint64{idA}}),
	}})
	h.ledger.Mint(usdc, walletA, amt(100))

	msg := auth.TransferMessage{Recipient: owner, Amount: amt(10), Asset: usdc, Expiration: uint64(now.Unix()) + 60}
	sig, err := auth.Sign(verifier.Domain(), walletA, msg, key)
	mustNoErr(t, err)
	if _, err := h.wallet.TransferSigned(h.ctx, signer, sig, msg); !stdErrors.Is(err, ErrAgentNotAllowed) {
		t.Fatalf("expected agent not allowed, got %v", err)
	}
	if h.balance(usdc, owner) != 0 {
		t.Fatalf("unauthorized transfer moved funds")
	}
}

func TestSignedPathDisabled(t *testing.T) {
	h := newHarness(t, setup{})
	if _, err := h.wallet.TransferSigned(h.ctx, owner, nil, auth.TransferMessage{}); !stdErrors.Is(err, ErrSignedDisabled) {
		t.Fatalf("expected signed path disabled, got %v", err)
	}
	if _, err := h.wallet.Domain(); !stdErrors.Is(err, ErrSignedDisabled) {
		t.Fatalf("expected no domain, got %v", err)
	}
}

func TestSignedZeroAmountCannotRelayAsMax(t *testing.T) {
	key, err := crypto.GenerateKey()
	mustNoErr(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	now := time.Unix(1_700_000_000, 0)
	verifier := auth.NewVerifier(auth.Domain{Version: APIVersion},
		auth.WithNow(func() time.Time { return now }),
		auth.WithVerifierLogger(logger.Discard()))

	h := newHarness(t, setup{opts: []Option{WithVerifier(verifier), WithAgent(signer, fullAgentPermission())}})
	h.ledger.Mint(usdc, walletA, amt(100))

	msg := auth.DepositMessage{LegoID: idA, Asset: usdc, Vault: vtA, Amount: amt(0), Expiration: uint64(now.Unix()) + 60}
	sig, err := auth.Sign(verifier.Domain(), walletA, msg, key)
	mustNoErr(t, err)

	relayed := msg
	relayed.Amount = nil
	if _, err := h.wallet.DepositSigned(h.ctx, signer, sig, relayed); !stdErrors.Is(err, auth.ErrSignatureInvalid) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if h.balance(vtA, walletA) != 0 || h.balance(usdc, walletA) != 100 {
		t.Fatalf("relayed authorization moved funds")
	}

	open := msg
	open.Amount = nil
	sig, err = auth.Sign(verifier.Domain(), walletA, open, key)
	mustNoErr(t, err)
	res, err := h.wallet.DepositSigned(h.ctx, signer, sig, open)
	mustNoErr(t, err)
	if res.AssetAmountDeposited.Int64() != 100 {
		t.Fatalf("expected a signed max deposit of 100, got %+v", res)
	}
}

func TestSignedFailureKeepsAuthorizationUsable(t *testing.T) {
	key, err := crypto.GenerateKey()
	mustNoErr(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	now := time.Unix(1_700_000_000, 0)
	verifier := auth.NewVerifier(auth.Domain{Version: APIVersion},
		auth.WithNow(func() time.Time { return now }),
		auth.WithVerifierLogger(logger.Discard()))

	h := newHarness(t, setup{opts: []Option{WithVerifier(verifier), WithAgent(signer, fullAgentPermission())}})

	msg := auth.TransferMessage{Recipient: owner, Amount: amt(10), Asset: usdc, Expiration: uint64(now.Unix()) + 60}
	sig, err := auth.Sign(verifier.Domain(), walletA, msg, key)
	mustNoErr(t, err)
	if _, err := h.wallet.TransferSigned(h.ctx, signer, sig, msg); !stdErrors.Is(err, ErrNoFundsAvailable) {
		t.Fatalf("expected no funds available, got %v", err)
	}

	h.ledger.Mint(usdc, walletA, amt(10))
	res, err := h.wallet.TransferSigned(h.ctx, signer, sig, msg)
	mustNoErr(t, err)
	if res.Amount.Int64() != 10 || h.balance(usdc, owner) != 10 {
		t.Fatalf("unexpected transfer %+v", res)
	}
	if _, err := h.wallet.TransferSigned(h.ctx, signer, sig, msg); !stdErrors.Is(err, auth.ErrSignatureReplayed) {
		t.Fatalf("expected replay rejection after success, got %v", err)
	}
}
