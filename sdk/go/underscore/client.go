// Package underscore is a Go client for the wallet daemon REST API. Operation
// calls are signed locally with the configured key before they are sent.
package underscore

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/underscore-finance/underscore/internal/auth"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/wallet"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNoSigner is returned by operation calls made before SetSigner.
var ErrNoSigner = errors.New("underscore: signer is not set")

// Client wraps the HTTP interactions with the wallet daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	key    *ecdsa.PrivateKey
	domain auth.Domain
}

// Wallet is the daemon's view of one user wallet.
type Wallet struct {
	Address    common.Address                            `json:"address"`
	Owner      common.Address                            `json:"owner"`
	TrialFunds wallet.TrialFunds                         `json:"trial_funds"`
	Agents     map[common.Address]wallet.AgentPermission `json:"agents"`
	Whitelist  []common.Address                          `json:"whitelist"`
}

// Health is returned by /healthz.
type Health struct {
	Status  string `json:"status"`
	Wallets int    `json:"wallets"`
	Legos   uint64 `json:"legos"`
}

// EventQuery filters ListEvents.
type EventQuery struct {
	Wallet common.Address
	Kinds  []events.Kind
	Limit  int
	Offset int
	Asc    bool
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("underscore api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("underscore api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the daemon at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetSigner configures the key and typed-data domain used for operations.
func (c *Client) SetSigner(key *ecdsa.PrivateKey, domain auth.Domain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.domain = domain
}

// SignerAddress returns the address of the configured key.
func (c *Client) SignerAddress() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// Health checks the daemon.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/healthz", nil, &h)
	return h, err
}

// CreateWallet asks the factory for a new wallet owned by owner. A zero agent
// creates a wallet without an agent.
func (c *Client) CreateWallet(ctx context.Context, owner, agent common.Address) (Wallet, error) {
	var w Wallet
	err := c.post(ctx, "/api/v1/wallets", map[string]common.Address{"owner": owner, "agent": agent}, &w)
	return w, err
}

// GetWallet fetches one wallet.
func (c *Client) GetWallet(ctx context.Context, addr common.Address) (Wallet, error) {
	var w Wallet
	err := c.get(ctx, "/api/v1/wallets/"+addr.Hex(), nil, &w)
	return w, err
}

// ListWallets returns every wallet the factory created, in creation order.
func (c *Client) ListWallets(ctx context.Context) ([]common.Address, error) {
	var out struct {
		Wallets []common.Address `json:"wallets"`
	}
	err := c.get(ctx, "/api/v1/wallets", nil, &out)
	return out.Wallets, err
}

// Available reports how much of asset the wallet could move. A nil amount
// asks for the maximum.
func (c *Client) Available(ctx context.Context, addr, asset common.Address, amount *big.Int, excludeTrial bool) (*big.Int, error) {
	q := url.Values{}
	q.Set("asset", asset.Hex())
	if amount != nil {
		q.Set("amount", amount.String())
	}
	if excludeTrial {
		q.Set("exclude_trial", "true")
	}
	var out struct {
		Available *big.Int `json:"available"`
	}
	if err := c.get(ctx, "/api/v1/wallets/"+addr.Hex()+"/available", q, &out); err != nil {
		return nil, err
	}
	return out.Available, nil
}

// ListEvents queries the daemon's event index.
func (c *Client) ListEvents(ctx context.Context, query EventQuery) ([]*events.Event, error) {
	q := url.Values{}
	if query.Wallet != (common.Address{}) {
		q.Set("wallet", query.Wallet.Hex())
	}
	if len(query.Kinds) > 0 {
		kinds := make([]string, len(query.Kinds))
		for i, k := range query.Kinds {
			kinds[i] = string(k)
		}
		q.Set("kind", strings.Join(kinds, ","))
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		q.Set("offset", strconv.Itoa(query.Offset))
	}
	if query.Asc {
		q.Set("order", "asc")
	}
	var out struct {
		Events []*events.Event `json:"events"`
	}
	err := c.get(ctx, "/api/v1/events", q, &out)
	return out.Events, err
}

// Deposit signs and submits a deposit.
func (c *Client) Deposit(ctx context.Context, addr common.Address, msg auth.DepositMessage) (wallet.DepositResult, error) {
	var res wallet.DepositResult
	params := map[string]any{
		"lego_id": msg.LegoID,
		"asset":   msg.Asset,
		"vault":   msg.Vault,
		"amount":  hexOrDecimal(msg.Amount),
	}
	err := c.signed(ctx, addr, "deposit", msg, params, &res)
	return res, err
}

// Withdraw signs and submits a withdrawal.
func (c *Client) Withdraw(ctx context.Context, addr common.Address, msg auth.WithdrawalMessage) (wallet.WithdrawResult, error) {
	var res wallet.WithdrawResult
	params := map[string]any{
		"lego_id":            msg.LegoID,
		"asset":              msg.Asset,
		"vault_token":        msg.VaultToken,
		"vault_token_amount": hexOrDecimal(msg.VaultTokenAmount),
	}
	err := c.signed(ctx, addr, "withdraw", msg, params, &res)
	return res, err
}

// Rebalance signs and submits a rebalance.
func (c *Client) Rebalance(ctx context.Context, addr common.Address, msg auth.RebalanceMessage) (wallet.DepositResult, error) {
	var res wallet.DepositResult
	params := map[string]any{
		"from_lego_id":            msg.FromLegoID,
		"from_asset":              msg.FromAsset,
		"from_vault_token":        msg.FromVaultToken,
		"to_lego_id":              msg.ToLegoID,
		"to_vault":                msg.ToVault,
		"from_vault_token_amount": hexOrDecimal(msg.FromVaultTokenAmount),
	}
	err := c.signed(ctx, addr, "rebalance", msg, params, &res)
	return res, err
}

// Transfer signs and submits a transfer.
func (c *Client) Transfer(ctx context.Context, addr common.Address, msg auth.TransferMessage) (wallet.TransferResult, error) {
	var res wallet.TransferResult
	params := map[string]any{
		"recipient": msg.Recipient,
		"amount":    hexOrDecimal(msg.Amount),
		"asset":     msg.Asset,
	}
	err := c.signed(ctx, addr, "transfer", msg, params, &res)
	return res, err
}

// EthToWeth signs and submits a wrap, optionally followed by a deposit.
func (c *Client) EthToWeth(ctx context.Context, addr common.Address, msg auth.EthToWethMessage) (wallet.ConversionResult, error) {
	var res wallet.ConversionResult
	params := map[string]any{
		"amount":          hexOrDecimal(msg.Amount),
		"deposit_lego_id": msg.DepositLegoID,
		"deposit_vault":   msg.DepositVault,
	}
	err := c.signed(ctx, addr, "eth-to-weth", msg, params, &res)
	return res, err
}

// WethToEth signs and submits an unwrap, optionally preceded by a withdrawal.
func (c *Client) WethToEth(ctx context.Context, addr common.Address, msg auth.WethToEthMessage) (wallet.ConversionResult, error) {
	var res wallet.ConversionResult
	params := map[string]any{
		"amount":               hexOrDecimal(msg.Amount),
		"recipient":            msg.Recipient,
		"withdraw_lego_id":     msg.WithdrawLegoID,
		"withdraw_vault_token": msg.WithdrawVaultToken,
	}
	err := c.signed(ctx, addr, "weth-to-eth", msg, params, &res)
	return res, err
}

func hexOrDecimal(v *big.Int) *math.HexOrDecimal256 {
	if v == nil {
		return nil
	}
	return (*math.HexOrDecimal256)(new(big.Int).Set(v))
}

func (c *Client) signed(ctx context.Context, addr common.Address, op string, msg auth.Message, params map[string]any, out any) error {
	c.mu.RLock()
	key, domain := c.key, c.domain
	c.mu.RUnlock()
	if key == nil {
		return ErrNoSigner
	}
	sig, err := auth.Sign(domain, addr, msg, key)
	if err != nil {
		return fmt.Errorf("sign %s: %w", op, err)
	}
	body := map[string]any{
		"signer":     crypto.PubkeyToAddress(key.PublicKey),
		"signature":  hexutil.Bytes(sig),
		"expiration": msg.ExpiresAt(),
		"params":     params,
	}
	return c.post(ctx, "/api/v1/wallets/"+addr.Hex()+"/"+op, body, out)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
