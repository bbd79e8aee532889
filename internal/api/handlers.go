package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
)

const maxBodyBytes = 1 << 20

type createWalletRequest struct {
	Owner common.Address `json:"owner"`
	Agent common.Address `json:"agent"`
}

type walletView struct {
	Address    common.Address                            `json:"address"`
	Owner      common.Address                            `json:"owner"`
	TrialFunds wallet.TrialFunds                         `json:"trial_funds"`
	Agents     map[common.Address]wallet.AgentPermission `json:"agents"`
	Whitelist  []common.Address                          `json:"whitelist"`
}

// signedRequest 是签名授权请求的通用外壳；params 的字段与签名消息一一对应。
type signedRequest[T any] struct {
	Signer     common.Address `json:"signer"`
	Signature  hexutil.Bytes  `json:"signature"`
	Expiration uint64         `json:"expiration"`
	Params     T              `json:"params"`
}

type depositParams struct {
	LegoID uint64                `json:"lego_id"`
	Asset  common.Address        `json:"asset"`
	Vault  common.Address        `json:"vault"`
	Amount *math.HexOrDecimal256 `json:"amount"`
}

type withdrawParams struct {
	LegoID           uint64                `json:"lego_id"`
	Asset            common.Address        `json:"asset"`
	VaultToken       common.Address        `json:"vault_token"`
	VaultTokenAmount *math.HexOrDecimal256 `json:"vault_token_amount"`
}

type rebalanceParams struct {
	FromLegoID           uint64                `json:"from_lego_id"`
	FromAsset            common.Address        `json:"from_asset"`
	FromVaultToken       common.Address        `json:"from_vault_token"`
	ToLegoID             uint64                `json:"to_lego_id"`
	ToVault              common.Address        `json:"to_vault"`
	FromVaultTokenAmount *math.HexOrDecimal256 `json:"from_vault_token_amount"`
}

type transferParams struct {
	Recipient common.Address        `json:"recipient"`
	Amount    *math.HexOrDecimal256 `json:"amount"`
	Asset     common.Address        `json:"asset"`
}

type ethToWethParams struct {
	Amount        *math.HexOrDecimal256 `json:"amount"`
	DepositLegoID uint64                `json:"deposit_lego_id"`
	DepositVault  common.Address        `json:"deposit_vault"`
}

type wethToEthParams struct {
	Amount             *math.HexOrDecimal256 `json:"amount"`
	Recipient          common.Address        `json:"recipient"`
	WithdrawLegoID     uint64                `json:"withdraw_lego_id"`
	WithdrawVaultToken common.Address        `json:"withdraw_vault_token"`
}

// bigOf 保留 nil，钱包将其视为“最大可用数量”。
func bigOf(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(v))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"wallets": s.factory.NumUserWallets(),
		"legos":   s.registry.NumLegos(),
	})
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr, err := s.factory.CreateUserWallet(r.Context(), req.Owner, req.Agent)
	if err != nil {
		writeError(w, err)
		return
	}
	noteSigner(w, req.Owner)
	view, _ := s.walletView(addr)
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListWallets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"wallets": s.factory.Wallets()})
}

func (s *Server) handleWalletDetail(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	view, err := s.walletView(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) walletView(addr common.Address) (walletView, error) {
	wal, err := s.factory.Wallet(addr)
	if err != nil {
		return walletView{}, err
	}
	cfg := wal.Config()
	return walletView{
		Address:    addr,
		Owner:      cfg.Owner(),
		TrialFunds: wal.TrialFunds(),
		Agents:     cfg.Agents(),
		Whitelist:  cfg.Whitelist(),
	}, nil
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	wal, ok := s.pathWallet(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if !common.IsHexAddress(q.Get("asset")) {
		badRequest(w, "asset 必须是合法地址")
		return
	}
	asset := common.HexToAddress(q.Get("asset"))

	var amount *big.Int
	if raw := q.Get("amount"); raw != "" {
		parsed, ok := math.ParseBig256(raw)
		if !ok {
			badRequest(w, "amount 格式错误")
			return
		}
		amount = parsed
	}
	excludeTrial := false
	if raw := q.Get("exclude_trial"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(w, "exclude_trial 必须是布尔值")
			return
		}
		excludeTrial = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     asset,
		"available": wal.GetAvailableTxAmount(asset, amount, excludeTrial),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	wal, req, ok := decodeSigned[depositParams](s, w, r)
	if !ok {
		return
	}
	p := req.Params
	res, err := wal.DepositSigned(r.Context(), req.Signer, req.Signature, authDeposit(p, req.Expiration))
	respond(w, res, err)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	wal, req, ok := decodeSigned[withdrawParams](s, w, r)
	if !ok {
		return
	}
	res, err := wal.WithdrawSigned(r.Context(), req.Signer, req.Signature, authWithdrawal(req.Params, req.Expiration))
	respond(w, res, err)
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	wal, req, ok := decodeSigned[rebalanceParams](s, w, r)
	if !ok {
		return
	}
	res, err := wal.RebalanceSigned(r.Context(), req.Signer, req.Signature, authRebalance(req.Params, req.Expiration))
	respond(w, res, err)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	wal, req, ok := decodeSigned[transferParams](s, w, r)
	if !ok {
		return
	}
	res, err := wal.TransferSigned(r.Context(), req.Signer, req.Signature, authTransfer(req.Params, req.Expiration))
	respond(w, res, err)
}

func (s *Server) handleEthToWeth(w http.ResponseWriter, r *http.Request) {
	wal, req, ok := decodeSigned[ethToWethParams](s, w, r)
	if !ok {
		return
	}
	res, err := wal.ConvertEthToWethSigned(r.Context(), req.Signer, req.Signature, authEthToWeth(req.Params, req.Expiration))
	respond(w, res, err)
}

func (s *Server) handleWethToEth(w http.ResponseWriter, r *http.Request) {
	wal, req, ok := decodeSigned[wethToEthParams](s, w, r)
	if !ok {
		return
	}
	res, err := wal.ConvertWethToEthSigned(r.Context(), req.Signer, req.Signature, authWethToEth(req.Params, req.Expiration))
	respond(w, res, err)
}

func (s *Server) handleLegos(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"change_delay": s.registry.ChangeDelay(),
		"legos":        s.registry.Entries(),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: string(xerrors.CodeInitializationFailure), Message: "事件存储未启用"})
		return
	}
	opts, ok := listOptions(w, r)
	if !ok {
		return
	}
	list, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "limit": opts.Limit, "offset": opts.Offset})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: string(xerrors.CodeInitializationFailure), Message: "事件存储未启用"})
		return
	}
	opts, ok := listOptions(w, r)
	if !ok {
		return
	}
	stats, err := s.store.Stats(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEventDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: string(xerrors.CodeInitializationFailure), Message: "事件存储未启用"})
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		badRequest(w, "缺少事件 ID")
		return
	}
	ev, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func listOptions(w http.ResponseWriter, r *http.Request) (events.ListOptions, bool) {
	q := r.URL.Query()
	var opts []events.ListOption
	for _, key := range []string{"limit", "offset"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, key+" 必须是非负整数")
			return events.ListOptions{}, false
		}
		if key == "limit" {
			opts = append(opts, events.WithLimit(n))
		} else {
			opts = append(opts, events.WithOffset(n))
		}
	}
	for _, key := range []string{"wallet", "signer"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			badRequest(w, key+" 必须是合法地址")
			return events.ListOptions{}, false
		}
		if key == "wallet" {
			opts = append(opts, events.WithWallet(common.HexToAddress(raw)))
		} else {
			opts = append(opts, events.WithSigner(common.HexToAddress(raw)))
		}
	}
	var kinds []events.Kind
	for _, raw := range q["kind"] {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, events.Kind(k))
			}
		}
	}
	if len(kinds) > 0 {
		opts = append(opts, events.WithKinds(kinds...))
	}
	if raw := q.Get("agent"); raw != "" {
		agent, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(w, "agent 必须是布尔值")
			return events.ListOptions{}, false
		}
		opts = append(opts, events.WithSignerRole(agent))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, events.WithSortOrder(events.SortByCreatedAsc))
	}
	return events.BuildListOptions(opts...), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "请求体解析失败")
		return false
	}
	return true
}

func decodeSigned[T any](s *Server, w http.ResponseWriter, r *http.Request) (*wallet.Wallet, signedRequest[T], bool) {
	var req signedRequest[T]
	wal, ok := s.pathWallet(w, r)
	if !ok {
		return nil, req, false
	}
	if !decodeBody(w, r, &req) {
		return nil, req, false
	}
	if req.Signer == (common.Address{}) || len(req.Signature) == 0 {
		badRequest(w, "缺少签名者或签名")
		return nil, req, false
	}
	noteSigner(w, req.Signer)
	return wal, req, true
}

func (s *Server) pathWallet(w http.ResponseWriter, r *http.Request) (*wallet.Wallet, bool) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return nil, false
	}
	wal, err := s.factory.Wallet(addr)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return wal, true
}

func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.PathValue("addr")
	if !common.IsHexAddress(raw) {
		badRequest(w, "钱包地址格式错误")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func respond(w http.ResponseWriter, result any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
