package api

import (
	"encoding/json"
	"net/http"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
)

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	writeJSON(w, statusOf(err), body)
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: string(xerrors.CodeInvalidArgument), Message: message})
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeSignatureInvalid, xerrors.CodeSignatureExpired:
		return http.StatusUnauthorized
	case xerrors.CodePermissionDenied, xerrors.CodeRecipientNotAllowed:
		return http.StatusForbidden
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeReentrantCall, xerrors.CodeSignatureReplayed:
		return http.StatusConflict
	case xerrors.CodeNoFundsAvailable, xerrors.CodeTrialFundsRestricted, xerrors.CodeSpendLimitExceeded,
		xerrors.CodeInsufficientBalance, xerrors.CodeInvalidAdapter, xerrors.CodeTimelockNotElapsed,
		xerrors.CodeNoPendingChange, xerrors.CodeChangeExpired:
		return http.StatusUnprocessableEntity
	case xerrors.CodeAdapterFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
