package escrow

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vreid/wager/internal/pkg/ledger"
)

type ErrorKind uint8

const (
	KindValidation ErrorKind = iota + 1
	KindState
	KindAuthorization
	KindConsistency
)

// Error is a rejected transition. Code is the stable name reported to callers.
type Error struct {
	Code    string
	Kind    ErrorKind
	message string
}

func (e *Error) Error() string {
	return e.message
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Code: code, Kind: kind, message: message}
}

var (
	ErrStakeTooLow  = newError(KindValidation, "StakeTooLow", "stake amount is below minimum")
	ErrStakeTooHigh = newError(KindValidation, "StakeTooHigh", "stake amount exceeds maximum")

	ErrMatchNotJoinable         = newError(KindState, "MatchNotJoinable", "match is not joinable")
	ErrMatchNotInProgress       = newError(KindState, "MatchNotInProgress", "match is not in progress")
	ErrMatchNotCompleted        = newError(KindState, "MatchNotCompleted", "match is not completed")
	ErrCannotCancelStartedMatch = newError(KindState, "CannotCancelStartedMatch", "cannot cancel a match that has started")

	ErrNotParticipant = newError(KindAuthorization, "NotParticipant", "caller is not a match participant")
	ErrNotHost        = newError(KindAuthorization, "NotHost", "caller is not the host")
	ErrNotWinner      = newError(KindAuthorization, "NotWinner", "caller is not the winner")
	ErrCannotPlaySelf = newError(KindAuthorization, "CannotPlaySelf", "cannot play against yourself")

	ErrInvalidWinner   = newError(KindConsistency, "InvalidWinner", "invalid winner address")
	ErrInvalidTreasury = newError(KindConsistency, "InvalidTreasury", "treasury does not match the platform treasury")
	ErrEscrowImbalance = newError(KindConsistency, "EscrowImbalance", "escrow balance does not cover the match stake")
)

func errorCode(err error) string {
	var escrowErr *Error
	if errors.As(err, &escrowErr) {
		return escrowErr.Code
	}

	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ledger.ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "MatchNotFound"
	default:
		return "Internal"
	}
}

func httpStatus(err error) int {
	var escrowErr *Error
	if errors.As(err, &escrowErr) {
		switch escrowErr.Kind {
		case KindValidation:
			return http.StatusBadRequest
		case KindState:
			return http.StatusConflict
		case KindAuthorization:
			return http.StatusForbidden
		case KindConsistency:
			return http.StatusUnprocessableEntity
		}
	}

	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError maps a transition failure onto a JSON error response.
func HTTPError(err error) *echo.HTTPError {
	status := httpStatus(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}

	return echo.NewHTTPError(status, ErrorResponse{
		Error:   errorCode(err),
		Message: message,
	})
}
