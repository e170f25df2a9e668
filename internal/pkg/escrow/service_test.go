package escrow_test

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/wager/internal/pkg/auth"
	"github.com/vreid/wager/internal/pkg/escrow"
	"github.com/vreid/wager/internal/pkg/ledger"
	"go.etcd.io/bbolt"
)

type player struct {
	key  ed25519.PrivateKey
	addr ledger.Address
}

func newPlayer(t *testing.T, f *fixture, amount uint64) player {
	t.Helper()

	key, addr, err := auth.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, f.db.DB.Update(func(tx *bbolt.Tx) error {
		return ledger.Credit(tx, addr, amount)
	}))

	return player{key: key, addr: addr}
}

func newServer(f *fixture) *echo.Echo {
	service := &escrow.EscrowService{
		Engine:   f.engine,
		Verifier: &auth.Verifier{Audience: "wager", MaxAge: time.Minute},
	}

	e := echo.New()
	service.Register(e)

	return e
}

func call(t *testing.T, e *echo.Echo, method, target string, as *player, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if len(body) > 0 {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	if as != nil {
		token, err := auth.IssueToken(as.key, "wager", time.Minute, time.Now())
		require.NoError(t, err)

		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) escrow.ErrorResponse {
	t.Helper()

	var response escrow.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	return response
}

func TestServiceResolveFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, escrow.DefaultParams())
	e := newServer(f)

	host := newPlayer(t, f, funding)
	challenger := newPlayer(t, f, funding)
	id := escrow.MatchIDFromRoomCode("ROOM42")
	matchPath := "/api/matches/" + id.String()

	rec := call(t, e, http.MethodPost, "/api/matches", nil, `{"room_code":"ROOM42","stake_amount":50000000}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(t, e, http.MethodPost, "/api/matches", &host, `{"room_code":"ROOM42","stake_amount":50000000}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"match_id":"`+id.String()+`","host":"`+host.addr.String()+`","stake_amount":50000000}`, rec.Body.String())

	rec = call(t, e, http.MethodGet, matchPath, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info escrow.MatchInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, escrow.StatusWaitingForChallenger, info.Status)
	assert.Equal(t, uint64(stake), info.EscrowBalance)
	assert.True(t, info.Challenger.IsZero())

	rec = call(t, e, http.MethodHead, matchPath, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = call(t, e, http.MethodPost, matchPath+"/join", &host, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CannotPlaySelf", decodeError(t, rec).Error)

	rec = call(t, e, http.MethodPost, matchPath+"/join", &challenger, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, e, http.MethodPost, matchPath+"/cancel", &host, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CannotCancelStartedMatch", decodeError(t, rec).Error)

	body := `{"winner":"` + challenger.addr.String() + `","winner_account":"` + host.addr.String() + `"}`
	rec = call(t, e, http.MethodPost, matchPath+"/resolve", &host, body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "InvalidWinner", decodeError(t, rec).Error)

	body = `{"winner":"` + challenger.addr.String() + `","winner_account":"` + challenger.addr.String() + `"}`
	rec = call(t, e, http.MethodPost, matchPath+"/resolve", &host, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var claimed escrow.RewardClaimed
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claimed))
	assert.Equal(t, uint64(97_500_000), claimed.Amount)
	assert.Equal(t, uint64(2_500_000), claimed.PlatformFee)
	assert.Equal(t, challenger.addr, claimed.Winner)

	rec = call(t, e, http.MethodGet, matchPath, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "MatchNotFound", decodeError(t, rec).Error)

	rec = call(t, e, http.MethodHead, matchPath, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(t, e, http.MethodGet, matchPath+"/events", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []struct {
		Sequence uint64          `json:"sequence"`
		Name     string          `json:"name"`
		Event    json.RawMessage `json:"event"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 3)
	assert.Equal(t, escrow.EventRewardClaimed, records[2].Name)
}

func TestServiceStakeAndFunds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, escrow.DefaultParams())
	e := newServer(f)

	poor := newPlayer(t, f, 1)
	id := newMatchID(t)

	rec := call(t, e, http.MethodPost, "/api/matches", &poor, `{"match_id":"`+id.String()+`","stake_amount":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "StakeTooLow", decodeError(t, rec).Error)

	rec = call(t, e, http.MethodPost, "/api/matches", &poor, `{"match_id":"`+id.String()+`","stake_amount":50000000}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "InsufficientFunds", decodeError(t, rec).Error)

	rec = call(t, e, http.MethodPost, "/api/matches", &poor, `{"stake_amount":50000000}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(t, e, http.MethodPost, "/api/matches/xyz/join", &poor, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServiceDrawAndTwoStep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, escrow.DefaultParams())
	e := newServer(f)

	host := newPlayer(t, f, funding)
	challenger := newPlayer(t, f, funding)

	for _, code := range []string{"DRAW01", "LEGACY"} {
		rec := call(t, e, http.MethodPost, "/api/matches", &host, `{"room_code":"`+code+`","stake_amount":50000000}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = call(t, e, http.MethodPost, "/api/matches/"+escrow.MatchIDFromRoomCode(code).String()+"/join", &challenger, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	drawPath := "/api/matches/" + escrow.MatchIDFromRoomCode("DRAW01").String()

	rec := call(t, e, http.MethodPost, drawPath+"/draw", &challenger, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"match_id":"`+escrow.MatchIDFromRoomCode("DRAW01").String()+`","refund_amount":50000000}`, rec.Body.String())

	legacyPath := "/api/matches/" + escrow.MatchIDFromRoomCode("LEGACY").String()

	rec = call(t, e, http.MethodPost, legacyPath+"/declare", &challenger, `{"winner":"`+host.addr.String()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(t, e, http.MethodPost, legacyPath+"/claim", &challenger, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NotWinner", decodeError(t, rec).Error)

	rec = call(t, e, http.MethodPost, legacyPath+"/claim", &host, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, uint64(funding-stake+97_500_000), f.balance(t, host.addr))
	assert.Equal(t, uint64(funding-stake), f.balance(t, challenger.addr))
	assert.Equal(t, uint64(2_500_000), f.balance(t, f.treasury))

	rec = call(t, e, http.MethodGet, "/api/events?after=4&limit=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []struct {
		Sequence uint64 `json:"sequence"`
		Name     string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 3)
	assert.Equal(t, uint64(5), records[0].Sequence)
	assert.Equal(t, escrow.EventMatchDraw, records[0].Name)
	assert.Equal(t, escrow.EventWinnerDeclared, records[1].Name)
	assert.Equal(t, escrow.EventRewardClaimed, records[2].Name)

	rec = call(t, e, http.MethodGet, "/api/events?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
