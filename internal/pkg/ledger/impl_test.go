package ledger_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/vreid/wager/internal/pkg/ledger"
	"go.etcd.io/bbolt"
)

func openDatabase(t *testing.T) *common.DatabaseService {
	t.Helper()

	databaseService, err := common.OpenDatabase(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = databaseService.Shutdown()
	})

	return databaseService
}

func newAddress(t *testing.T) ledger.Address {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	addr, err := ledger.AddressFromPublicKey(pub)
	require.NoError(t, err)

	return addr
}

func TestDeriveAddress(t *testing.T) {
	t.Parallel()

	id := []byte("room-1")

	assert.Equal(t, ledger.DeriveAddress("escrow", id), ledger.DeriveAddress("escrow", id))
	assert.NotEqual(t, ledger.DeriveAddress("escrow", id), ledger.DeriveAddress("match", id))
	assert.NotEqual(t, ledger.DeriveAddress("escrow", id), ledger.DeriveAddress("escrow", []byte("room-2")))
	assert.False(t, ledger.DeriveAddress("escrow", id).IsZero())
}

func TestParseAddress(t *testing.T) {
	t.Parallel()

	addr := newAddress(t)

	parsed, err := ledger.ParseAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)

	_, err = ledger.ParseAddress("abcd")
	require.ErrorIs(t, err, ledger.ErrInvalidAddress)

	_, err = ledger.ParseAddress(strings.Repeat("zz", 32))
	require.ErrorIs(t, err, ledger.ErrInvalidAddress)

	text, err := ledger.Address{}.MarshalText()
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestVerifyingKey(t *testing.T) {
	t.Parallel()

	addr := newAddress(t)

	key, err := addr.VerifyingKey()
	require.NoError(t, err)
	assert.Equal(t, addr.PublicKey(), key)

	identity := ledger.Address{1}

	_, err = identity.VerifyingKey()
	require.ErrorIs(t, err, ledger.ErrWeakPublicKey)

	// y = 0 decodes to a point of order 4.
	_, err = ledger.Address{}.VerifyingKey()
	require.ErrorIs(t, err, ledger.ErrWeakPublicKey)

	// y = 2^255 - 18 is a non-canonical encoding of y = 1.
	nonCanonical := ledger.Address{0xee}
	for i := 1; i < 31; i++ {
		nonCanonical[i] = 0xff
	}
	nonCanonical[31] = 0x7f

	_, err = nonCanonical.VerifyingKey()
	require.ErrorIs(t, err, ledger.ErrWeakPublicKey)
}

func TestTransfer(t *testing.T) {
	t.Parallel()

	databaseService := openDatabase(t)
	alice := newAddress(t)
	bob := newAddress(t)

	err := databaseService.DB.Update(func(tx *bbolt.Tx) error {
		require.NoError(t, ledger.Credit(tx, alice, 100))
		require.NoError(t, ledger.Transfer(tx, alice, bob, 60))

		err := ledger.Transfer(tx, alice, bob, 41)
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

		aliceBalance, err := ledger.BalanceOf(tx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(40), aliceBalance)

		bobBalance, err := ledger.BalanceOf(tx, bob)
		require.NoError(t, err)
		assert.Equal(t, uint64(60), bobBalance)

		return nil
	})
	require.NoError(t, err)
}

func TestFailedUpdateRollsBack(t *testing.T) {
	t.Parallel()

	databaseService := openDatabase(t)
	alice := newAddress(t)
	bob := newAddress(t)

	require.NoError(t, databaseService.DB.Update(func(tx *bbolt.Tx) error {
		return ledger.Credit(tx, alice, 10)
	}))

	err := databaseService.DB.Update(func(tx *bbolt.Tx) error {
		err := ledger.Transfer(tx, alice, bob, 10)
		if err != nil {
			return err
		}

		return ledger.Transfer(tx, bob, alice, 11)
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	ledgerService := &ledger.LedgerService{DatabaseService: databaseService}

	aliceBalance, err := ledgerService.Balance(alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), aliceBalance)

	bobBalance, err := ledgerService.Balance(bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bobBalance)
}

func TestSweep(t *testing.T) {
	t.Parallel()

	databaseService := openDatabase(t)
	vault := ledger.DeriveAddress("escrow", []byte("m"))
	recipient := newAddress(t)

	err := databaseService.DB.Update(func(tx *bbolt.Tx) error {
		require.NoError(t, ledger.Credit(tx, vault, 7))

		swept, err := ledger.Sweep(tx, vault, recipient)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), swept)

		remaining, err := ledger.BalanceOf(tx, vault)
		require.NoError(t, err)
		assert.Zero(t, remaining)

		return nil
	})
	require.NoError(t, err)
}

func TestSlots(t *testing.T) {
	t.Parallel()

	databaseService := openDatabase(t)
	slot := ledger.DeriveAddress("match", []byte("m"))

	err := databaseService.DB.Update(func(tx *bbolt.Tx) error {
		_, err := ledger.Load(tx, slot)
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
		require.ErrorIs(t, ledger.Store(tx, slot, []byte("x")), ledger.ErrAccountNotFound)

		require.NoError(t, ledger.Allocate(tx, slot, []byte("a")))
		require.ErrorIs(t, ledger.Allocate(tx, slot, []byte("b")), ledger.ErrAlreadyExists)
		require.NoError(t, ledger.Store(tx, slot, []byte("c")))

		data, err := ledger.Load(tx, slot)
		require.NoError(t, err)
		assert.Equal(t, []byte("c"), data)

		require.NoError(t, ledger.Release(tx, slot))
		require.NoError(t, ledger.Allocate(tx, slot, []byte("d")))

		return nil
	})
	require.NoError(t, err)
}

func TestFundEndpoint(t *testing.T) {
	t.Parallel()

	ledgerService := &ledger.LedgerService{
		DatabaseService: openDatabase(t),
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Faucet:          true,
	}

	e := echo.New()
	ledgerService.Register(e)

	addr := newAddress(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ledger/"+addr.String()+"/fund", strings.NewReader(`{"amount": 500}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"address":"`+addr.String()+`","amount":500}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/ledger/"+addr.String(), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"address":"`+addr.String()+`","amount":500}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/ledger/nope", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFaucetDisabled(t *testing.T) {
	t.Parallel()

	ledgerService := &ledger.LedgerService{
		DatabaseService: openDatabase(t),
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	e := echo.New()
	ledgerService.Register(e)

	req := httptest.NewRequest(http.MethodPost, "/api/ledger/"+newAddress(t).String()+"/fund", strings.NewReader(`{"amount": 1}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusOK, rec.Code)
}
