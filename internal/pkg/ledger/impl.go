package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/wager/internal/pkg/common"
	"github.com/zeebo/blake3"
	"go.etcd.io/bbolt"
)

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrAlreadyExists          = errors.New("account already exists")
	ErrAccountNotFound        = errors.New("account not found")
	ErrBalanceOverflow        = errors.New("balance overflow")
	ErrBalancesBucketNotFound = errors.New("balances bucket doesn't exist")
	ErrSlotsBucketNotFound    = errors.New("slots bucket doesn't exist")
)

// DeriveAddress maps (context, material) to an address nobody holds a key for.
// Distinct contexts never collide for the same material.
func DeriveAddress(context string, material []byte) Address {
	var a Address

	blake3.DeriveKey("wager "+context, material, a[:])

	return a
}

func balances(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(common.LedgerBalancesBucket))
	if b == nil {
		return nil, ErrBalancesBucketNotFound
	}

	return b, nil
}

func slots(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(common.LedgerSlotsBucket))
	if b == nil {
		return nil, ErrSlotsBucketNotFound
	}

	return b, nil
}

func BalanceOf(tx *bbolt.Tx, addr Address) (uint64, error) {
	b, err := balances(tx)
	if err != nil {
		return 0, err
	}

	return common.BytesToUint64(b.Get(addr[:]), 0), nil
}

func setBalance(b *bbolt.Bucket, addr Address, amount uint64) error {
	if amount == 0 {
		//nolint:wrapcheck
		return b.Delete(addr[:])
	}

	//nolint:wrapcheck
	return b.Put(addr[:], common.Uint64ToBytes(amount))
}

// Credit mints amount into addr. Only the faucet and tests mint value.
func Credit(tx *bbolt.Tx, addr Address, amount uint64) error {
	b, err := balances(tx)
	if err != nil {
		return err
	}

	current := common.BytesToUint64(b.Get(addr[:]), 0)
	if current > math.MaxUint64-amount {
		return fmt.Errorf("%w: crediting %d to %s", ErrBalanceOverflow, amount, addr)
	}

	return setBalance(b, addr, current+amount)
}

// Transfer moves amount from one address to another within tx. A short
// balance fails the whole enclosing transaction.
func Transfer(tx *bbolt.Tx, from, to Address, amount uint64) error {
	b, err := balances(tx)
	if err != nil {
		return err
	}

	if amount == 0 || from == to {
		return nil
	}

	fromBalance := common.BytesToUint64(b.Get(from[:]), 0)
	if fromBalance < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from, fromBalance, amount)
	}

	toBalance := common.BytesToUint64(b.Get(to[:]), 0)
	if toBalance > math.MaxUint64-amount {
		return fmt.Errorf("%w: crediting %d to %s", ErrBalanceOverflow, amount, to)
	}

	err = setBalance(b, from, fromBalance-amount)
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", from, err)
	}

	err = setBalance(b, to, toBalance+amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", to, err)
	}

	return nil
}

// Sweep closes addr, moving whatever it still holds to recipient.
func Sweep(tx *bbolt.Tx, addr, recipient Address) (uint64, error) {
	remaining, err := BalanceOf(tx, addr)
	if err != nil {
		return 0, err
	}

	err = Transfer(tx, addr, recipient, remaining)
	if err != nil {
		return 0, err
	}

	return remaining, nil
}

// Allocate stores data in a fresh slot. An occupied slot fails with ErrAlreadyExists.
func Allocate(tx *bbolt.Tx, slot Address, data []byte) error {
	b, err := slots(tx)
	if err != nil {
		return err
	}

	if b.Get(slot[:]) != nil {
		return fmt.Errorf("%w: slot %s", ErrAlreadyExists, slot)
	}

	//nolint:wrapcheck
	return b.Put(slot[:], data)
}

// Load returns a copy of the slot contents.
func Load(tx *bbolt.Tx, slot Address) ([]byte, error) {
	b, err := slots(tx)
	if err != nil {
		return nil, err
	}

	data := b.Get(slot[:])
	if data == nil {
		return nil, fmt.Errorf("%w: slot %s", ErrAccountNotFound, slot)
	}

	return append([]byte(nil), data...), nil
}

func Store(tx *bbolt.Tx, slot Address, data []byte) error {
	b, err := slots(tx)
	if err != nil {
		return err
	}

	if b.Get(slot[:]) == nil {
		return fmt.Errorf("%w: slot %s", ErrAccountNotFound, slot)
	}

	//nolint:wrapcheck
	return b.Put(slot[:], data)
}

func Release(tx *bbolt.Tx, slot Address) error {
	b, err := slots(tx)
	if err != nil {
		return err
	}

	//nolint:wrapcheck
	return b.Delete(slot[:])
}

type LedgerService struct {
	DatabaseService *common.DatabaseService
	Logger          *slog.Logger

	Faucet bool
}

func NewLedgerService(i do.Injector) (*LedgerService, error) {
	databaseService := do.MustInvoke[*common.DatabaseService](i)
	logger := do.MustInvoke[*slog.Logger](i)
	faucet := do.MustInvokeNamed[bool](i, "faucet")

	result := &LedgerService{
		DatabaseService: databaseService,
		Logger:          logger,
		Faucet:          faucet,
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Register)

	return result, nil
}

func (s *LedgerService) Register(e *echo.Echo) {
	ledgerGroup := e.Group("/api/ledger")

	ledgerGroup.GET("/:address", s.GetBalance)

	if s.Faucet {
		ledgerGroup.POST("/:address/fund", s.PostFund)
	}
}

func (s *LedgerService) Balance(addr Address) (uint64, error) {
	var amount uint64

	err := s.DatabaseService.DB.View(func(tx *bbolt.Tx) error {
		var err error

		amount, err = BalanceOf(tx, addr)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	return amount, nil
}

func (s *LedgerService) Fund(addr Address, amount uint64) (uint64, error) {
	var amountAfter uint64

	err := s.DatabaseService.DB.Update(func(tx *bbolt.Tx) error {
		err := Credit(tx, addr, amount)
		if err != nil {
			return err
		}

		amountAfter, err = BalanceOf(tx, addr)

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fund account: %w", err)
	}

	s.Logger.Info("account funded", slog.String("address", addr.String()), slog.Uint64("amount", amount))

	return amountAfter, nil
}

func (s *LedgerService) GetBalance(c echo.Context) error {
	addr, err := ParseAddress(c.Param("address"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid address")
	}

	amount, err := s.Balance(addr)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read balance")
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, Balance{Address: addr, Amount: amount})
}

func (s *LedgerService) PostFund(c echo.Context) error {
	addr, err := ParseAddress(c.Param("address"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid address")
	}

	var request FundRequest

	err = c.Bind(&request)
	if err != nil || request.Amount == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	amount, err := s.Fund(addr, request.Amount)
	if errors.Is(err, ErrBalanceOverflow) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "balance overflow")
	}

	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fund account")
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, Balance{Address: addr, Amount: amount})
}
