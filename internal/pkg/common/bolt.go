package common

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/samber/do/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	LedgerBalancesBucket  = "ledger:balances"
	LedgerSlotsBucket     = "ledger:slots"
	EscrowEventsBucket    = "escrow:events"
	JournalTalliesBucket  = "journal:tallies"
	JournalPairingsBucket = "journal:pairings"
	JournalCursorBucket   = "journal:cursor"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("common: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("common: CBOR decoder initialization failed: " + err.Error())
	}
}

type DatabaseService struct {
	DB *bolt.DB
}

func NewDatabaseService(i do.Injector) (*DatabaseService, error) {
	dataDir := do.MustInvokeNamed[string](i, "data-dir")

	return OpenDatabase(dataDir)
}

func OpenDatabase(dataDir string) (*DatabaseService, error) {
	err := os.MkdirAll(dataDir, 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create database path: %w", err)
	}

	dbPath := path.Join(dataDir, "wager.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{
			LedgerBalancesBucket,
			LedgerSlotsBucket,
			EscrowEventsBucket,
			JournalTalliesBucket,
			JournalPairingsBucket,
			JournalCursorBucket,
		} {
			_, err := tx.CreateBucketIfNotExists([]byte(bucket))
			if err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to initialize database buckets: %w", err)
	}

	return &DatabaseService{
		DB: db,
	}, nil
}

func (s *DatabaseService) Shutdown() error {
	//nolint:wrapcheck
	return s.DB.Close()
}

// Marshal encodes v as Core Deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	//nolint:wrapcheck
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	//nolint:wrapcheck
	return decMode.Unmarshal(data, v)
}

func Uint64ToBytes(u uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)

	return buf
}

func BytesToUint64(b []byte, _default uint64) uint64 {
	if len(b) != 8 {
		return _default
	}

	return binary.BigEndian.Uint64(b)
}
