package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tech-arch1tect/otpauth/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrDuplicate   = errors.New("duplicate record")
	ErrUnavailable = errors.New("store unavailable")
)

var Module = fx.Options(
	fx.Provide(ProvideStore),
)

type Store struct {
	conn
}

// conn is the handle shared by the per-aggregate stores.
type conn struct {
	db      *gorm.DB
	timeout time.Duration
}

// scope binds ctx to the handle, bounded by the query timeout when one is set.
func (c conn) scope(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if c.timeout <= 0 {
		return c.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return c.db.WithContext(ctx), cancel
}

func New(db *gorm.DB) *Store {
	return &Store{conn: conn{db: db}}
}

func ProvideStore(cfg *config.Config, db *gorm.DB) *Store {
	return New(db).WithQueryTimeout(cfg.Database.QueryTimeout)
}

// WithQueryTimeout returns a Store whose single statements, and whole
// transactions, fail with ErrUnavailable once d has elapsed.
func (s *Store) WithQueryTimeout(d time.Duration) *Store {
	return &Store{conn: conn{db: s.db, timeout: d}}
}

func (s *Store) DB() *gorm.DB { return s.db }

// WithTx runs fn inside a transaction. Stores obtained from tx share it; the
// outer Store must not be used inside fn.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	db, cancel := s.scope(ctx)
	defer cancel()

	var fnErr error
	err := db.Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&Store{conn: conn{db: tx, timeout: s.timeout}})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return translate(err)
}

func (s *Store) Accounts() *AccountStore { return &AccountStore{s.conn} }

func (s *Store) Verifications() *VerificationStore { return &VerificationStore{s.conn} }

func (s *Store) Outbox() *OutboxStore { return &OutboxStore{s.conn} }

// translate maps driver errors onto the store's error classes. Anything that
// is not a lookup miss or a constraint violation is treated as the backend
// being unavailable.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
