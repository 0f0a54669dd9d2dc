package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tech-arch1tect/otpauth/cache"
	"github.com/tech-arch1tect/otpauth/queue"
	"github.com/tech-arch1tect/otpauth/services/jwt"
	"github.com/tech-arch1tect/otpauth/services/notification"
	"github.com/tech-arch1tect/otpauth/services/outbox"
	"github.com/tech-arch1tect/otpauth/services/password"
	"github.com/tech-arch1tect/otpauth/store"
	"github.com/tech-arch1tect/otpauth/testutils"
	"gorm.io/gorm"
)

type fixedCode string

func (c fixedCode) Generate() (string, error) { return string(c), nil }

func (c fixedCode) ValidFormat(code string) bool {
	if len(code) != len(c) {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type brokenCache struct{}

func (brokenCache) SetWithTTL(context.Context, string, string, time.Duration) error {
	return cache.ErrUnavailable
}

func (brokenCache) Get(context.Context, string) (string, bool, error) {
	return "", false, fmt.Errorf("%w: connection refused", cache.ErrUnavailable)
}

func (brokenCache) Delete(context.Context, string) error { return cache.ErrUnavailable }

type fixture struct {
	svc    *Service
	store  *store.Store
	db     *gorm.DB
	cache  *cache.MemoryCache
	broker *queue.Memory
	tokens *jwt.Service

	mu    sync.Mutex
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := testutils.GetTestConfig()
	db := testutils.SetupTestDB(t)
	st := store.New(db)

	mem := cache.NewMemoryCache()
	t.Cleanup(mem.Close)

	broker := queue.NewMemory(queue.Topology{
		Exchange: cfg.Queue.Exchange,
		Bindings: map[string]string{cfg.Queue.RoutingKey: cfg.Queue.Queue},
	})
	t.Cleanup(func() { _ = broker.Close() })

	tokens := jwt.NewService(cfg, nil)
	dispatcher := outbox.NewDispatcher(outbox.Config{BatchSize: 10}, st, broker, nil, nil)

	f := &fixture{
		store:  st,
		db:     db,
		cache:  mem,
		broker: broker,
		tokens: tokens,
		clock:  time.Now(),
	}
	f.svc = NewService(cfg, st, mem, password.NewBcrypt(cfg.Auth.BcryptCost), tokens, fixedCode("123456"), dispatcher, nil, nil)
	f.svc.now = f.now
	return f
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

func john() RegisterRequest {
	return RegisterRequest{
		Name:     testutils.TestAccounts.John.Name,
		Email:    testutils.TestAccounts.John.Email,
		Password: testutils.TestAccounts.John.Password,
		Age:      testutils.TestAccounts.John.Age,
	}
}

func (f *fixture) register(t *testing.T) {
	t.Helper()
	_, err := f.svc.Register(context.Background(), john())
	require.NoError(t, err)
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("creates inactive account with pending verification", func(t *testing.T) {
		f := newFixture(t)

		resp, err := f.svc.Register(ctx, john())
		require.NoError(t, err)
		assert.Equal(t, MessageRegistered, resp.Message)
		assert.Empty(t, resp.Token)
		assert.Nil(t, resp.User)

		account, err := f.store.Accounts().FindByEmail(ctx, "j@x.com")
		require.NoError(t, err)
		assert.False(t, account.Active)
		assert.NotEqual(t, "pw123", account.PasswordHash)

		records, err := f.store.Verifications().ListByAccount(ctx, account.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "123456", records[0].Code)
		assert.False(t, records[0].Verified)
		assert.WithinDuration(t, f.now().Add(5*time.Minute), records[0].ExpiresAt, time.Second)

		code, ok, err := f.cache.Get(ctx, "j@x.com")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "123456", code)
	})

	t.Run("publishes the notification after commit", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		assert.Equal(t, 1, f.broker.Depth("otp.queue"))

		pending, err := f.store.Outbox().CountPending(ctx)
		require.NoError(t, err)
		assert.Zero(t, pending)
	})

	t.Run("notification carries email code and display name", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		received := make(chan notification.Event, 1)
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			_ = f.broker.Subscribe(subCtx, "otp.queue", func(_ context.Context, msg queue.Message) error {
				e, err := notification.DecodeEvent(msg.Body)
				if err == nil {
					received <- e
				}
				return nil
			})
		}()

		select {
		case e := <-received:
			assert.Equal(t, notification.Event{Email: "j@x.com", Code: "123456", DisplayName: "John"}, e)
		case <-time.After(2 * time.Second):
			t.Fatal("no notification received")
		}
	})

	t.Run("duplicate email is rejected without mutation", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		_, err := f.svc.Register(ctx, john())
		assert.ErrorIs(t, err, ErrDuplicateAccount)

		assert.Equal(t, int64(1), testutils.CountRows(t, f.db, &store.Account{}))
		assert.Equal(t, int64(1), testutils.CountRows(t, f.db, &store.VerificationRecord{}))
		assert.Equal(t, int64(1), testutils.CountRows(t, f.db, &store.OutboxMessage{}))
	})

	t.Run("concurrent registrations produce one account", func(t *testing.T) {
		f := newFixture(t)

		const n = 5
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.svc.Register(ctx, john())
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrDuplicateAccount)
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, int64(1), testutils.CountRows(t, f.db, &store.Account{}))
		assert.Equal(t, int64(1), testutils.CountRows(t, f.db, &store.VerificationRecord{}))
	})

	t.Run("invalid input", func(t *testing.T) {
		f := newFixture(t)

		cases := map[string]RegisterRequest{
			"missing name":     {Email: "a@x.com", Password: "pw"},
			"malformed email":  {Name: "A", Email: "not-an-email", Password: "pw"},
			"missing password": {Name: "A", Email: "a@x.com"},
			"negative age":     {Name: "A", Email: "a@x.com", Password: "pw", Age: -1},
		}
		for name, req := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := f.svc.Register(ctx, req)
				assert.ErrorIs(t, err, ErrValidation)
			})
		}
		assert.Zero(t, testutils.CountRows(t, f.db, &store.Account{}))
	})

	t.Run("publish failure leaves the row in the outbox", func(t *testing.T) {
		f := newFixture(t)
		pub := &testutils.MockPublisher{}
		pub.On("Publish", mock.Anything, "otp.send", mock.Anything).Return(errors.New("broker down"))
		f.svc.dispatcher = outbox.NewDispatcher(outbox.Config{}, f.store, pub, nil, nil)

		resp, err := f.svc.Register(ctx, john())
		require.NoError(t, err)
		assert.Equal(t, MessageRegistered, resp.Message)

		pending, err := f.store.Outbox().CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending)
	})

	t.Run("without a dispatcher the row waits for the drain", func(t *testing.T) {
		f := newFixture(t)
		f.svc.dispatcher = nil
		f.register(t)

		assert.Zero(t, f.broker.Depth("otp.queue"))
		pending, err := f.store.Outbox().CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending)
	})

	t.Run("cache outage does not fail registration", func(t *testing.T) {
		f := newFixture(t)
		f.svc.cache = brokenCache{}

		_, err := f.svc.Register(ctx, john())
		assert.NoError(t, err)
	})

	t.Run("database outage is store unavailable", func(t *testing.T) {
		f := newFixture(t)
		sqlDB, err := f.db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())

		_, err = f.svc.Register(ctx, john())
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.ErrorIs(t, err, store.ErrUnavailable)
	})
}

func TestService_VerifyOTP(t *testing.T) {
	ctx := context.Background()
	verify := VerifyRequest{Email: "j@x.com", Code: "123456"}

	t.Run("activates the account exactly once", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		resp, err := f.svc.VerifyOTP(ctx, verify)
		require.NoError(t, err)
		assert.Equal(t, MessageVerified, resp.Message)

		account, err := f.store.Accounts().FindByEmail(ctx, "j@x.com")
		require.NoError(t, err)
		assert.True(t, account.Active)

		records, err := f.store.Verifications().ListByAccount(ctx, account.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.True(t, records[0].Verified)
		assert.NotNil(t, records[0].VerifiedAt)

		_, ok, err := f.cache.Get(ctx, "j@x.com")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = f.svc.VerifyOTP(ctx, verify)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)
	})

	t.Run("replay with the code back in cache is invalid otp", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		_, err := f.svc.VerifyOTP(ctx, verify)
		require.NoError(t, err)

		require.NoError(t, f.cache.SetWithTTL(ctx, "j@x.com", "123456", time.Minute))

		_, err = f.svc.VerifyOTP(ctx, verify)
		assert.ErrorIs(t, err, ErrInvalidOTP)
	})

	t.Run("unknown account", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.VerifyOTP(ctx, VerifyRequest{Email: "nobody@x.com", Code: "123456"})
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("wrong code", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		_, err := f.svc.VerifyOTP(ctx, VerifyRequest{Email: "j@x.com", Code: "654321"})
		assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)

		account, err := f.store.Accounts().FindByEmail(ctx, "j@x.com")
		require.NoError(t, err)
		assert.False(t, account.Active)
	})

	t.Run("cache miss", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		require.NoError(t, f.cache.Delete(ctx, "j@x.com"))

		_, err := f.svc.VerifyOTP(ctx, verify)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)
	})

	t.Run("expired record wins over a resident cache entry", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		f.advance(6 * time.Minute)

		_, err := f.svc.VerifyOTP(ctx, verify)
		assert.ErrorIs(t, err, ErrOTPExpired)

		account, err := f.store.Accounts().FindByEmail(ctx, "j@x.com")
		require.NoError(t, err)
		assert.False(t, account.Active)
	})

	t.Run("cache match without durable record", func(t *testing.T) {
		f := newFixture(t)
		account := &store.Account{Name: "A", Email: "a@x.com", PasswordHash: "hash"}
		require.NoError(t, f.store.Accounts().Create(ctx, account))
		require.NoError(t, f.cache.SetWithTTL(ctx, "a@x.com", "999999", time.Minute))

		_, err := f.svc.VerifyOTP(ctx, VerifyRequest{Email: "a@x.com", Code: "999999"})
		assert.ErrorIs(t, err, ErrInvalidOTP)

		reloaded, err := f.store.Accounts().FindByEmail(ctx, "a@x.com")
		require.NoError(t, err)
		assert.False(t, reloaded.Active)
	})

	t.Run("cache outage is not an otp error", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		f.svc.cache = brokenCache{}

		_, err := f.svc.VerifyOTP(ctx, verify)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.ErrorIs(t, err, cache.ErrUnavailable)
		assert.NotErrorIs(t, err, ErrInvalidOrExpiredOTP)
	})

	t.Run("malformed code is rejected before the cache", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		f.svc.cache = brokenCache{}

		for _, code := range []string{"12a456", "1234567", "12345"} {
			_, err := f.svc.VerifyOTP(ctx, VerifyRequest{Email: "j@x.com", Code: code})
			assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP, code)
		}

		account, err := f.store.Accounts().FindByEmail(ctx, "j@x.com")
		require.NoError(t, err)
		assert.False(t, account.Active)
	})

	t.Run("concurrent verifications succeed once", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		const n = 5
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.svc.VerifyOTP(ctx, verify)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, errors.Is(err, ErrInvalidOTP) || errors.Is(err, ErrInvalidOrExpiredOTP), err)
		}
		assert.Equal(t, 1, succeeded)
	})

	t.Run("missing code is a validation error", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.VerifyOTP(ctx, VerifyRequest{Email: "j@x.com"})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()
	login := LoginRequest{Email: "j@x.com", Password: "pw123"}

	t.Run("inactive account with correct password", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)

		_, err := f.svc.Login(ctx, login)
		assert.ErrorIs(t, err, ErrAccountNotActivated)
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		_, err := f.svc.VerifyOTP(ctx, VerifyRequest{Email: "j@x.com", Code: "123456"})
		require.NoError(t, err)

		_, err = f.svc.Login(ctx, LoginRequest{Email: "j@x.com", Password: "wrong"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown email looks like a bad password", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Login(ctx, LoginRequest{Email: "nobody@x.com", Password: "pw123"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Equal(t, "invalid credentials", err.Error())
	})

	t.Run("active account gets a token and profile", func(t *testing.T) {
		f := newFixture(t)
		f.register(t)
		_, err := f.svc.VerifyOTP(ctx, VerifyRequest{Email: "j@x.com", Code: "123456"})
		require.NoError(t, err)

		resp, err := f.svc.Login(ctx, login)
		require.NoError(t, err)
		assert.Equal(t, MessageLoggedIn, resp.Message)
		require.NotNil(t, resp.User)
		assert.True(t, resp.User.Active)
		assert.Equal(t, "John", resp.User.Name)
		assert.Equal(t, 25, resp.User.Age)

		claims, err := f.tokens.ValidateToken(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, "j@x.com", claims.Subject)
		assert.Equal(t, resp.User.ID, claims.AccountID)
	})
}

func TestService_GetProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t)

	profile, err := f.svc.GetProfile(ctx, "j@x.com")
	require.NoError(t, err)
	assert.Equal(t, "John", profile.Name)
	assert.False(t, profile.Active)

	_, err = f.svc.GetProfile(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestService_CleanupExpiredVerifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t)

	account, err := f.store.Accounts().FindByEmail(ctx, "j@x.com")
	require.NoError(t, err)
	verified := &store.VerificationRecord{AccountID: account.ID, Code: "111111", ExpiresAt: f.now().Add(-time.Hour)}
	require.NoError(t, f.store.Verifications().Create(ctx, verified))
	require.NoError(t, f.store.Verifications().MarkVerified(ctx, verified.ID, f.now()))

	deleted, err := f.svc.CleanupExpiredVerifications(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	f.advance(10 * time.Minute)
	deleted, err = f.svc.CleanupExpiredVerifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := f.store.Verifications().ListByAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "111111", records[0].Code)
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t)
	f.advance(10 * time.Minute)

	sw := NewSweeper(f.svc, 10*time.Millisecond)
	sw.Start()

	assert.Eventually(t, func() bool {
		var count int64
		f.db.Model(&store.VerificationRecord{}).Count(&count)
		return count == 0
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, sw.Stop(stopCtx))
	assert.NoError(t, sw.Stop(stopCtx))

	NewSweeper(f.svc, 0).Start()
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, RegisterRequest{Name: "John", Email: "j@x.com", Password: "pw123", Age: 25})
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, LoginRequest{Email: "j@x.com", Password: "pw123"})
	require.ErrorIs(t, err, ErrAccountNotActivated)

	f.advance(4 * time.Minute)
	_, err = f.svc.VerifyOTP(ctx, VerifyRequest{Email: "j@x.com", Code: "123456"})
	require.NoError(t, err)

	resp, err := f.svc.Login(ctx, LoginRequest{Email: "j@x.com", Password: "pw123"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	assert.True(t, resp.User.Active)
	assert.Equal(t, "j@x.com", resp.User.Email)
}
