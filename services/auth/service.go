package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tech-arch1tect/otpauth/cache"
	"github.com/tech-arch1tect/otpauth/config"
	"github.com/tech-arch1tect/otpauth/metrics"
	"github.com/tech-arch1tect/otpauth/services/logging"
	"github.com/tech-arch1tect/otpauth/services/notification"
	"github.com/tech-arch1tect/otpauth/services/password"
	"github.com/tech-arch1tect/otpauth/store"
	"go.uber.org/zap"
)

type CodeGenerator interface {
	Generate() (string, error)
	ValidFormat(code string) bool
}

type TokenIssuer interface {
	Issue(subject string, accountID uint) (string, error)
}

// Dispatcher hands a committed outbox row to the notification channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *store.OutboxMessage) error
}

type Service struct {
	config     *config.Config
	store      *store.Store
	cache      cache.Cache
	hasher     password.Hasher
	tokens     TokenIssuer
	codes      CodeGenerator
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *logging.Service
	now        func() time.Time
}

// NewService wires the orchestrator. A nil dispatcher leaves outbox rows for
// the background drain.
func NewService(
	cfg *config.Config,
	st *store.Store,
	c cache.Cache,
	hasher password.Hasher,
	tokens TokenIssuer,
	codes CodeGenerator,
	dispatcher Dispatcher,
	m *metrics.Metrics,
	logger *logging.Service,
) *Service {
	return &Service{
		config:     cfg,
		store:      st,
		cache:      c,
		hasher:     hasher,
		tokens:     tokens,
		codes:      codes,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.Named("auth"),
		now:        time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Response, error) {
	if err := validateRequest(req); err != nil {
		s.metrics.Registration("invalid")
		return nil, err
	}

	logger := s.logger.With(zap.String("email", req.Email))
	logger.Debug("registering account")

	exists, err := s.store.Accounts().ExistsByEmail(ctx, req.Email)
	if err != nil {
		s.metrics.Registration("error")
		logger.Error("failed to check existing account", zap.Error(err))
		return nil, unavailable(err)
	}
	if exists {
		s.metrics.Registration("duplicate")
		logger.Info("registration rejected: email already registered")
		return nil, ErrDuplicateAccount
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		s.metrics.Registration("error")
		return nil, err
	}

	code, err := s.codes.Generate()
	if err != nil {
		s.metrics.Registration("error")
		logger.Error("failed to generate otp", zap.Error(err))
		return nil, err
	}

	payload, err := notification.Event{Email: req.Email, Code: code, DisplayName: req.Name}.Encode()
	if err != nil {
		s.metrics.Registration("error")
		return nil, fmt.Errorf("failed to encode notification: %w", err)
	}

	ttl := s.config.OTP.TTL
	account := &store.Account{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Age:          req.Age,
	}
	record := &store.VerificationRecord{
		Code:      code,
		ExpiresAt: s.now().Add(ttl),
	}

	var pending *store.OutboxMessage
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Accounts().Create(ctx, account); err != nil {
			return err
		}
		record.AccountID = account.ID
		if err := tx.Verifications().Create(ctx, record); err != nil {
			return err
		}
		msg, err := tx.Outbox().Enqueue(ctx, s.config.Queue.RoutingKey, payload)
		pending = msg
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.metrics.Registration("duplicate")
			logger.Info("registration rejected by unique constraint")
			return nil, ErrDuplicateAccount
		}
		s.metrics.Registration("error")
		logger.Error("failed to persist registration", zap.Error(err))
		return nil, unavailable(err)
	}

	logger = logger.With(zap.Uint("account_id", account.ID))

	if err := s.cache.SetWithTTL(ctx, req.Email, code, ttl); err != nil {
		logger.Warn("failed to cache otp", zap.Error(err))
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, pending); err != nil {
			logger.Warn("otp notification left in outbox for retry", zap.Uint("outbox_id", pending.ID), zap.Error(err))
		}
	}

	s.metrics.Registration("success")
	logger.Info("account registered")
	return &Response{Message: MessageRegistered}, nil
}

func (s *Service) VerifyOTP(ctx context.Context, req VerifyRequest) (*Response, error) {
	if err := validateRequest(req); err != nil {
		s.metrics.Verification("invalid")
		return nil, err
	}

	logger := s.logger.With(zap.String("email", req.Email))

	account, err := s.store.Accounts().FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Verification("account_not_found")
			return nil, ErrAccountNotFound
		}
		s.metrics.Verification("error")
		logger.Error("failed to load account", zap.Error(err))
		return nil, unavailable(err)
	}
	logger = logger.With(zap.Uint("account_id", account.ID))

	if !s.codes.ValidFormat(req.Code) {
		s.metrics.Verification("invalid_or_expired")
		logger.Info("otp rejected by format")
		return nil, ErrInvalidOrExpiredOTP
	}

	cached, ok, err := s.cache.Get(ctx, req.Email)
	if err != nil {
		s.metrics.Verification("error")
		logger.Error("failed to read otp cache", zap.Error(err))
		return nil, unavailable(err)
	}
	if !ok || cached != req.Code {
		s.metrics.Verification("invalid_or_expired")
		logger.Info("otp rejected by cache", zap.Bool("cached", ok))
		return nil, ErrInvalidOrExpiredOTP
	}

	record, err := s.store.Verifications().FindUnverified(ctx, account.ID, req.Code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Verification("invalid")
			logger.Warn("cached otp has no unverified record")
			return nil, ErrInvalidOTP
		}
		s.metrics.Verification("error")
		logger.Error("failed to load verification record", zap.Error(err))
		return nil, unavailable(err)
	}

	now := s.now()
	if record.Expired(now) {
		s.metrics.Verification("expired")
		logger.Info("otp expired", zap.Time("expired_at", record.ExpiresAt))
		return nil, ErrOTPExpired
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Verifications().MarkVerified(ctx, record.ID, now); err != nil {
			return err
		}
		account.Active = true
		return tx.Accounts().Save(ctx, account)
	})
	if err != nil {
		account.Active = false
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Verification("invalid")
			logger.Info("otp consumed concurrently")
			return nil, ErrInvalidOTP
		}
		s.metrics.Verification("error")
		logger.Error("failed to activate account", zap.Error(err))
		return nil, unavailable(err)
	}

	if err := s.cache.Delete(ctx, req.Email); err != nil {
		logger.Warn("failed to evict otp from cache", zap.Error(err))
	}

	s.metrics.Verification("success")
	logger.Info("account activated")
	return &Response{Message: MessageVerified}, nil
}

// Login checks the password before the activation state, so an inactive
// account only reports AccountNotActivated to a caller holding its password.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Response, error) {
	if err := validateRequest(req); err != nil {
		s.metrics.Login("invalid")
		return nil, err
	}

	logger := s.logger.With(zap.String("email", req.Email))

	account, err := s.store.Accounts().FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.Login("invalid_credentials")
			logger.Info("login failed")
			return nil, ErrInvalidCredentials
		}
		s.metrics.Login("error")
		logger.Error("failed to load account", zap.Error(err))
		return nil, unavailable(err)
	}

	ok, err := s.hasher.Matches(req.Password, account.PasswordHash)
	if err != nil {
		logger.Error("stored password hash is unusable", zap.Uint("account_id", account.ID), zap.Error(err))
	}
	if !ok {
		s.metrics.Login("invalid_credentials")
		logger.Info("login failed")
		return nil, ErrInvalidCredentials
	}

	if !account.Active {
		s.metrics.Login("not_activated")
		logger.Info("login rejected: account not activated", zap.Uint("account_id", account.ID))
		return nil, ErrAccountNotActivated
	}

	token, err := s.tokens.Issue(account.Email, account.ID)
	if err != nil {
		s.metrics.Login("error")
		return nil, err
	}

	s.metrics.Login("success")
	logger.Info("login successful", zap.Uint("account_id", account.ID))
	return &Response{Token: token, Message: MessageLoggedIn, User: profileOf(account)}, nil
}

func (s *Service) GetProfile(ctx context.Context, email string) (*Profile, error) {
	account, err := s.store.Accounts().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		s.logger.Error("failed to load profile", zap.String("email", email), zap.Error(err))
		return nil, unavailable(err)
	}
	return profileOf(account), nil
}

// CleanupExpiredVerifications deletes unverified records whose window has
// closed. Verified records are kept as the activation trail.
func (s *Service) CleanupExpiredVerifications(ctx context.Context) (int64, error) {
	deleted, err := s.store.Verifications().DeleteExpiredBefore(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to sweep expired verification records", zap.Error(err))
		return 0, unavailable(err)
	}

	s.metrics.Swept(deleted)
	if deleted > 0 {
		s.logger.Info("swept expired verification records", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}
