package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ums-aaa/internal/models"
)

const (
	DefaultVoucherGroup  = "vouchers"
	MaxCodesPerBatch     = 500
	maxGenerateAttempts  = 5
	MinPriority          = 1
	MaxPriority          = 10
	defaultGroupDevices  = 1
	defaultPolicyProfile = "default"
)

// Config holds policy service configuration
type Config struct {
	DefaultProfile string `yaml:"default_profile"`
	DefaultGroup   string `yaml:"default_group"`
	BcryptCost     int    `yaml:"bcrypt_cost"`
}

// Service validates policy mutations before they reach the store and
// answers the lookups the AAA gateway needs.
type Service struct {
	store  Store
	logger *zap.Logger
	config Config
	now    func() time.Time
}

// New creates a new policy service
func New(store Store, logger *zap.Logger, config Config) *Service {
	if config.DefaultProfile == "" {
		config.DefaultProfile = defaultPolicyProfile
	}
	if config.DefaultGroup == "" {
		config.DefaultGroup = DefaultVoucherGroup
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}

	return &Service{
		store:  store,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// SetClock replaces the time source, for tests and replays.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// ================ MAC FILTERING ================

// UpsertMacRule validates and stores a rule. The newest rule for a MAC wins.
func (s *Service) UpsertMacRule(ctx context.Context, rule models.MacRule) (models.MacRule, error) {
	mac, err := models.NormalizeMAC(rule.MACAddress)
	if err != nil {
		return models.MacRule{}, err
	}
	rule.MACAddress = mac
	rule.Action = models.MacAction(strings.ToLower(string(rule.Action)))
	if !rule.Action.Valid() {
		return models.MacRule{}, models.NewValidationError(models.CodeInvalidRequest, "unknown mac action %q", rule.Action)
	}
	rule.UpdatedAt = s.now()

	stored, err := s.store.UpsertMacRule(ctx, rule)
	if err != nil {
		return models.MacRule{}, fmt.Errorf("failed to save mac rule: %w", err)
	}

	s.logger.Info("MAC rule saved",
		zap.String("mac", stored.MACAddress),
		zap.String("action", string(stored.Action)),
		zap.Bool("active", stored.Active))
	return stored, nil
}

func (s *Service) DeleteMacRule(ctx context.Context, mac string) error {
	normalized, err := models.NormalizeMAC(mac)
	if err != nil {
		return err
	}
	return s.store.DeleteMacRule(ctx, normalized)
}

// CheckMAC returns the active rule action for a MAC. found is false when no
// active rule exists.
func (s *Service) CheckMAC(ctx context.Context, mac string) (action models.MacAction, found bool, err error) {
	rule, err := s.store.ActiveMacRule(ctx, mac)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up mac rule: %w", err)
	}
	if rule == nil {
		return "", false, nil
	}
	return rule.Action, true, nil
}

func (s *Service) ListMacRules(ctx context.Context) ([]models.MacRule, error) {
	return s.store.ListMacRules(ctx, false)
}

func (s *Service) ListActiveMacRules(ctx context.Context) ([]models.MacRule, error) {
	return s.store.ListMacRules(ctx, true)
}

// ================ BANDWIDTH PROFILES ================

// UpsertBandwidthProfile validates rates and priority and rejects a name
// already used by another profile, ignoring case.
func (s *Service) UpsertBandwidthProfile(ctx context.Context, p models.BandwidthProfile) (models.BandwidthProfile, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return models.BandwidthProfile{}, models.NewValidationError(models.CodeInvalidRequest, "profile name is required")
	}
	if _, err := ParseRate(p.DownloadRate); err != nil {
		return models.BandwidthProfile{}, err
	}
	if _, err := ParseRate(p.UploadRate); err != nil {
		return models.BandwidthProfile{}, err
	}
	if p.BurstLimit != "" {
		if _, err := ParseRate(p.BurstLimit); err != nil {
			return models.BandwidthProfile{}, err
		}
	}
	if p.BurstThreshold != "" {
		if _, err := ParseRate(p.BurstThreshold); err != nil {
			return models.BandwidthProfile{}, err
		}
	}
	if p.Priority == 0 {
		p.Priority = 8
	}
	if p.Priority < MinPriority || p.Priority > MaxPriority {
		return models.BandwidthProfile{}, models.NewValidationError(models.CodeInvalidPriority, "priority %d outside %d..%d", p.Priority, MinPriority, MaxPriority)
	}
	if p.BurstTime < 0 {
		return models.BandwidthProfile{}, models.NewValidationError(models.CodeInvalidRequest, "negative burst time")
	}
	p.UpdatedAt = s.now()

	stored, err := s.store.SaveBandwidthProfile(ctx, p)
	if err != nil {
		return models.BandwidthProfile{}, fmt.Errorf("failed to save bandwidth profile: %w", err)
	}

	s.logger.Info("Bandwidth profile saved",
		zap.String("name", stored.Name),
		zap.String("rate_limit", stored.RateLimit()))
	return stored, nil
}

// Profile resolves a profile by name, falling back to the configured
// default profile when name is empty.
func (s *Service) Profile(ctx context.Context, name string) (*models.BandwidthProfile, error) {
	if name == "" {
		name = s.config.DefaultProfile
	}
	p, err := s.store.BandwidthProfile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load bandwidth profile: %w", err)
	}
	return p, nil
}

func (s *Service) ListBandwidthProfiles(ctx context.Context) ([]models.BandwidthProfile, error) {
	return s.store.ListBandwidthProfiles(ctx, false)
}

func (s *Service) ListActiveProfiles(ctx context.Context) ([]models.BandwidthProfile, error) {
	return s.store.ListBandwidthProfiles(ctx, true)
}

// ================ VOUCHERS ================

// CreateVoucherType validates the duration and the referenced profile.
func (s *Service) CreateVoucherType(ctx context.Context, vt models.VoucherType) (models.VoucherType, error) {
	vt.Name = strings.TrimSpace(vt.Name)
	if vt.Name == "" {
		return models.VoucherType{}, models.NewValidationError(models.CodeInvalidRequest, "voucher type name is required")
	}
	if _, err := ParseDuration(vt.Duration); err != nil {
		return models.VoucherType{}, err
	}
	if vt.Price < 0 {
		return models.VoucherType{}, models.NewValidationError(models.CodeInvalidAmount, "negative price")
	}
	if vt.Profile != "" {
		p, err := s.store.BandwidthProfile(ctx, vt.Profile)
		if err != nil {
			return models.VoucherType{}, fmt.Errorf("failed to load bandwidth profile: %w", err)
		}
		if p == nil {
			return models.VoucherType{}, models.NewValidationError(models.CodeInvalidRequest, "unknown bandwidth profile %q", vt.Profile)
		}
	}
	if vt.Group == "" {
		vt.Group = s.config.DefaultGroup
	}
	if vt.CreatedAt.IsZero() {
		vt.CreatedAt = s.now()
	}

	stored, err := s.store.SaveVoucherType(ctx, vt)
	if err != nil {
		return models.VoucherType{}, fmt.Errorf("failed to save voucher type: %w", err)
	}
	return stored, nil
}

func (s *Service) ListVoucherTypes(ctx context.Context) ([]models.VoucherType, error) {
	return s.store.ListVoucherTypes(ctx, false)
}

func (s *Service) ListActiveVoucherTypes(ctx context.Context) ([]models.VoucherType, error) {
	return s.store.ListVoucherTypes(ctx, true)
}

// GenerateAccessCodes creates count unused codes of the voucher type, all
// stamped with the same creation time.
func (s *Service) GenerateAccessCodes(ctx context.Context, voucherType string, count int) ([]models.AccessCode, error) {
	if count < 1 || count > MaxCodesPerBatch {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "count must be between 1 and %d", MaxCodesPerBatch)
	}
	vt, err := s.store.VoucherType(ctx, voucherType)
	if err != nil {
		return nil, fmt.Errorf("failed to load voucher type: %w", err)
	}
	if vt == nil {
		return nil, models.NewNotFound("voucher type %s", voucherType)
	}
	if !vt.Active {
		return nil, models.NewValidationError(models.CodeInvalidRequest, "voucher type %q is inactive", vt.Name)
	}
	duration, err := ParseDuration(vt.Duration)
	if err != nil {
		return nil, err
	}

	createdAt := s.now()
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		codes := make([]models.AccessCode, 0, count)
		for i := 0; i < count; i++ {
			username, err := randomCode(CodeLength)
			if err != nil {
				return nil, err
			}
			password, err := randomCode(CodeLength)
			if err != nil {
				return nil, err
			}
			codes = append(codes, models.AccessCode{
				Username:    username,
				Password:    password,
				VoucherType: vt.Name,
				Profile:     vt.Profile,
				Group:       vt.Group,
				CreatedAt:   createdAt,
				ExpiresAt:   createdAt.Add(duration),
				Status:      models.AccessCodeUnused,
			})
		}

		err := s.store.InsertAccessCodes(ctx, codes)
		if err == nil {
			s.logger.Info("Access codes generated",
				zap.String("voucher_type", vt.Name),
				zap.Int("count", count))
			return codes, nil
		}
		if models.CodeOf(err) != models.CodeDuplicateName {
			return nil, fmt.Errorf("failed to store access codes: %w", err)
		}
		s.logger.Warn("Access code collision, regenerating batch", zap.Int("attempt", attempt))
	}
	return nil, models.NewConflict(models.CodeDuplicateName, "could not generate unique access codes")
}

// AccessCode returns the stored code or nil.
func (s *Service) AccessCode(ctx context.Context, username string) (*models.AccessCode, error) {
	return s.store.AccessCode(ctx, username)
}

// VerifyAccessCode checks the password and expiry of an unused code
// without redeeming it.
func (s *Service) VerifyAccessCode(ctx context.Context, username, password string) (*models.AccessCode, error) {
	code, err := s.store.AccessCode(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to load access code: %w", err)
	}
	if code == nil || code.Password != password {
		return nil, models.NewPolicyRejection(models.CodeInvalidCredentials, "%s", username)
	}
	if code.Status == models.AccessCodeUsed {
		return nil, models.NewPolicyRejection(models.CodeVoucherUsed, "%s", username)
	}
	if code.Expired(s.now()) {
		return nil, models.NewPolicyRejection(models.CodeVoucherExpired, "%s", username)
	}
	return code, nil
}

// RedeemAccessCode marks an unused, unexpired code as used by mac.
func (s *Service) RedeemAccessCode(ctx context.Context, username, mac string) (*models.AccessCode, error) {
	now := s.now()
	code, err := s.store.AccessCode(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to load access code: %w", err)
	}
	if code == nil {
		return nil, models.NewNotFound("access code %s", username)
	}
	if code.Status == models.AccessCodeUnused && code.Expired(now) {
		return nil, models.NewPolicyRejection(models.CodeVoucherExpired, "%s", username)
	}

	redeemed, err := s.store.MarkAccessCodeUsed(ctx, username, mac, now)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Access code redeemed",
		zap.String("username", username),
		zap.String("mac", mac))
	return redeemed, nil
}

// ResetAccessCode is the explicit admin override returning a code to unused.
func (s *Service) ResetAccessCode(ctx context.Context, username string) error {
	if err := s.store.ResetAccessCode(ctx, username); err != nil {
		return err
	}
	s.logger.Warn("Access code reset by administrator", zap.String("username", username))
	return nil
}

// ReleaseAccessCode undoes a redemption by mac whose session never started.
// A code since reset or redeemed by another MAC is left alone.
func (s *Service) ReleaseAccessCode(ctx context.Context, username, mac string) error {
	released, err := s.store.ReleaseAccessCode(ctx, username, mac)
	if err != nil {
		return err
	}
	if released {
		s.logger.Info("Access code released",
			zap.String("username", username),
			zap.String("mac", mac))
	}
	return nil
}

func (s *Service) ListAccessCodes(ctx context.Context, status models.AccessCodeStatus) ([]models.AccessCode, error) {
	return s.store.ListAccessCodes(ctx, status)
}

// ListActiveAccessCodes returns unused codes that have not expired.
func (s *Service) ListActiveAccessCodes(ctx context.Context) ([]models.AccessCode, error) {
	codes, err := s.store.ListAccessCodes(ctx, models.AccessCodeUnused)
	if err != nil {
		return nil, err
	}
	now := s.now()
	active := codes[:0]
	for _, c := range codes {
		if !c.Expired(now) {
			active = append(active, c)
		}
	}
	return active, nil
}

// ================ GROUPS AND SUBSCRIBERS ================

func (s *Service) SaveUserGroup(ctx context.Context, g models.UserGroup) (models.UserGroup, error) {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return models.UserGroup{}, models.NewValidationError(models.CodeInvalidRequest, "group name is required")
	}
	if g.DeviceLimit < 0 {
		return models.UserGroup{}, models.NewValidationError(models.CodeInvalidRequest, "negative device limit")
	}
	return s.store.SaveUserGroup(ctx, g)
}

// UserGroup returns the group, or a single-device group when it is unknown.
func (s *Service) UserGroup(ctx context.Context, name string) (models.UserGroup, error) {
	g, err := s.store.UserGroup(ctx, name)
	if err != nil {
		return models.UserGroup{}, fmt.Errorf("failed to load user group: %w", err)
	}
	if g == nil {
		return models.UserGroup{Name: name, DeviceLimit: defaultGroupDevices, Active: true}, nil
	}
	return *g, nil
}

func (s *Service) ListUserGroups(ctx context.Context) ([]models.UserGroup, error) {
	return s.store.ListUserGroups(ctx, false)
}

func (s *Service) ListActiveUserGroups(ctx context.Context) ([]models.UserGroup, error) {
	return s.store.ListUserGroups(ctx, true)
}

// SaveSubscriber hashes password when it is set and keeps the stored hash
// otherwise.
func (s *Service) SaveSubscriber(ctx context.Context, sub models.Subscriber, password string) (models.Subscriber, error) {
	sub.Username = strings.TrimSpace(sub.Username)
	if sub.Username == "" {
		return models.Subscriber{}, models.NewValidationError(models.CodeInvalidRequest, "username is required")
	}

	existing, err := s.store.Subscriber(ctx, sub.Username)
	if err != nil {
		return models.Subscriber{}, fmt.Errorf("failed to load subscriber: %w", err)
	}
	switch {
	case password != "":
		hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
		if err != nil {
			return models.Subscriber{}, fmt.Errorf("failed to hash password: %w", err)
		}
		sub.PasswordHash = string(hash)
	case existing != nil:
		sub.PasswordHash = existing.PasswordHash
	default:
		return models.Subscriber{}, models.NewValidationError(models.CodeInvalidRequest, "password is required")
	}
	if existing != nil {
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.CreatedAt = s.now()
	}

	return s.store.SaveSubscriber(ctx, sub)
}

// VerifySubscriber checks a subscriber's password.
func (s *Service) VerifySubscriber(ctx context.Context, username, password string) (*models.Subscriber, error) {
	sub, err := s.store.Subscriber(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriber: %w", err)
	}
	if sub == nil || !sub.Active {
		return nil, models.NewPolicyRejection(models.CodeInvalidCredentials, "%s", username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(sub.PasswordHash), []byte(password)); err != nil {
		return nil, models.NewPolicyRejection(models.CodeInvalidCredentials, "%s", username)
	}
	return sub, nil
}

func (s *Service) Subscriber(ctx context.Context, username string) (*models.Subscriber, error) {
	return s.store.Subscriber(ctx, username)
}

func (s *Service) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	return s.store.ListSubscribers(ctx)
}

// ListActive returns the active entities of one kind.
func (s *Service) ListActive(ctx context.Context, kind models.PolicyKind) (interface{}, error) {
	switch kind {
	case models.KindMacRule:
		return s.ListActiveMacRules(ctx)
	case models.KindBandwidthProfile:
		return s.ListActiveProfiles(ctx)
	case models.KindVoucherType:
		return s.ListActiveVoucherTypes(ctx)
	case models.KindAccessCode:
		return s.ListActiveAccessCodes(ctx)
	case models.KindUserGroup:
		return s.ListActiveUserGroups(ctx)
	}
	return nil, models.NewValidationError(models.CodeInvalidRequest, "unknown policy kind %q", kind)
}
