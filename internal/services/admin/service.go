package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ums-aaa/internal/models"
)

const (
	DefaultTokenTTL   = 24 * time.Hour
	MinPasswordLength = 8
)

var (
	// ErrInvalidToken is returned for malformed, forged or expired tokens
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrLastSuperAdmin protects the last super admin from removal
	ErrLastSuperAdmin = errors.New("cannot remove the last super admin")
)

// Config holds admin authentication configuration
type Config struct {
	JWTSecret  string        `yaml:"-"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

// AdminInput is an admin account as submitted by an operator
type AdminInput struct {
	Username string             `json:"username" binding:"required"`
	Email    string             `json:"email"`
	Phone    string             `json:"phone"`
	Role     models.AdminRole   `json:"role"`
	Status   models.AdminStatus `json:"status"`
	Password string             `json:"password"`
}

// Claims is what a verified token says about its bearer
type Claims struct {
	AdminID  string
	Username string
	Role     models.AdminRole
}

// Service manages operator accounts and issues API tokens
type Service struct {
	store  Store
	logger *zap.Logger
	config Config
	now    func() time.Time
}

func New(store Store, logger *zap.Logger, config Config) *Service {
	if config.TokenTTL == 0 {
		config.TokenTTL = DefaultTokenTTL
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

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", models.NewValidationError(models.CodeInvalidRequest, "password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("could not hash password: %w", err)
	}
	return string(hash), nil
}

// Bootstrap creates the first super admin when no admin exists
func (s *Service) Bootstrap(ctx context.Context, username, password string) (bool, error) {
	admins, err := s.store.ListAdmins(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list admins: %w", err)
	}
	if len(admins) > 0 || username == "" || password == "" {
		return false, nil
	}
	if _, err := s.Create(ctx, AdminInput{Username: username, Role: models.RoleSuperAdmin, Password: password}); err != nil {
		return false, err
	}
	s.logger.Info("Bootstrap super admin created", zap.String("username", username))
	return true, nil
}

func (s *Service) Create(ctx context.Context, in AdminInput) (models.AdminAccount, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return models.AdminAccount{}, models.NewValidationError(models.CodeInvalidRequest, "username is required")
	}
	if in.Role == "" {
		in.Role = models.RoleAdmin
	}
	if !in.Role.Valid() {
		return models.AdminAccount{}, models.NewValidationError(models.CodeInvalidRequest, "unknown role %q", in.Role)
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return models.AdminAccount{}, err
	}

	a := models.AdminAccount{
		ID:           uuid.New().String(),
		Username:     in.Username,
		Email:        in.Email,
		Phone:        in.Phone,
		Role:         in.Role,
		Status:       models.AdminActive,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	saved, err := s.store.SaveAdmin(ctx, a)
	if err != nil {
		return models.AdminAccount{}, err
	}
	s.logger.Info("Admin created", zap.String("admin_id", saved.ID), zap.String("username", saved.Username), zap.String("role", string(saved.Role)))
	return saved, nil
}

// Update changes profile, role and status. An empty password keeps the hash.
func (s *Service) Update(ctx context.Context, id string, in AdminInput) (models.AdminAccount, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return models.AdminAccount{}, err
	}

	a := *existing
	if u := strings.TrimSpace(in.Username); u != "" {
		a.Username = u
	}
	a.Email = in.Email
	a.Phone = in.Phone
	if in.Role != "" {
		if !in.Role.Valid() {
			return models.AdminAccount{}, models.NewValidationError(models.CodeInvalidRequest, "unknown role %q", in.Role)
		}
		a.Role = in.Role
	}
	if in.Status != "" {
		if in.Status != models.AdminActive && in.Status != models.AdminBlocked {
			return models.AdminAccount{}, models.NewValidationError(models.CodeInvalidRequest, "unknown status %q", in.Status)
		}
		a.Status = in.Status
	}
	if in.Password != "" {
		if a.PasswordHash, err = s.hash(in.Password); err != nil {
			return models.AdminAccount{}, err
		}
	}

	losesSuper := existing.Role == models.RoleSuperAdmin && existing.Status == models.AdminActive &&
		(a.Role != models.RoleSuperAdmin || a.Status != models.AdminActive)
	if losesSuper {
		if err := s.ensureAnotherSuperAdmin(ctx, id); err != nil {
			return models.AdminAccount{}, err
		}
	}
	return s.store.SaveAdmin(ctx, a)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.Role == models.RoleSuperAdmin {
		if err := s.ensureAnotherSuperAdmin(ctx, id); err != nil {
			return err
		}
	}
	if err := s.store.DeleteAdmin(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Admin deleted", zap.String("admin_id", id))
	return nil
}

func (s *Service) ensureAnotherSuperAdmin(ctx context.Context, exceptID string) error {
	admins, err := s.store.ListAdmins(ctx)
	if err != nil {
		return fmt.Errorf("failed to list admins: %w", err)
	}
	for _, a := range admins {
		if a.ID != exceptID && a.Role == models.RoleSuperAdmin && a.Status == models.AdminActive {
			return nil
		}
	}
	return models.NewConflict(models.CodeInvalidRequest, "%v", ErrLastSuperAdmin)
}

func (s *Service) Get(ctx context.Context, id string) (*models.AdminAccount, error) {
	a, err := s.store.Admin(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin: %w", err)
	}
	if a == nil {
		return nil, models.NewNotFound("admin %s", id)
	}
	return a, nil
}

func (s *Service) List(ctx context.Context) ([]models.AdminAccount, error) {
	return s.store.ListAdmins(ctx)
}

// Login verifies credentials and returns a signed token
func (s *Service) Login(ctx context.Context, username, password string) (string, *models.AdminAccount, error) {
	a, err := s.store.AdminByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", nil, fmt.Errorf("failed to load admin: %w", err)
	}
	if a == nil || a.Status != models.AdminActive {
		return "", nil, models.NewPolicyRejection(models.CodeInvalidCredentials, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return "", nil, models.NewPolicyRejection(models.CodeInvalidCredentials, "invalid credentials")
	}

	now := s.now()
	claims := jwt.MapClaims{
		"user_id":  a.ID,
		"username": a.Username,
		"role":     string(a.Role),
		"iat":      now.Unix(),
		"exp":      now.Add(s.config.TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", nil, fmt.Errorf("could not sign token: %w", err)
	}

	if err := s.store.TouchLogin(ctx, a.ID, now); err != nil {
		s.logger.Warn("Failed to record login time", zap.String("admin_id", a.ID), zap.Error(err))
	}
	a.LastLogin = &now

	s.logger.Info("Admin logged in", zap.String("admin_id", a.ID), zap.String("username", a.Username))
	return signed, a, nil
}

// ParseToken verifies a bearer token and returns its claims
func (s *Service) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	id, _ := claims["user_id"].(string)
	username, _ := claims["username"].(string)
	role, _ := claims["role"].(string)
	if id == "" {
		return nil, ErrInvalidToken
	}
	return &Claims{AdminID: id, Username: username, Role: models.AdminRole(role)}, nil
}

// ChangePassword requires the current password
func (s *Service) ChangePassword(ctx context.Context, id, oldPassword, newPassword string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(oldPassword)); err != nil {
		return models.NewPolicyRejection(models.CodeInvalidCredentials, "invalid old password")
	}
	if a.PasswordHash, err = s.hash(newPassword); err != nil {
		return err
	}
	_, err = s.store.SaveAdmin(ctx, *a)
	return err
}
