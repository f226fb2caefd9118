package nas

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
)

const (
	DefaultCoAPort      = 3799
	DefaultOfflineAfter = 15 * time.Minute
	DefaultRouterType   = "mikrotik"
)

// Config holds NAS registry configuration
type Config struct {
	OfflineAfter time.Duration `yaml:"offline_after"`
}

// RouterInput is a router as submitted by an operator. Secret is plaintext
// and only travels inward.
type RouterInput struct {
	Name         string `json:"name" binding:"required"`
	IPAddress    string `json:"ip_address" binding:"required"`
	MACAddress   string `json:"mac_address"`
	Type         string `json:"type"`
	Port         int    `json:"port"`
	RadiusServer string `json:"radius_server"`
	Description  string `json:"description"`
	Secret       string `json:"shared_secret"`
}

// Service is the NAS registry. It owns router records and their sealed
// shared secrets.
type Service struct {
	store  Store
	sealer *Sealer
	logger *zap.Logger
	config Config
	now    func() time.Time
}

func New(store Store, sealer *Sealer, logger *zap.Logger, config Config) *Service {
	if config.OfflineAfter == 0 {
		config.OfflineAfter = DefaultOfflineAfter
	}
	return &Service{
		store:  store,
		sealer: sealer,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) validate(in *RouterInput) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return models.NewValidationError(models.CodeInvalidRequest, "router name is required")
	}
	if net.ParseIP(strings.TrimSpace(in.IPAddress)) == nil {
		return models.NewValidationError(models.CodeInvalidRequest, "invalid router address %q", in.IPAddress)
	}
	in.IPAddress = strings.TrimSpace(in.IPAddress)
	if in.MACAddress != "" {
		mac, err := models.NormalizeMAC(in.MACAddress)
		if err != nil {
			return err
		}
		in.MACAddress = mac
	}
	if in.Port == 0 {
		in.Port = DefaultCoAPort
	}
	if in.Port < 1 || in.Port > 65535 {
		return models.NewValidationError(models.CodeInvalidRequest, "invalid port %d", in.Port)
	}
	if in.Type == "" {
		in.Type = DefaultRouterType
	}
	return nil
}

// Create registers a router. The shared secret is required.
func (s *Service) Create(ctx context.Context, in RouterInput) (models.Router, error) {
	if err := s.validate(&in); err != nil {
		return models.Router{}, err
	}
	if in.Secret == "" {
		return models.Router{}, models.NewValidationError(models.CodeInvalidRequest, "shared secret is required")
	}
	sealed, err := s.sealer.Seal([]byte(in.Secret))
	if err != nil {
		return models.Router{}, fmt.Errorf("failed to seal secret: %w", err)
	}

	r := models.Router{
		ID:           uuid.New().String(),
		Name:         in.Name,
		IPAddress:    in.IPAddress,
		MACAddress:   in.MACAddress,
		Type:         in.Type,
		Port:         in.Port,
		RadiusServer: in.RadiusServer,
		Status:       models.RouterOffline,
		Description:  in.Description,
		SecretCipher: sealed,
		CreatedAt:    s.now(),
	}
	saved, err := s.store.SaveRouter(ctx, r)
	if err != nil {
		return models.Router{}, err
	}

	s.logger.Info("Router registered",
		zap.String("router_id", saved.ID),
		zap.String("name", saved.Name),
		zap.String("ip", saved.IPAddress))
	return saved, nil
}

// Update replaces router fields. An empty secret keeps the stored one.
func (s *Service) Update(ctx context.Context, id string, in RouterInput) (models.Router, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return models.Router{}, err
	}
	if err := s.validate(&in); err != nil {
		return models.Router{}, err
	}

	r := *existing
	r.Name = in.Name
	r.IPAddress = in.IPAddress
	r.MACAddress = in.MACAddress
	r.Type = in.Type
	r.Port = in.Port
	r.RadiusServer = in.RadiusServer
	r.Description = in.Description
	if in.Secret != "" {
		if r.SecretCipher, err = s.sealer.Seal([]byte(in.Secret)); err != nil {
			return models.Router{}, fmt.Errorf("failed to seal secret: %w", err)
		}
	}
	saved, err := s.store.SaveRouter(ctx, r)
	if err != nil {
		return models.Router{}, err
	}
	s.logger.Info("Router updated", zap.String("router_id", id), zap.Bool("secret_rotated", in.Secret != ""))
	return saved, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteRouter(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Router deleted", zap.String("router_id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Router, error) {
	r, err := s.store.Router(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load router: %w", err)
	}
	if r == nil {
		return nil, models.NewNotFound("router %s", id)
	}
	s.refreshStatus(r)
	return r, nil
}

// List returns routers with their status derived from the last packet seen
func (s *Service) List(ctx context.Context) ([]models.Router, error) {
	routers, err := s.store.ListRouters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list routers: %w", err)
	}
	for i := range routers {
		s.refreshStatus(&routers[i])
	}
	return routers, nil
}

func (s *Service) refreshStatus(r *models.Router) {
	if r.LastSeen == nil || s.now().Sub(*r.LastSeen) > s.config.OfflineAfter {
		r.Status = models.RouterOffline
	} else {
		r.Status = models.RouterOnline
	}
}

// ByAddress resolves the router a packet came from
func (s *Service) ByAddress(ctx context.Context, ip string) (*models.Router, error) {
	r, err := s.store.RouterByIP(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to load router: %w", err)
	}
	if r == nil {
		return nil, models.NewPolicyRejection(models.CodeUnknownNAS, "no router at %s", ip)
	}
	return r, nil
}

// ByNASID resolves a session's NAS by router name, falling back to address
func (s *Service) ByNASID(ctx context.Context, nasID string) (*models.Router, error) {
	routers, err := s.store.ListRouters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list routers: %w", err)
	}
	for i := range routers {
		if strings.EqualFold(routers[i].Name, nasID) || routers[i].IPAddress == nasID {
			return &routers[i], nil
		}
	}
	return nil, models.NewPolicyRejection(models.CodeUnknownNAS, "no router %q", nasID)
}

// Secret opens a router's shared secret
func (s *Service) Secret(r *models.Router) ([]byte, error) {
	secret, err := s.sealer.Open(r.SecretCipher)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret of router %s: %w", r.ID, err)
	}
	return secret, nil
}

// RADIUSSecret implements radius.SecretSource. Packets from unknown
// addresses get no secret and are dropped by the server.
func (s *Service) RADIUSSecret(ctx context.Context, remoteAddr net.Addr) ([]byte, error) {
	ip := hostOf(remoteAddr)
	r, err := s.ByAddress(ctx, ip)
	if err != nil {
		return nil, err
	}
	return s.Secret(r)
}

// DisconnectTarget returns the CoA address and secret for a session's NAS
func (s *Service) DisconnectTarget(ctx context.Context, nasID string) (string, []byte, error) {
	r, err := s.ByNASID(ctx, nasID)
	if err != nil {
		return "", nil, err
	}
	secret, err := s.Secret(r)
	if err != nil {
		return "", nil, err
	}
	port := r.Port
	if port == 0 {
		port = DefaultCoAPort
	}
	return net.JoinHostPort(r.IPAddress, strconv.Itoa(port)), secret, nil
}

// MarkSeen records that a router just sent a valid packet
func (s *Service) MarkSeen(ctx context.Context, id string) {
	if err := s.store.TouchRouter(ctx, id, s.now()); err != nil {
		s.logger.Debug("Failed to update router last seen", zap.String("router_id", id), zap.Error(err))
	}
}

func hostOf(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
