package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"ums-aaa/internal/metrics"
	"ums-aaa/internal/models"
)

const (
	VendorMikrotik         = 14988
	MikrotikRateLimit byte = 8
	DefaultAuthAddr        = ":1812"
	DefaultAcctAddr        = ":1813"
)

// Gateway decides what the server answers
type Gateway interface {
	Authenticate(ctx context.Context, req models.AuthRequest) *models.AuthResult
	Accounting(ctx context.Context, req models.AcctRequest) error
	InterimInterval() time.Duration
}

// Registry knows the NAS devices allowed to talk to the server
type Registry interface {
	RADIUSSecret(ctx context.Context, remoteAddr net.Addr) ([]byte, error)
	ByAddress(ctx context.Context, ip string) (*models.Router, error)
	MarkSeen(ctx context.Context, id string)
}

// Config holds RADIUS listener configuration
type Config struct {
	AuthAddr string `yaml:"auth_addr"`
	AcctAddr string `yaml:"acct_addr"`
}

// Server answers Access-Request and Accounting-Request packets
type Server struct {
	gateway  Gateway
	registry Registry
	logger   *zap.Logger
	config   Config
	metrics  *metrics.Metrics

	mu      sync.Mutex
	servers []*radius.PacketServer
	wg      sync.WaitGroup
}

// New creates a new RADIUS server
func New(gateway Gateway, registry Registry, logger *zap.Logger, config Config) *Server {
	if config.AuthAddr == "" {
		config.AuthAddr = DefaultAuthAddr
	}
	if config.AcctAddr == "" {
		config.AcctAddr = DefaultAcctAddr
	}
	return &Server{
		gateway:  gateway,
		registry: registry,
		logger:   logger,
		config:   config,
	}
}

func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start listens on the configured auth and accounting addresses
func (s *Server) Start() error {
	authConn, err := net.ListenPacket("udp", s.config.AuthAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.AuthAddr, err)
	}
	acctConn, err := net.ListenPacket("udp", s.config.AcctAddr)
	if err != nil {
		authConn.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.config.AcctAddr, err)
	}
	s.Serve(authConn, acctConn)
	return nil
}

// Serve answers on already bound connections until Shutdown
func (s *Server) Serve(authConn, acctConn net.PacketConn) {
	secrets := secretSource{s}
	auth := &radius.PacketServer{
		SecretSource: secrets,
		Handler:      radius.HandlerFunc(s.handleAuth),
	}
	acct := &radius.PacketServer{
		SecretSource: secrets,
		Handler:      radius.HandlerFunc(s.handleAcct),
	}

	s.mu.Lock()
	s.servers = append(s.servers, auth, acct)
	s.mu.Unlock()

	s.serve("auth", auth, authConn)
	s.serve("acct", acct, acctConn)
}

func (s *Server) serve(name string, srv *radius.PacketServer, conn net.PacketConn) {
	s.logger.Info("Starting RADIUS server", zap.String("type", name), zap.String("addr", conn.LocalAddr().String()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(conn); err != nil && !errors.Is(err, radius.ErrServerShutdown) {
			s.logger.Error("RADIUS server stopped", zap.String("type", name), zap.Error(err))
		}
	}()
}

// Shutdown stops both listeners and waits for in-flight packets
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	return firstErr
}

// secretSource drops packets from unknown NAS devices
type secretSource struct {
	s *Server
}

func (ss secretSource) RADIUSSecret(ctx context.Context, remoteAddr net.Addr) ([]byte, error) {
	secret, err := ss.s.registry.RADIUSSecret(ctx, remoteAddr)
	if err != nil {
		ss.s.logger.Warn("Dropping packet from unknown NAS", zap.String("remote", remoteAddr.String()), zap.Error(err))
		ss.s.metrics.RecordDropped("unknown_nas")
		return nil, err
	}
	return secret, nil
}

// nasID names the NAS after its registry entry, or NAS-Identifier when the
// registry has none.
func (s *Server) nasID(ctx context.Context, r *radius.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr.String()); err == nil {
		if router, err := s.registry.ByAddress(ctx, host); err == nil && router != nil {
			s.registry.MarkSeen(ctx, router.ID)
			return router.Name
		}
	}
	if id := rfc2865.NASIdentifier_GetString(r.Packet); id != "" {
		return id
	}
	if ip := rfc2865.NASIPAddress_Get(r.Packet); ip != nil {
		return ip.String()
	}
	return ""
}

// handleAuth handles authentication requests
func (s *Server) handleAuth(w radius.ResponseWriter, r *radius.Request) {
	start := time.Now()
	ctx := r.Context()

	req := models.AuthRequest{
		MAC:      rfc2865.CallingStationID_GetString(r.Packet),
		Username: rfc2865.UserName_GetString(r.Packet),
		Password: rfc2865.UserPassword_GetString(r.Packet),
		NASID:    s.nasID(ctx, r),
	}
	if ip := rfc2865.NASIPAddress_Get(r.Packet); ip != nil {
		req.NASIP = ip.String()
	}

	result := s.gateway.Authenticate(ctx, req)

	var response *radius.Packet
	if result.Accepted() {
		response = s.acceptPacket(r, result)
	} else {
		response = r.Response(radius.CodeAccessReject)
		rfc2865.ReplyMessage_SetString(response, result.Reason)
	}

	if err := w.Write(response); err != nil {
		s.logger.Error("Failed to write RADIUS response", zap.Error(err))
	}

	outcome := "accept"
	if !result.Accepted() {
		outcome = "reject"
	}
	s.metrics.RecordRADIUSRequest("auth", outcome, time.Since(start))
	s.logger.Debug("Auth processed",
		zap.String("username", req.Username),
		zap.String("mac", req.MAC),
		zap.String("nas_id", req.NASID),
		zap.String("result", outcome),
		zap.String("reason", result.Reason),
		zap.Duration("latency", time.Since(start)))
}

func (s *Server) acceptPacket(r *radius.Request, result *models.AuthResult) *radius.Packet {
	response := r.Response(radius.CodeAccessAccept)

	if secs := int(result.SessionTimeout / time.Second); secs > 0 {
		rfc2865.SessionTimeout_Set(response, rfc2865.SessionTimeout(secs))
	}
	if secs := int(result.IdleTimeout / time.Second); secs > 0 {
		rfc2865.IdleTimeout_Set(response, rfc2865.IdleTimeout(secs))
	}
	rfc2865.Class_Set(response, []byte(result.SessionID))
	if secs := int(s.gateway.InterimInterval() / time.Second); secs > 0 {
		rfc2869.AcctInterimInterval_Set(response, rfc2869.AcctInterimInterval(secs))
	}
	if result.RateLimit != "" {
		vsa, err := buildMikrotikVSA(MikrotikRateLimit, []byte(result.RateLimit))
		if err != nil {
			s.logger.Warn("Dropping rate limit attribute",
				zap.String("rate_limit", result.RateLimit),
				zap.Error(err))
		} else {
			response.Add(rfc2865.VendorSpecific_Type, vsa)
		}
	}
	return response
}

// handleAcct handles accounting requests. Transient failures get no answer
// so the NAS retransmits.
func (s *Server) handleAcct(w radius.ResponseWriter, r *radius.Request) {
	start := time.Now()
	ctx := r.Context()

	statusType := rfc2866.AcctStatusType_Get(r.Packet)
	var status models.AcctStatus
	switch statusType {
	case rfc2866.AcctStatusType_Value_Start:
		status = models.AcctStart
	case rfc2866.AcctStatusType_Value_InterimUpdate:
		status = models.AcctInterim
	case rfc2866.AcctStatusType_Value_Stop:
		status = models.AcctStop
	default:
		// Accounting-On/Off and friends are acknowledged without effect.
		s.respondAcct(w, r, "ignored", start)
		return
	}

	req := models.AcctRequest{
		SessionID:      string(rfc2865.Class_Get(r.Packet)),
		AcctSessionID:  rfc2866.AcctSessionID_GetString(r.Packet),
		Status:         status,
		MAC:            rfc2865.CallingStationID_GetString(r.Packet),
		Username:       rfc2865.UserName_GetString(r.Packet),
		NASID:          s.nasID(ctx, r),
		BytesIn:        octets(uint32(rfc2866.AcctInputOctets_Get(r.Packet)), uint32(rfc2869.AcctInputGigawords_Get(r.Packet))),
		BytesOut:       octets(uint32(rfc2866.AcctOutputOctets_Get(r.Packet)), uint32(rfc2869.AcctOutputGigawords_Get(r.Packet))),
		SessionTime:    int64(rfc2866.AcctSessionTime_Get(r.Packet)),
		TerminateCause: terminateCauseName(rfc2866.AcctTerminateCause_Get(r.Packet)),
	}
	if ip := rfc2865.FramedIPAddress_Get(r.Packet); ip != nil {
		req.FramedIP = ip.String()
	}

	if err := s.gateway.Accounting(ctx, req); err != nil {
		if models.IsKind(err, models.KindTransient) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("Accounting not acknowledged, NAS will retry",
				zap.String("acct_session_id", req.AcctSessionID),
				zap.Error(err))
			s.metrics.RecordRADIUSRequest("acct", "dropped", time.Since(start))
			return
		}
		s.logger.Info("Accounting acknowledged with error",
			zap.String("acct_session_id", req.AcctSessionID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	s.respondAcct(w, r, string(status), start)
}

func (s *Server) respondAcct(w radius.ResponseWriter, r *radius.Request, result string, start time.Time) {
	if err := w.Write(r.Response(radius.CodeAccountingResponse)); err != nil {
		s.logger.Error("Failed to write accounting response", zap.Error(err))
	}
	s.metrics.RecordRADIUSRequest("acct", result, time.Since(start))
}

func octets(low, gigawords uint32) uint64 {
	return uint64(gigawords)<<32 | uint64(low)
}

func terminateCauseName(c rfc2866.AcctTerminateCause) string {
	switch c {
	case rfc2866.AcctTerminateCause_Value_UserRequest:
		return "User-Request"
	case rfc2866.AcctTerminateCause_Value_LostCarrier:
		return "Lost-Carrier"
	case rfc2866.AcctTerminateCause_Value_IdleTimeout:
		return "Idle-Timeout"
	case rfc2866.AcctTerminateCause_Value_SessionTimeout:
		return "Session-Timeout"
	case rfc2866.AcctTerminateCause_Value_AdminReset:
		return "Admin-Reset"
	case rfc2866.AcctTerminateCause_Value_AdminReboot:
		return "Admin-Reboot"
	case rfc2866.AcctTerminateCause_Value_NASRequest:
		return "NAS-Request"
	case 0:
		return ""
	default:
		return "Other"
	}
}

// buildMikrotikVSA wraps one Mikrotik sub-attribute (type, length, value)
// in a Vendor-Specific attribute.
func buildMikrotikVSA(attrType byte, value []byte) (radius.Attribute, error) {
	if len(value) > 253 {
		return nil, fmt.Errorf("mikrotik attribute %d: value too long (%d bytes)", attrType, len(value))
	}
	inner := make(radius.Attribute, 0, 2+len(value))
	inner = append(inner, attrType, byte(2+len(value)))
	inner = append(inner, value...)
	return radius.NewVendorSpecific(VendorMikrotik, inner)
}
