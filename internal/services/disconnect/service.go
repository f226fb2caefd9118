package disconnect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"ums-aaa/internal/metrics"
	"ums-aaa/internal/models"
)

// AttrErrorCause is the RFC 3576 Error-Cause attribute
const AttrErrorCause radius.Type = 101

// ErrorCause is the value of an Error-Cause attribute
type ErrorCause uint32

const (
	CauseResidualContextRemoved    ErrorCause = 201
	CauseInvalidEAPPacket          ErrorCause = 202
	CauseUnsupportedAttribute      ErrorCause = 401
	CauseMissingAttribute          ErrorCause = 402
	CauseNASIdentificationMismatch ErrorCause = 403
	CauseInvalidRequest            ErrorCause = 404
	CauseUnsupportedService        ErrorCause = 405
	CauseUnsupportedExtension      ErrorCause = 406
	CauseAdministrativelyProhibit  ErrorCause = 501
	CauseRequestNotRoutable        ErrorCause = 502
	CauseSessionContextNotFound    ErrorCause = 503
	CauseSessionContextNotRemoved  ErrorCause = 504
	CauseProxyProcessingError      ErrorCause = 505
	CauseResourcesUnavailable      ErrorCause = 506
	CauseRequestInitiated          ErrorCause = 507
)

var errorCauseNames = map[ErrorCause]string{
	CauseResidualContextRemoved:    "Residual Session Context Removed",
	CauseInvalidEAPPacket:          "Invalid EAP Packet (Ignored)",
	CauseUnsupportedAttribute:      "Unsupported Attribute",
	CauseMissingAttribute:          "Missing Attribute",
	CauseNASIdentificationMismatch: "NAS Identification Mismatch",
	CauseInvalidRequest:            "Invalid Request",
	CauseUnsupportedService:        "Unsupported Service",
	CauseUnsupportedExtension:      "Unsupported Extension",
	CauseAdministrativelyProhibit:  "Administratively Prohibited",
	CauseRequestNotRoutable:        "Request Not Routable (Proxy)",
	CauseSessionContextNotFound:    "Session Context Not Found",
	CauseSessionContextNotRemoved:  "Session Context Not Removable",
	CauseProxyProcessingError:      "Other Proxy Processing Error",
	CauseResourcesUnavailable:      "Resources Unavailable",
	CauseRequestInitiated:          "Request Initiated",
}

func (c ErrorCause) String() string {
	if name, ok := errorCauseNames[c]; ok {
		return name
	}
	if c == 0 {
		return "No Error-Cause"
	}
	return fmt.Sprintf("Error-Cause %d", uint32(c))
}

// ErrNAK is wrapped by errors for Disconnect-NAK replies
var ErrNAK = errors.New("disconnect rejected by NAS")

// TargetResolver finds where and with which secret to reach a NAS
type TargetResolver interface {
	DisconnectTarget(ctx context.Context, nasID string) (addr string, secret []byte, err error)
}

// Config holds disconnect service configuration
type Config struct {
	// RADIUS Disconnect-Request settings
	RADIUSEnabled bool          `yaml:"radius_enabled"`
	NASTimeout    time.Duration `yaml:"nas_timeout"`
	Retries       int           `yaml:"retries"`

	// Script-based disconnect settings
	ScriptEnabled bool          `yaml:"script_enabled"`
	ScriptPath    string        `yaml:"script_path"`
	ScriptTimeout time.Duration `yaml:"script_timeout"`
	ScriptEnv     []string      `yaml:"script_env"`
}

// Service tears sessions down on the NAS, by RFC 3576 Disconnect-Request
// first and by an external script as fallback.
type Service struct {
	targets TargetResolver
	logger  *zap.Logger
	config  Config
	metrics *metrics.Metrics
}

// New creates a new disconnect service
func New(targets TargetResolver, logger *zap.Logger, config Config) *Service {
	if config.NASTimeout == 0 {
		config.NASTimeout = 3 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if config.ScriptTimeout == 0 {
		config.ScriptTimeout = 10 * time.Second
	}

	return &Service{
		targets: targets,
		logger:  logger,
		config:  config,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Disconnect asks the NAS to drop a session
func (s *Service) Disconnect(ctx context.Context, sess models.Session, cause models.CloseCause) error {
	s.logger.Info("Initiating disconnect",
		zap.String("session_id", sess.ID),
		zap.String("username", sess.Username),
		zap.String("nas_id", sess.NASID),
		zap.String("cause", string(cause)))

	type method struct {
		name    string
		enabled bool
		run     func() error
	}
	methods := []method{
		{"ack", s.config.RADIUSEnabled, func() error { return s.exchange(ctx, sess, cause) }},
		{"script", s.config.ScriptEnabled && s.config.ScriptPath != "", func() error { return s.runScript(ctx, sess) }},
	}

	var lastErr error
	for _, m := range methods {
		if !m.enabled {
			continue
		}
		if lastErr = m.run(); lastErr == nil {
			s.metrics.RecordDisconnect(string(cause), m.name)
			return nil
		}
		s.logger.Warn("Disconnect method failed",
			zap.String("method", m.name),
			zap.String("session_id", sess.ID),
			zap.Error(lastErr))
	}

	s.metrics.RecordDisconnect(string(cause), "failed")
	if lastErr != nil {
		return fmt.Errorf("all disconnect methods failed: %w", lastErr)
	}
	return fmt.Errorf("no disconnect methods configured")
}

// exchange sends the Disconnect-Request, retrying on silence only
func (s *Service) exchange(ctx context.Context, sess models.Session, cause models.CloseCause) error {
	addr, secret, err := s.targets.DisconnectTarget(ctx, sess.NASID)
	if err != nil {
		return err
	}

	packet, err := buildRequest(sess, cause, secret)
	if err != nil {
		return fmt.Errorf("failed to build disconnect request: %w", err)
	}

	for attempt := 1; attempt <= s.config.Retries; attempt++ {
		s.logger.Debug("Sending RADIUS disconnect request",
			zap.String("nas", addr),
			zap.Int("attempt", attempt))

		attemptCtx, cancel := context.WithTimeout(ctx, s.config.NASTimeout)
		response, err := radius.Exchange(attemptCtx, packet, addr)
		cancel()
		if err != nil {
			if attempt == s.config.Retries || ctx.Err() != nil {
				return fmt.Errorf("failed to send disconnect request after %d attempts: %w", attempt, err)
			}
			s.logger.Warn("Disconnect attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		return s.checkReply(response, sess)
	}

	return fmt.Errorf("all disconnect attempts failed")
}

// buildRequest identifies the session the way the NAS knows it
func buildRequest(sess models.Session, cause models.CloseCause, secret []byte) (*radius.Packet, error) {
	p := radius.New(radius.CodeDisconnectRequest, secret)

	if sess.Username != "" {
		if err := rfc2865.UserName_SetString(p, sess.Username); err != nil {
			return nil, err
		}
	}
	if sess.AcctSessionID != "" {
		if err := rfc2866.AcctSessionID_SetString(p, sess.AcctSessionID); err != nil {
			return nil, err
		}
	}
	if sess.MAC != "" {
		if err := rfc2865.CallingStationID_SetString(p, sess.MAC); err != nil {
			return nil, err
		}
	}
	if ip := net.ParseIP(sess.FramedIP).To4(); ip != nil {
		if err := rfc2865.FramedIPAddress_Set(p, ip); err != nil {
			return nil, err
		}
	}
	if sess.NASID != "" {
		if err := rfc2865.NASIdentifier_SetString(p, sess.NASID); err != nil {
			return nil, err
		}
	}
	if err := rfc2866.AcctTerminateCause_Set(p, terminateCause(cause)); err != nil {
		return nil, err
	}
	return p, nil
}

func terminateCause(cause models.CloseCause) rfc2866.AcctTerminateCause {
	switch cause {
	case models.CauseIdleTimeout:
		return rfc2866.AcctTerminateCause_Value_IdleTimeout
	case models.CauseSessionTimeout:
		return rfc2866.AcctTerminateCause_Value_SessionTimeout
	default:
		return rfc2866.AcctTerminateCause_Value_AdminReset
	}
}

func (s *Service) checkReply(reply *radius.Packet, sess models.Session) error {
	switch reply.Code {
	case radius.CodeDisconnectACK:
		s.logger.Info("Disconnect ACK received",
			zap.String("session_id", sess.ID),
			zap.String("username", sess.Username))
		return nil
	case radius.CodeDisconnectNAK:
		cause := errorCause(reply)
		s.logger.Warn("Disconnect NAK received",
			zap.String("session_id", sess.ID),
			zap.String("username", sess.Username),
			zap.Uint32("error_cause", uint32(cause)),
			zap.Stringer("error_message", cause))
		return fmt.Errorf("%w: %s", ErrNAK, cause)
	default:
		return fmt.Errorf("unexpected reply code %v", reply.Code)
	}
}

// runScript runs the external script as
// <script> <username> <acct-session-id> <framed-ip> <nas-id>
func (s *Service) runScript(ctx context.Context, sess models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ScriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.config.ScriptPath, sess.Username, sess.AcctSessionID, sess.FramedIP, sess.NASID)
	cmd.Env = append(os.Environ(), s.config.ScriptEnv...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))

	s.logger.Info("Disconnect script finished",
		zap.String("script", s.config.ScriptPath),
		zap.String("session_id", sess.ID),
		zap.Int("exit_code", cmd.ProcessState.ExitCode()),
		zap.String("output", output))

	if err != nil {
		return fmt.Errorf("disconnect script: %w: %s", err, output)
	}
	return nil
}

// errorCause reads Error-Cause from a reply, 0 when absent
func errorCause(p *radius.Packet) ErrorCause {
	attr, ok := p.Lookup(AttrErrorCause)
	if !ok {
		return 0
	}
	v, err := radius.Integer(attr)
	if err != nil {
		return 0
	}
	return ErrorCause(v)
}
