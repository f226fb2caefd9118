package disconnect

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"ums-aaa/internal/models"
)

type staticTarget struct {
	addr   string
	secret []byte
	err    error
}

func (t staticTarget) DisconnectTarget(ctx context.Context, nasID string) (string, []byte, error) {
	return t.addr, t.secret, t.err
}

// fakeNAS answers Disconnect-Requests with a fixed code
type fakeNAS struct {
	server *radius.PacketServer
	conn   net.PacketConn

	mu       sync.Mutex
	code     radius.Code
	cause    uint32
	requests []*radius.Packet
}

func startFakeNAS(secret []byte) *fakeNAS {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	nas := &fakeNAS{conn: conn, code: radius.CodeDisconnectACK}
	nas.server = &radius.PacketServer{
		SecretSource: radius.StaticSecretSource(secret),
		Handler: radius.HandlerFunc(func(w radius.ResponseWriter, r *radius.Request) {
			nas.mu.Lock()
			nas.requests = append(nas.requests, r.Packet)
			code, cause := nas.code, nas.cause
			nas.mu.Unlock()

			resp := r.Response(code)
			if cause != 0 {
				resp.Add(AttrErrorCause, radius.NewInteger(cause))
			}
			_ = w.Write(resp)
		}),
	}
	go func() { _ = nas.server.Serve(conn) }()
	return nas
}

func (n *fakeNAS) answer(code radius.Code, cause uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.code, n.cause = code, cause
}

func (n *fakeNAS) received() []*radius.Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*radius.Packet(nil), n.requests...)
}

func (n *fakeNAS) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = n.server.Shutdown(ctx)
}

var _ = Describe("Disconnect service", func() {
	var (
		secret = []byte("testing123")
		nas    *fakeNAS
		sess   models.Session
	)

	BeforeEach(func() {
		nas = startFakeNAS(secret)
		sess = models.Session{
			ID:            "sess-1",
			MAC:           "AA:BB:CC:DD:EE:FF",
			NASID:         "hq-ap",
			Username:      "alice",
			FramedIP:      "10.5.0.20",
			AcctSessionID: "81a00001",
		}
	})

	AfterEach(func() {
		nas.stop()
	})

	newService := func(cfg Config) *Service {
		cfg.RADIUSEnabled = true
		cfg.NASTimeout = 500 * time.Millisecond
		return New(staticTarget{addr: nas.conn.LocalAddr().String(), secret: secret}, zap.NewNop(), cfg)
	}

	It("sends a Disconnect-Request identifying the session", func() {
		s := newService(Config{})
		Expect(s.Disconnect(context.Background(), sess, models.CauseIdleTimeout)).To(Succeed())

		reqs := nas.received()
		Expect(reqs).To(HaveLen(1))
		req := reqs[0]
		Expect(req.Code).To(Equal(radius.CodeDisconnectRequest))
		Expect(rfc2865.UserName_GetString(req)).To(Equal("alice"))
		Expect(rfc2866.AcctSessionID_GetString(req)).To(Equal("81a00001"))
		Expect(rfc2865.CallingStationID_GetString(req)).To(Equal("AA:BB:CC:DD:EE:FF"))
		Expect(rfc2865.FramedIPAddress_Get(req).String()).To(Equal("10.5.0.20"))
		Expect(rfc2866.AcctTerminateCause_Get(req)).To(Equal(rfc2866.AcctTerminateCause_Value_IdleTimeout))
	})

	It("reports a NAK with its error cause", func() {
		nas.answer(radius.CodeDisconnectNAK, uint32(CauseSessionContextNotFound))
		s := newService(Config{})

		err := s.Disconnect(context.Background(), sess, models.CauseAdminDisconnect)
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, ErrNAK)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("Session Context Not Found"))
	})

	It("retries and gives up when the NAS is silent", func() {
		silent, err := net.ListenPacket("udp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer silent.Close()

		s := New(staticTarget{addr: silent.LocalAddr().String(), secret: secret}, zap.NewNop(), Config{
			RADIUSEnabled: true,
			NASTimeout:    100 * time.Millisecond,
			Retries:       2,
		})
		start := time.Now()
		Expect(s.Disconnect(context.Background(), sess, models.CauseAdminDisconnect)).NotTo(Succeed())
		Expect(time.Since(start)).To(BeNumerically(">=", 200*time.Millisecond))
	})

	It("fails when the NAS cannot be resolved", func() {
		s := New(staticTarget{err: models.NewPolicyRejection(models.CodeUnknownNAS, "unknown")}, zap.NewNop(), Config{RADIUSEnabled: true})
		err := s.Disconnect(context.Background(), sess, models.CauseAdminDisconnect)
		Expect(models.CodeOf(err)).To(Equal(models.CodeUnknownNAS))
	})

	It("falls back to the script when RADIUS is rejected", func() {
		nas.answer(radius.CodeDisconnectNAK, 0)

		dir := GinkgoT().TempDir()
		out := filepath.Join(dir, "args")
		script := filepath.Join(dir, "kick.sh")
		Expect(os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" > "+out+"\n"), 0o755)).To(Succeed())

		s := newService(Config{ScriptEnabled: true, ScriptPath: script})
		Expect(s.Disconnect(context.Background(), sess, models.CauseAdminDisconnect)).To(Succeed())

		raw, err := os.ReadFile(out)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(Equal("alice 81a00001 10.5.0.20 hq-ap\n"))
	})

	It("fails when nothing is configured", func() {
		s := New(staticTarget{}, zap.NewNop(), Config{})
		Expect(s.Disconnect(context.Background(), sess, models.CauseAdminDisconnect)).To(MatchError(ContainSubstring("no disconnect methods")))
	})
})

var _ = Describe("ErrorCause", func() {
	DescribeTable("names error causes",
		func(cause ErrorCause, want string) {
			Expect(cause.String()).To(Equal(want))
		},
		Entry("context not found", CauseSessionContextNotFound, "Session Context Not Found"),
		Entry("prohibited", CauseAdministrativelyProhibit, "Administratively Prohibited"),
		Entry("absent", ErrorCause(0), "No Error-Cause"),
		Entry("unknown", ErrorCause(999), "Error-Cause 999"),
	)
})
