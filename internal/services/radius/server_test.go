package radius

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"ums-aaa/internal/models"
)

type fakeGateway struct {
	mu       sync.Mutex
	result   *models.AuthResult
	acctErr  error
	auths    []models.AuthRequest
	accounts []models.AcctRequest
}

func (g *fakeGateway) Authenticate(ctx context.Context, req models.AuthRequest) *models.AuthResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.auths = append(g.auths, req)
	return g.result
}

func (g *fakeGateway) Accounting(ctx context.Context, req models.AcctRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts = append(g.accounts, req)
	return g.acctErr
}

func (g *fakeGateway) InterimInterval() time.Duration {
	return 5 * time.Minute
}

func (g *fakeGateway) lastAuth() models.AuthRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.auths[len(g.auths)-1]
}

func (g *fakeGateway) lastAcct() models.AcctRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accounts[len(g.accounts)-1]
}

type fakeRegistry struct {
	secret []byte
	known  bool
	seen   int
	mu     sync.Mutex
}

func (r *fakeRegistry) RADIUSSecret(ctx context.Context, remoteAddr net.Addr) ([]byte, error) {
	if !r.known {
		return nil, models.NewPolicyRejection(models.CodeUnknownNAS, "%s", remoteAddr)
	}
	return r.secret, nil
}

func (r *fakeRegistry) ByAddress(ctx context.Context, ip string) (*models.Router, error) {
	if !r.known {
		return nil, models.NewPolicyRejection(models.CodeUnknownNAS, "%s", ip)
	}
	return &models.Router{ID: "r1", Name: "hq-ap", IPAddress: ip}, nil
}

func (r *fakeRegistry) MarkSeen(ctx context.Context, id string) {
	r.mu.Lock()
	r.seen++
	r.mu.Unlock()
}

func parseMikrotikVSA(attr radius.Attribute) (byte, []byte, bool) {
	vendor, inner, err := radius.VendorSpecific(attr)
	if err != nil || vendor != VendorMikrotik || len(inner) < 2 {
		return 0, nil, false
	}
	length := int(inner[1])
	if length < 2 || length > len(inner) {
		return 0, nil, false
	}
	return inner[0], inner[2:length], true
}

var _ = Describe("Mikrotik attributes", func() {
	It("frames the rate limit inside a Vendor-Specific attribute", func() {
		vsa, err := buildMikrotikVSA(MikrotikRateLimit, []byte("1M/2M"))
		Expect(err).NotTo(HaveOccurred())
		Expect([]byte(vsa)).To(Equal([]byte{0x00, 0x00, 0x3a, 0x8c, 8, 7, '1', 'M', '/', '2', 'M'}))

		typ, value, ok := parseMikrotikVSA(vsa)
		Expect(ok).To(BeTrue())
		Expect(typ).To(Equal(MikrotikRateLimit))
		Expect(string(value)).To(Equal("1M/2M"))
	})

	It("refuses values that do not fit one attribute", func() {
		_, err := buildMikrotikVSA(MikrotikRateLimit, []byte(strings.Repeat("x", 248)))
		Expect(err).To(HaveOccurred())
		_, err = buildMikrotikVSA(MikrotikRateLimit, []byte(strings.Repeat("x", 254)))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("RADIUS server", func() {
	var (
		secret   = []byte("testing123")
		gateway  *fakeGateway
		registry *fakeRegistry
		server   *Server
		authAddr string
		acctAddr string
	)

	listen := func() net.PacketConn {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		return conn
	}

	exchange := func(p *radius.Packet, addr string) (*radius.Packet, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		return radius.Exchange(ctx, p, addr)
	}

	accessRequest := func() *radius.Packet {
		p := radius.New(radius.CodeAccessRequest, secret)
		Expect(rfc2865.UserName_SetString(p, "alice")).To(Succeed())
		Expect(rfc2865.UserPassword_SetString(p, "wonderland")).To(Succeed())
		Expect(rfc2865.CallingStationID_SetString(p, "AA-BB-CC-DD-EE-FF")).To(Succeed())
		return p
	}

	BeforeEach(func() {
		gateway = &fakeGateway{}
		registry = &fakeRegistry{secret: secret, known: true}
		server = New(gateway, registry, zap.NewNop(), Config{})

		authConn, acctConn := listen(), listen()
		authAddr = authConn.LocalAddr().String()
		acctAddr = acctConn.LocalAddr().String()
		server.Serve(authConn, acctConn)
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		Expect(server.Shutdown(ctx)).To(Succeed())
	})

	Describe("Access-Request", func() {
		It("answers Accept with session attributes", func() {
			gateway.result = &models.AuthResult{
				Decision:       models.DecisionAccept,
				SessionID:      "sess-1",
				Profile:        "basic",
				RateLimit:      "1M/2M",
				SessionTimeout: time.Hour,
				IdleTimeout:    10 * time.Minute,
			}

			resp, err := exchange(accessRequest(), authAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Code).To(Equal(radius.CodeAccessAccept))
			Expect(rfc2865.SessionTimeout_Get(resp)).To(Equal(rfc2865.SessionTimeout(3600)))
			Expect(rfc2865.IdleTimeout_Get(resp)).To(Equal(rfc2865.IdleTimeout(600)))
			Expect(string(rfc2865.Class_Get(resp))).To(Equal("sess-1"))
			Expect(rfc2869.AcctInterimInterval_Get(resp)).To(Equal(rfc2869.AcctInterimInterval(300)))

			vsa, ok := resp.Lookup(rfc2865.VendorSpecific_Type)
			Expect(ok).To(BeTrue())
			typ, value, ok := parseMikrotikVSA(vsa)
			Expect(ok).To(BeTrue())
			Expect(typ).To(Equal(MikrotikRateLimit))
			Expect(string(value)).To(Equal("1M/2M"))

			req := gateway.lastAuth()
			Expect(req.Username).To(Equal("alice"))
			Expect(req.Password).To(Equal("wonderland"))
			Expect(req.MAC).To(Equal("AA-BB-CC-DD-EE-FF"))
			Expect(req.NASID).To(Equal("hq-ap"))
		})

		It("answers Reject with the reason code only", func() {
			gateway.result = models.Reject(models.CodeMacBlocked)

			resp, err := exchange(accessRequest(), authAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Code).To(Equal(radius.CodeAccessReject))
			Expect(rfc2865.ReplyMessage_GetString(resp)).To(Equal(models.CodeMacBlocked))
			_, hasClass := resp.Lookup(rfc2865.Class_Type)
			Expect(hasClass).To(BeFalse())
		})

		It("drops packets from unknown NAS devices", func() {
			registry.known = false
			gateway.result = models.Reject(models.CodeInvalidCredentials)

			_, err := exchange(accessRequest(), authAddr)
			Expect(err).To(HaveOccurred())
			Expect(gateway.auths).To(BeEmpty())
		})
	})

	Describe("Accounting-Request", func() {
		accountingRequest := func(status rfc2866.AcctStatusType) *radius.Packet {
			p := radius.New(radius.CodeAccountingRequest, secret)
			Expect(rfc2866.AcctStatusType_Set(p, status)).To(Succeed())
			Expect(rfc2866.AcctSessionID_SetString(p, "81a00001")).To(Succeed())
			Expect(rfc2865.Class_Set(p, []byte("sess-1"))).To(Succeed())
			Expect(rfc2865.CallingStationID_SetString(p, "AA:BB:CC:DD:EE:FF")).To(Succeed())
			Expect(rfc2865.FramedIPAddress_Set(p, net.ParseIP("10.5.0.20").To4())).To(Succeed())
			Expect(rfc2866.AcctInputOctets_Set(p, 100)).To(Succeed())
			Expect(rfc2869.AcctInputGigawords_Set(p, 1)).To(Succeed())
			Expect(rfc2866.AcctOutputOctets_Set(p, 2000)).To(Succeed())
			Expect(rfc2866.AcctSessionTime_Set(p, 90)).To(Succeed())
			return p
		}

		It("decodes counters and acknowledges", func() {
			p := accountingRequest(rfc2866.AcctStatusType_Value_Stop)
			Expect(rfc2866.AcctTerminateCause_Set(p, rfc2866.AcctTerminateCause_Value_IdleTimeout)).To(Succeed())

			resp, err := exchange(p, acctAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Code).To(Equal(radius.CodeAccountingResponse))

			req := gateway.lastAcct()
			Expect(req.Status).To(Equal(models.AcctStop))
			Expect(req.SessionID).To(Equal("sess-1"))
			Expect(req.AcctSessionID).To(Equal("81a00001"))
			Expect(req.FramedIP).To(Equal("10.5.0.20"))
			Expect(req.BytesIn).To(Equal(uint64(1)<<32 + 100))
			Expect(req.BytesOut).To(Equal(uint64(2000)))
			Expect(req.SessionTime).To(Equal(int64(90)))
			Expect(req.TerminateCause).To(Equal("Idle-Timeout"))
		})

		It("acknowledges requests the gateway refused", func() {
			gateway.acctErr = models.NewNotFound("session")
			resp, err := exchange(accountingRequest(rfc2866.AcctStatusType_Value_InterimUpdate), acctAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Code).To(Equal(radius.CodeAccountingResponse))
		})

		It("stays silent on transient failures so the NAS retries", func() {
			gateway.acctErr = models.NewTransientFailure(models.CodeUnavailable, context.DeadlineExceeded)
			_, err := exchange(accountingRequest(rfc2866.AcctStatusType_Value_InterimUpdate), acctAddr)
			Expect(err).To(HaveOccurred())
		})

		It("acknowledges Accounting-On without calling the gateway", func() {
			resp, err := exchange(accountingRequest(rfc2866.AcctStatusType_Value_AccountingOn), acctAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Code).To(Equal(radius.CodeAccountingResponse))
			Expect(gateway.accounts).To(BeEmpty())
		})
	})
})
