package feedsync

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
)

func startDNS(t *testing.T, known map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		if ip, ok := known[q.Name]; ok {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			})
		} else {
			resp.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(resp)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestProbe(t *testing.T) {
	dnsAddr := startDNS(t, map[string]string{"feed.test.": "127.0.0.1"})
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
	}))
	defer httpSrv.Close()

	_, port, _ := net.SplitHostPort(httpSrv.Listener.Addr().String())
	prober := NewProber(dnsAddr, nil)

	results := prober.Probe(context.Background(), []string{
		"http://missing.test:" + port + "/",
		"http://127.0.0.1:" + port + "/",
	})

	ok := map[string]bool{}
	for _, r := range results {
		ok[r.Endpoint] = r.OK
	}
	if !ok["http://127.0.0.1:"+port+"/"] {
		t.Fatalf("IP literal endpoint should pass: %+v", results)
	}
	if ok["http://missing.test:"+port+"/"] {
		t.Fatalf("NXDOMAIN endpoint should fail: %+v", results)
	}
	if err := prober.resolve(context.Background(), "feed.test"); err != nil {
		t.Fatalf("resolve via test server: %v", err)
	}
	if !anyOK(results) {
		t.Fatal("anyOK = false")
	}
}
