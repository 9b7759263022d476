package feedsync

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"golang.org/x/net/proxy"

	"ipwarden/internal/config"
)

type Strategy string

const (
	StrategyInsecure Strategy = "insecure"
	StrategyVerified Strategy = "verified"
	StrategyRaw      Strategy = "raw"
	StrategyStream   Strategy = "stream"
	StrategyBrowser  Strategy = "browser"
	// strategyDirect is the raw socket variant used after every mirror
	// strategy failed; it tolerates certificate problems.
	strategyDirect Strategy = "direct"

	defaultFetchTimeout = 30 * time.Second
	defaultMaxBody      = 10 << 20
	userAgent           = "ipwarden-feed/1.0"
)

var (
	ErrHostBlocked = errors.New("feed host is on the never-contact list")
	ErrNotFeed     = errors.New("body is not feed shaped")
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Fetcher downloads feed bodies with one of several transport strategies.
type Fetcher struct {
	timeout time.Duration
	maxBody int64
	never   config.HostBlocklist

	dial     dialFunc
	proxyURL *url.URL
	insecure *http.Client
	verified *http.Client
}

func NewFetcher(cfg config.FeedConfig) (*Fetcher, error) {
	timeout := time.Duration(cfg.FetchTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	base := &net.Dialer{Timeout: timeout}
	f := &Fetcher{
		timeout: timeout,
		maxBody: maxBody,
		never:   config.NewHostBlocklist(cfg.NeverContact),
		dial:    base.DialContext,
	}

	if cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("feed proxy url: %w", err)
		}
		d, err := proxy.FromURL(u, base)
		if err != nil {
			return nil, fmt.Errorf("feed proxy dialer: %w", err)
		}
		f.proxyURL = u
		if cd, ok := d.(proxy.ContextDialer); ok {
			f.dial = cd.DialContext
		} else {
			f.dial = func(_ context.Context, network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}
		}
	}

	f.insecure = f.newClient(&tls.Config{InsecureSkipVerify: true})
	f.verified = f.newClient(&tls.Config{MinVersion: tls.VersionTLS12})
	return f, nil
}

func (f *Fetcher) newClient(tlsCfg *tls.Config) *http.Client {
	transport := &http.Transport{
		DialContext:         f.dial,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        4,
		IdleConnTimeout:     30 * time.Second,
	}
	return &http.Client{Timeout: f.timeout, Transport: transport}
}

// Fetch downloads rawURL with strategy and returns the (size capped) body.
func (f *Fetcher) Fetch(ctx context.Context, strategy Strategy, rawURL string) ([]byte, error) {
	if f.never.Blocks(rawURL) {
		return nil, permanent(fmt.Errorf("%w: %s", ErrHostBlocked, rawURL))
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	switch strategy {
	case StrategyInsecure:
		return f.fetchHTTP(ctx, f.insecure, rawURL)
	case StrategyVerified:
		return f.fetchHTTP(ctx, f.verified, rawURL)
	case StrategyRaw:
		return f.fetchRaw(ctx, rawURL, false)
	case strategyDirect:
		return f.fetchRaw(ctx, rawURL, true)
	case StrategyStream:
		return f.fetchStream(ctx, rawURL)
	case StrategyBrowser:
		return f.fetchBrowser(ctx, rawURL)
	default:
		return nil, permanent(fmt.Errorf("unknown fetch strategy %q", strategy))
	}
}

func (f *Fetcher) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/plain, */*")
	return req, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := f.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	return f.readResponse(resp)
}

func (f *Fetcher) readResponse(resp *http.Response) ([]byte, error) {
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return permanent(err)
	}
	return err
}

// fetchRaw speaks HTTP/1.0 over a plain socket, wrapping it in TLS for https.
func (f *Fetcher) fetchRaw(ctx context.Context, rawURL string, skipVerify bool) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, permanent(fmt.Errorf("parse url: %w", err))
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	conn, err := f.dial(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if u.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host, InsecureSkipVerify: skipVerify, MinVersion: tls.VersionTLS12})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("tls handshake %s: %w", host, err)
		}
		conn = tlsConn
	}

	path := u.RequestURI()
	request := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nUser-Agent: %s\r\nAccept: */*\r\nConnection: close\r\n\r\n", path, u.Host, userAgent)
	if _, err := io.WriteString(conn, request); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return nil, fmt.Errorf("read response head: %w", err)
	}
	defer resp.Body.Close()
	return f.readResponse(resp)
}

// fetchStream reads the body line by line and keeps what arrived before a
// truncated transfer.
func (f *Fetcher) fetchStream(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := f.newRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.verified.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	reader := bufio.NewReader(io.LimitReader(resp.Body, f.maxBody))
	for {
		line, readErr := reader.ReadBytes('\n')
		buf.Write(line)
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if buf.Len() > 0 {
			break
		}
		return nil, fmt.Errorf("stream body: %w", readErr)
	}
	return buf.Bytes(), nil
}

// fetchBrowser renders the URL in a throwaway headless browser.
func (f *Fetcher) fetchBrowser(ctx context.Context, rawURL string) ([]byte, error) {
	l := launcher.New().Leakless(true).Headless(true)
	if f.proxyURL != nil {
		l = l.Proxy(f.proxyURL.Scheme + "://" + f.proxyURL.Host)
	}
	defer l.Cleanup()

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("browser connect: %w", err)
	}
	defer func() { _ = browser.Close() }()

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("stealth page: %w", err)
	}
	page = page.Timeout(f.timeout)

	if err := page.Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}
	body, err := page.Element("body")
	if err != nil {
		return nil, fmt.Errorf("find body: %w", err)
	}
	text, err := body.Text()
	if err != nil {
		return nil, fmt.Errorf("body text: %w", err)
	}
	if int64(len(text)) > f.maxBody {
		text = text[:f.maxBody]
	}
	return []byte(text), nil
}
