package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrIPNotAllowed     = errors.New("source ip not allowed")
	ErrNoSecret         = errors.New("signing secret not configured")
)

// Request is an inbound webhook delivery as seen by the transport.
type Request struct {
	Body       []byte
	Header     http.Header
	RemoteAddr string
}

// FromHTTP captures the transport metadata of r alongside an already-read body.
func FromHTTP(r *http.Request, body []byte) *Request {
	return &Request{Body: body, Header: r.Header.Clone(), RemoteAddr: r.RemoteAddr}
}

// Verifier authenticates the origin of a delivery.
type Verifier interface {
	Verify(req *Request) error
}

// HMACVerifier checks a hex-encoded keyed hash of the raw body carried in Header.
type HMACVerifier struct {
	Header string
	Secret []byte
	Hash   func() hash.Hash
}

// NewPaystackVerifier checks X-Paystack-Signature, an HMAC-SHA512 of the body under the secret key.
func NewPaystackVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{Header: "X-Paystack-Signature", Secret: []byte(secret), Hash: sha512.New}
}

// Sign returns the signature a sender holding the same secret would attach to body.
func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(v.Hash, v.Secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify rejects every delivery when no secret is configured.
func (v *HMACVerifier) Verify(req *Request) error {
	if len(v.Secret) == 0 {
		return ErrNoSecret
	}
	got := strings.TrimSpace(req.Header.Get(v.Header))
	if got == "" {
		return ErrMissingSignature
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(v.Hash, v.Secret)
	mac.Write(req.Body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// IPAllowList admits deliveries whose client address falls in one of the allowed prefixes.
// X-Forwarded-For is consulted for exactly one hop, and only when the direct peer is a trusted proxy.
type IPAllowList struct {
	allowed []netip.Prefix
	proxies []netip.Prefix
}

// NewIPAllowList parses addresses or CIDR ranges for the allow-list and trusted proxies.
func NewIPAllowList(allowed, trustedProxies []string) (*IPAllowList, error) {
	a, err := parsePrefixes(allowed)
	if err != nil {
		return nil, fmt.Errorf("allowed ips: %w", err)
	}
	p, err := parsePrefixes(trustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	return &IPAllowList{allowed: a, proxies: p}, nil
}

func parsePrefixes(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP resolves the address the delivery originated from.
func (l *IPAllowList) ClientIP(req *Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("remote addr %q: %w", req.RemoteAddr, err)
	}
	peer = peer.Unmap()

	if !contains(l.proxies, peer) {
		return peer, nil
	}

	xff := req.Header.Values("X-Forwarded-For")
	if len(xff) == 0 {
		return peer, nil
	}
	hops := strings.Split(xff[len(xff)-1], ",")
	client, err := netip.ParseAddr(strings.TrimSpace(hops[len(hops)-1]))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("forwarded for: %w", err)
	}
	return client.Unmap(), nil
}

func (l *IPAllowList) Verify(req *Request) error {
	ip, err := l.ClientIP(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIPNotAllowed, err)
	}
	if !contains(l.allowed, ip) {
		return fmt.Errorf("%w: %s", ErrIPNotAllowed, ip)
	}
	return nil
}
