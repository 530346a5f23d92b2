package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// backoffPolicy describes an exponential lockout: once threshold events are
// recorded for a key, the key is locked for base, doubling per further event
// up to max. Records idle for longer than expiry are forgotten.
type backoffPolicy struct {
	threshold int
	base      time.Duration
	max       time.Duration
	expiry    time.Duration
}

var (
	// Failed sign-ins per normalized email.
	accountPolicy = backoffPolicy{threshold: 5, base: time.Minute, max: 15 * time.Minute, expiry: time.Hour}
	// Failed sign-ins per client IP.
	ipPolicy = backoffPolicy{threshold: 20, base: time.Minute, max: 30 * time.Minute, expiry: time.Hour}
	// Registrations per client IP, successful or not.
	registrationIPPolicy = backoffPolicy{threshold: 5, base: 5 * time.Minute, max: time.Hour, expiry: time.Hour}
	// Wrong second-factor codes per pending challenge.
	twoFactorPolicy = backoffPolicy{threshold: 5, base: time.Minute, max: 15 * time.Minute, expiry: 10 * time.Minute}
)

type attemptRecord struct {
	count       int
	lastAttempt time.Time
	lockedUntil time.Time
}

// keyedLimiter applies a backoffPolicy per key.
type keyedLimiter struct {
	policy backoffPolicy
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

func newKeyedLimiter(policy backoffPolicy) *keyedLimiter {
	return &keyedLimiter{
		policy:   policy,
		now:      time.Now,
		attempts: make(map[string]*attemptRecord),
	}
}

// check reports whether key is locked out and for how much longer.
func (rl *keyedLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastAttempt) > rl.policy.expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// record counts one event against key and extends the lockout once the
// threshold is reached.
func (rl *keyedLimiter) record(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.count++
	rec.lastAttempt = now

	if rec.count < rl.policy.threshold {
		return
	}
	lockout := rl.policy.base
	for range rec.count - rl.policy.threshold {
		lockout *= 2
		if lockout >= rl.policy.max {
			lockout = rl.policy.max
			break
		}
	}
	rec.lockedUntil = now.Add(lockout)
}

// reset forgets key, typically after a successful sign-in.
func (rl *keyedLimiter) reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records.
func (rl *keyedLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastAttempt) > rl.policy.expiry {
			delete(rl.attempts, key)
		}
	}
}

// windowLimiter locks everyone out for lockout once max events land within
// window.
type windowLimiter struct {
	window  time.Duration
	max     int
	lockout time.Duration
	now     func() time.Time

	mu          sync.Mutex
	events      []time.Time
	lockedUntil time.Time
}

func newWindowLimiter(window time.Duration, max int, lockout time.Duration) *windowLimiter {
	return &windowLimiter{window: window, max: max, lockout: lockout, now: time.Now}
}

// Total failed sign-ins and total registrations across all clients.
func newGlobalLoginLimiter() *windowLimiter {
	return newWindowLimiter(time.Minute, 100, 5*time.Minute)
}

func newGlobalRegistrationLimiter() *windowLimiter {
	return newWindowLimiter(time.Minute, 50, 5*time.Minute)
}

func (rl *windowLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *windowLimiter) record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.events = trimWindow(append(rl.events, now), now, rl.window)
	if len(rl.events) >= rl.max {
		rl.lockedUntil = now.Add(rl.lockout)
	}
}

// loginLimiters groups the three layers consulted before a sign-in attempt.
type loginLimiters struct {
	account *keyedLimiter
	ip      *keyedLimiter
	global  *windowLimiter
}

func newLoginLimiters() *loginLimiters {
	return &loginLimiters{
		account: newKeyedLimiter(accountPolicy),
		ip:      newKeyedLimiter(ipPolicy),
		global:  newGlobalLoginLimiter(),
	}
}

// check returns the first active lockout, tightest scope first.
func (l *loginLimiters) check(account, ip string) (bool, time.Duration) {
	if blocked, d := l.account.check(account); blocked {
		return true, d
	}
	if blocked, d := l.ip.check(ip); blocked {
		return true, d
	}
	return l.global.check()
}

func (l *loginLimiters) failure(account, ip string) {
	l.account.record(account)
	l.ip.record(ip)
	l.global.record()
}

func (l *loginLimiters) success(account, ip string) {
	l.account.reset(account)
	l.ip.reset(ip)
}

func (l *loginLimiters) sweep() {
	l.account.sweep()
	l.ip.sweep()
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// clientIP returns the client IP for rate limiting, honouring proxy headers
// only from configured trusted proxies.
func (a *API) clientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers are consulted only when RemoteAddr falls inside one of
// trustedProxies; with none configured RemoteAddr always wins. Priority
// when trusted: first valid X-Forwarded-For entry, then the first valid
// Forwarded for= value, then X-Real-IP, then RemoteAddr.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if !peerTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for part := range strings.SplitSeq(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}

	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		for elem := range strings.SplitSeq(fwd, ",") {
			for param := range strings.SplitSeq(elem, ";") {
				param = strings.TrimSpace(param)
				if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
					continue
				}
				if ip, ok := parseIPCandidate(param[4:]); ok {
					return ip
				}
			}
		}
	}

	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remoteIP
}

func peerTrusted(remoteIP string, trustedProxies []netip.Prefix) bool {
	if len(trustedProxies) == 0 || remoteIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseTrustedProxies parses CIDRs; a bare address is a single-host prefix.
func parseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}
