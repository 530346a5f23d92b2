package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestLimiter(policy backoffPolicy) (*keyedLimiter, *fakeClock) {
	clk := newFakeClock()
	rl := newKeyedLimiter(policy)
	rl.now = clk.now
	return rl, clk
}

func TestKeyedLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter(accountPolicy)
	for range accountPolicy.threshold - 1 {
		rl.record("alice@example.com")
		blocked, _ := rl.check("alice@example.com")
		assert.False(t, blocked, "should not block before reaching the threshold")
	}
}

func TestKeyedLimiter_BlocksAtThreshold(t *testing.T) {
	rl, _ := newTestLimiter(accountPolicy)
	for range accountPolicy.threshold {
		rl.record("alice@example.com")
	}
	blocked, retryAfter := rl.check("alice@example.com")
	require.True(t, blocked)
	assert.Equal(t, accountPolicy.base, retryAfter)
}

func TestKeyedLimiter_ExponentialBackoffCapped(t *testing.T) {
	rl, _ := newTestLimiter(accountPolicy)
	for range accountPolicy.threshold + 1 {
		rl.record("alice@example.com")
	}
	_, second := rl.check("alice@example.com")
	assert.Equal(t, 2*accountPolicy.base, second, "one more failure doubles the lockout")

	for range 20 {
		rl.record("alice@example.com")
	}
	_, capped := rl.check("alice@example.com")
	assert.Equal(t, accountPolicy.max, capped)
}

func TestKeyedLimiter_LockoutElapses(t *testing.T) {
	rl, clk := newTestLimiter(accountPolicy)
	for range accountPolicy.threshold {
		rl.record("alice@example.com")
	}
	clk.advance(accountPolicy.base + time.Second)
	blocked, _ := rl.check("alice@example.com")
	assert.False(t, blocked)
}

func TestKeyedLimiter_ResetAndIsolation(t *testing.T) {
	rl, _ := newTestLimiter(accountPolicy)
	for range accountPolicy.threshold {
		rl.record("alice@example.com")
	}
	blocked, _ := rl.check("bob@example.com")
	assert.False(t, blocked, "other keys are unaffected")

	rl.reset("alice@example.com")
	blocked, _ = rl.check("alice@example.com")
	assert.False(t, blocked)
}

func TestKeyedLimiter_SweepRemovesExpired(t *testing.T) {
	rl, clk := newTestLimiter(accountPolicy)
	rl.record("alice@example.com")
	clk.advance(accountPolicy.expiry + time.Minute)
	rl.record("bob@example.com")

	rl.sweep()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.attempts, "alice@example.com")
	assert.Contains(t, rl.attempts, "bob@example.com")
}

func TestWindowLimiter(t *testing.T) {
	clk := newFakeClock()
	rl := newWindowLimiter(time.Minute, 3, 5*time.Minute)
	rl.now = clk.now

	rl.record()
	rl.record()
	blocked, _ := rl.check()
	assert.False(t, blocked)

	// Events that slid out of the window do not count.
	clk.advance(2 * time.Minute)
	rl.record()
	blocked, _ = rl.check()
	assert.False(t, blocked)

	rl.record()
	rl.record()
	blocked, retryAfter := rl.check()
	require.True(t, blocked)
	assert.Equal(t, 5*time.Minute, retryAfter)
}

func TestLoginLimiters(t *testing.T) {
	clk := newFakeClock()
	l := newLoginLimiters()
	l.account.now = clk.now
	l.ip.now = clk.now
	l.global.now = clk.now

	for range accountPolicy.threshold {
		l.failure("alice@example.com", "198.51.100.1")
	}
	blocked, _ := l.check("alice@example.com", "198.51.100.2")
	assert.True(t, blocked, "account lockout applies from any address")
	blocked, _ = l.check("bob@example.com", "198.51.100.1")
	assert.False(t, blocked, "ip is below its own threshold")

	l.success("alice@example.com", "198.51.100.1")
	blocked, _ = l.check("alice@example.com", "198.51.100.1")
	assert.False(t, blocked)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(200*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIPWithProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	trustedV6 := []netip.Prefix{netip.MustParsePrefix("fd00::/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trusted    []netip.Prefix
		want       string
	}{
		{
			name:       "remote ipv4",
			remoteAddr: "192.168.1.1:12345",
			want:       "192.168.1.1",
		},
		{
			name:       "remote ipv6",
			remoteAddr: "[::1]:8080",
			want:       "::1",
		},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted proxy honours xff first valid entry",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 203.0.113.50, 10.0.0.3"},
			trusted:    trusted,
			want:       "203.0.113.50",
		},
		{
			name:       "untrusted peer ignores spoofed headers",
			remoteAddr: "203.0.113.99:12345",
			headers: map[string]string{
				"X-Forwarded-For": "10.0.0.1",
				"Forwarded":       "for=10.0.0.2",
				"X-Real-IP":       "10.0.0.3",
			},
			trusted: trusted,
			want:    "203.0.113.99",
		},
		{
			name:       "forwarded before x-real-ip",
			remoteAddr: "10.0.0.1:80",
			headers: map[string]string{
				"Forwarded": "for=198.51.100.20;proto=https",
				"X-Real-IP": "198.51.100.30",
			},
			trusted: trusted,
			want:    "198.51.100.20",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "198.51.100.30"},
			trusted:    trusted,
			want:       "198.51.100.30",
		},
		{
			name:       "quoted ipv6 in forwarded",
			remoteAddr: "[fd00::1]:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::42]:1234"`},
			trusted:    trustedV6,
			want:       "2001:db8::42",
		},
		{
			name:       "empty when nothing parseable",
			remoteAddr: "not-a-hostport",
			want:       "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.trusted))
		})
	}
}

func TestWithTrustedProxies(t *testing.T) {
	t.Run("cidrs and bare addresses", func(t *testing.T) {
		opt, err := WithTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7", "::1"})
		require.NoError(t, err)
		a := &API{}
		opt(a)
		require.Len(t, a.trustedProxies, 3)
		assert.Equal(t, 32, a.trustedProxies[1].Bits())
		assert.Equal(t, 128, a.trustedProxies[2].Bits())
	})

	t.Run("invalid entry fails", func(t *testing.T) {
		_, err := WithTrustedProxies([]string{"10.0.0.0/8", "garbage"})
		require.Error(t, err)
	})

	t.Run("api method uses configured proxies", func(t *testing.T) {
		a := &API{trustedProxies: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")}}
		r := &http.Request{
			RemoteAddr: "10.0.0.2:80",
			Header:     http.Header{"X-Forwarded-For": []string{"198.51.100.25"}},
		}
		assert.Equal(t, "10.0.0.2", a.clientIP(r), "10.0.0.2 is not in 10.0.0.1/32")
	})
}
