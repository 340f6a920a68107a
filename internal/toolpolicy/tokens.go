package toolpolicy

import (
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

const (
	// DefaultSessionTTL bounds approved_for_session grants that carry
	// no explicit ttl.
	DefaultSessionTTL = 24 * time.Hour

	tokenCleanupInterval = 10 * time.Minute
)

// grant is the mutable cache entry behind an issued token.
type grant struct {
	token     Token
	remaining int
}

// TokenStore holds issued authorization tokens. Expiry is enforced both
// ways: the cache evicts on TTL, and Redeem re-checks IssuedAt+TTLMs so
// tests with a fake clock see deterministic expirations.
type TokenStore struct {
	clock Clock

	mu    sync.Mutex
	cache *gocache.Cache
}

// NewTokenStore creates a token store.
func NewTokenStore(clock Clock) *TokenStore {
	if clock == nil {
		clock = RealClock{}
	}
	return &TokenStore{
		clock: clock,
		cache: gocache.New(gocache.NoExpiration, tokenCleanupInterval),
	}
}

// Mint issues a token for the given grant parameters. The token string
// and IssuedAt are assigned here.
func (s *TokenStore) Mint(t Token) Token {
	t.Token = uuid.NewString()
	t.IssuedAt = s.clock.Now().UnixMilli()

	ttl := gocache.NoExpiration
	if t.TTLMs > 0 {
		ttl = time.Duration(t.TTLMs) * time.Millisecond
	}

	s.mu.Lock()
	s.cache.Set(t.Token, &grant{token: t, remaining: t.MaxUses}, ttl)
	s.mu.Unlock()
	return t
}

// Redeem consumes one use of a token on behalf of agentID invoking
// toolName. Missing and expired tokens are indistinguishable to the
// cache, so both return ErrTokenExpired.
func (s *TokenStore) Redeem(token, agentID, toolName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.cache.Get(token)
	if !found {
		return ErrTokenExpired
	}
	g := v.(*grant)

	if g.token.AgentID != agentID || g.token.ToolName != toolName {
		return ErrTokenInvalid
	}
	if g.token.TTLMs > 0 && s.clock.Now().UnixMilli() > g.token.IssuedAt+g.token.TTLMs {
		s.cache.Delete(token)
		return ErrTokenExpired
	}
	if g.token.MaxUses > 0 {
		if g.remaining <= 0 {
			return ErrTokenUsedUp
		}
		g.remaining--
	}
	return nil
}

// Get returns the token metadata without consuming a use.
func (s *TokenStore) Get(token string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.cache.Get(token)
	if !found {
		return Token{}, false
	}
	return v.(*grant).token, true
}

// Revoke invalidates a token. Reports whether it existed.
func (s *TokenStore) Revoke(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, found := s.cache.Get(token)
	s.cache.Delete(token)
	return found
}

// Flush drops every issued token.
func (s *TokenStore) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Flush()
}
