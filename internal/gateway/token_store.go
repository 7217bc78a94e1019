package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenKind selects one of the two stored credentials.
type TokenKind int

const (
	// AccessToken is the short-lived credential presented on each upstream call.
	AccessToken TokenKind = iota
	// RefreshToken is the long-lived credential used only to obtain a new access token.
	RefreshToken
)

// String returns the log label of the kind.
func (kind TokenKind) String() string {
	if kind == RefreshToken {
		return "refresh_token"
	}
	return "access_token"
}

// TokenPair is the access/refresh pair issued by the identity service.
// RefreshToken may be empty on a refresh response, meaning "keep the current one".
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// TokenStore holds the current credentials of one client.
type TokenStore interface {
	Get(kind TokenKind) (string, bool)
	Set(kind TokenKind, value string, ttl time.Duration)
	Delete(kind TokenKind)
}

// AccessIssuanceReader is implemented by stores that remember when the access token was written.
type AccessIssuanceReader interface {
	AccessIssuedAt() (time.Time, bool)
}

// CookieTokenStore keeps tokens in HttpOnly cookies scoped to a single request/response.
// Writes made during the request are visible to later reads of the same request.
// Every access token write also stamps a companion cookie with the write time.
type CookieTokenStore struct {
	request       *http.Request
	writer        http.ResponseWriter
	configuration GatewayConfig
	clock         Clock
	pending       map[TokenKind]*string
	issuedAt      *time.Time
}

// NewCookieTokenStore binds a store to the given request and response writer.
func NewCookieTokenStore(request *http.Request, writer http.ResponseWriter, configuration GatewayConfig) *CookieTokenStore {
	return &CookieTokenStore{
		request:       request,
		writer:        writer,
		configuration: configuration,
		clock:         NewSystemClock(),
		pending:       make(map[TokenKind]*string, 2),
	}
}

// WithClock replaces the clock used to stamp access token writes.
func (store *CookieTokenStore) WithClock(clock Clock) *CookieTokenStore {
	if clock != nil {
		store.clock = clock
	}
	return store
}

// Get returns the token value, honoring writes already made during this request.
func (store *CookieTokenStore) Get(kind TokenKind) (string, bool) {
	if pendingValue, written := store.pending[kind]; written {
		if pendingValue == nil {
			return "", false
		}
		return *pendingValue, true
	}
	if store.request == nil {
		return "", false
	}
	cookie, cookieErr := store.request.Cookie(store.cookieName(kind))
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return "", false
	}
	return cookie.Value, true
}

// Set writes the token cookie with the given lifetime.
func (store *CookieTokenStore) Set(kind TokenKind, value string, ttl time.Duration) {
	storedValue := value
	store.pending[kind] = &storedValue
	maxAge := int(ttl / time.Second)
	store.writeCookie(store.cookieName(kind), value, maxAge)
	if kind == AccessToken {
		issuedAt := store.clock.Now().UTC().Truncate(time.Second)
		store.issuedAt = &issuedAt
		store.writeCookie(store.configuration.IssuedAtCookieName(), strconv.FormatInt(issuedAt.Unix(), 10), maxAge)
	}
}

// Delete expires the token cookie.
func (store *CookieTokenStore) Delete(kind TokenKind) {
	store.pending[kind] = nil
	store.writeCookie(store.cookieName(kind), "", -1)
	if kind == AccessToken {
		store.issuedAt = nil
		store.writeCookie(store.configuration.IssuedAtCookieName(), "", -1)
	}
}

// AccessIssuedAt returns when the current access token was written by the gateway.
// Tokens written before the stamp cookie existed report false.
func (store *CookieTokenStore) AccessIssuedAt() (time.Time, bool) {
	if _, found := store.Get(AccessToken); !found {
		return time.Time{}, false
	}
	if _, written := store.pending[AccessToken]; written {
		if store.issuedAt == nil {
			return time.Time{}, false
		}
		return *store.issuedAt, true
	}
	cookie, cookieErr := store.request.Cookie(store.configuration.IssuedAtCookieName())
	if cookieErr != nil {
		return time.Time{}, false
	}
	seconds, parseErr := strconv.ParseInt(strings.TrimSpace(cookie.Value), 10, 64)
	if parseErr != nil || seconds <= 0 {
		return time.Time{}, false
	}
	return time.Unix(seconds, 0).UTC(), true
}

func (store *CookieTokenStore) writeCookie(name string, value string, maxAge int) {
	if store.writer == nil {
		return
	}
	http.SetCookie(store.writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   store.configuration.CookieDomain,
		MaxAge:   maxAge,
		Secure:   store.configuration.SecureCookies,
		HttpOnly: true,
		SameSite: store.configuration.SameSiteMode,
	})
}

func (store *CookieTokenStore) cookieName(kind TokenKind) string {
	if kind == RefreshToken {
		return store.configuration.RefreshCookieName
	}
	return store.configuration.AccessCookieName
}

// MemoryTokenStore is an in-memory TokenStore intended for tests.
type MemoryTokenStore struct {
	mutex   sync.Mutex
	values  map[TokenKind]string
	ttls    map[TokenKind]time.Duration
	writes  int
	deletes int
}

// NewMemoryTokenStore creates a store seeded with the given pair; empty fields stay absent.
func NewMemoryTokenStore(seed TokenPair) *MemoryTokenStore {
	store := &MemoryTokenStore{
		values: make(map[TokenKind]string, 2),
		ttls:   make(map[TokenKind]time.Duration, 2),
	}
	if seed.AccessToken != "" {
		store.values[AccessToken] = seed.AccessToken
	}
	if seed.RefreshToken != "" {
		store.values[RefreshToken] = seed.RefreshToken
	}
	return store
}

// Get returns the stored value.
func (store *MemoryTokenStore) Get(kind TokenKind) (string, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.values[kind]
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// Set stores a value.
func (store *MemoryTokenStore) Set(kind TokenKind, value string, ttl time.Duration) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.values[kind] = value
	store.ttls[kind] = ttl
	store.writes++
}

// Delete removes a value.
func (store *MemoryTokenStore) Delete(kind TokenKind) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.values, kind)
	delete(store.ttls, kind)
	store.deletes++
}

// Pair returns a snapshot of both tokens.
func (store *MemoryTokenStore) Pair() TokenPair {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return TokenPair{AccessToken: store.values[AccessToken], RefreshToken: store.values[RefreshToken]}
}

// TTL returns the lifetime recorded by the last Set of kind.
func (store *MemoryTokenStore) TTL(kind TokenKind) time.Duration {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.ttls[kind]
}

// Writes returns how many Set calls the store received.
func (store *MemoryTokenStore) Writes() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.writes
}
