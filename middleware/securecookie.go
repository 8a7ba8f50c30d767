package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid secure cookie format")
	ErrCookieInvalid = errors.New("invalid secure cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the amount of client-supplied data we will decode.
const maxCookieLen = 8192

// DefaultAEADKeysize is the key size (in bytes) for the default AEAD,
// XChaCha20-Poly1305.
const DefaultAEADKeysize = chacha20poly1305.KeySize

// SecureCookie seals values of type T into a named cookie and opens them again.
//
// Format: [keyID] "." base64url(nonce || AEAD.Seal(plaintext, aad))
// where plaintext is the CBOR encoding of the value and aad binds the cookie
// name, domain, path and secure flag. keys holds every accepted key; keyID
// selects the key used for sealing, so old keys can be kept for rotation.
type SecureCookie[T any] struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	keyID   string
	keys    map[string][]byte
	newAEAD func([]byte) (cipher.AEAD, error)
}

// SecureCookieOption configures a SecureCookie.
type SecureCookieOption func(*cookieAttrs)

type cookieAttrs struct {
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	newAEAD  func([]byte) (cipher.AEAD, error)
}

// WithAEAD configures a custom AEAD factory (e.g. AES-GCM).
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(a *cookieAttrs) {
		a.newAEAD = f
	}
}

// WithPath configures the cookie path.
func WithPath(path string) SecureCookieOption {
	return func(a *cookieAttrs) {
		a.path = path
	}
}

// WithDomain configures the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(a *cookieAttrs) {
		a.domain = domain
	}
}

// WithSecure configures the cookie secure flag.
func WithSecure(secure bool) SecureCookieOption {
	return func(a *cookieAttrs) {
		a.secure = secure
	}
}

// WithSameSite configures the cookie SameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(a *cookieAttrs) {
		a.sameSite = sameSite
	}
}

// NewSecureCookie creates a SecureCookie using XChaCha20-Poly1305 and CBOR.
//
// Defaults: Path "/", HttpOnly, Secure, SameSite=Lax.
func NewSecureCookie[T any](cookieName, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookie[T], error) {
	a := cookieAttrs{
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		newAEAD:  chacha20poly1305.NewX,
	}
	for _, opt := range opts {
		opt(&a)
	}
	if a.path == "" {
		a.path = "/"
	}
	if cookieName == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	if a.newAEAD == nil {
		return nil, fmt.Errorf("%w: nil AEAD factory", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	for id, k := range keys {
		if _, err := a.newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
	}

	return &SecureCookie[T]{
		name:     cookieName,
		path:     a.path,
		domain:   a.domain,
		secure:   a.secure,
		sameSite: a.sameSite,
		keyID:    keyID,
		keys:     keys,
		newAEAD:  a.newAEAD,
	}, nil
}

// Name returns the cookie name.
func (sc *SecureCookie[T]) Name() string {
	return sc.name
}

func (sc *SecureCookie[T]) aad() []byte {
	secureStr := "f"
	if sc.secure {
		secureStr = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secureStr)
}

// Encode seals v and returns the cookie carrying it.
func (sc *SecureCookie[T]) Encode(v T, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	aead, err := sc.newAEAD(sc.keys[sc.keyID])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, sc.aad())

	return &http.Cookie{
		Name:     sc.name,
		Value:    sc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed),
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
	}, nil
}

// Decode opens a raw cookie value produced by Encode.
func (sc *SecureCookie[T]) Decode(value string) (T, error) {
	var zero T
	if len(value) == 0 || len(value) > maxCookieLen {
		return zero, ErrCookieFormat
	}
	keyID, encB64, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encB64 == "" {
		return zero, ErrCookieFormat
	}
	key, ok := sc.keys[keyID]
	if !ok {
		return zero, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encB64)
	if err != nil {
		return zero, ErrCookieFormat
	}
	aead, err := sc.newAEAD(key)
	if err != nil {
		return zero, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return zero, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, sc.aad())
	if err != nil {
		return zero, ErrCookieInvalid
	}

	var v T
	if err := cbor.Unmarshal(plain, &v); err != nil {
		return zero, ErrCookieInvalid
	}
	return v, nil
}

// Clear returns a cookie that removes this cookie from the client.
func (sc *SecureCookie[T]) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Domain:   sc.domain,
		Path:     sc.path,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: sc.sameSite,
		Value:    "",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}
