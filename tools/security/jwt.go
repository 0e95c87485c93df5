package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"PPRealtime/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	claimType   = "type"
	claimDevice = "device_id"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte           // HMAC 密钥（生产用ENV/KMS）
	Alg    string           // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration    // 令牌有效期（默认 2h）
	Clock  func() time.Time // nil => time.Now
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

// TokenInfo is the identity extracted from a validated access token. It only
// lives for the duration of a handshake.
type TokenInfo struct {
	UserID    string
	DeviceID  string // empty when the token carries no device claim
	ExpiresAt time.Time
}

type TokenRequest struct {
	UserID   string
	DeviceID string
	Type     string        // "" => access
	TTL      time.Duration // 0 => Options.TTL; negative mints an already expired token
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Generate mints a signed token. Issuance belongs to the account service;
// the gateway only uses this for tests and local tooling.
func Generate(opts Options, req TokenRequest) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = opts.TTL
	}
	if ttl == 0 {
		ttl = 2 * time.Hour
	}
	typ := req.Type
	if typ == "" {
		typ = TokenTypeAccess
	}
	now := opts.now()
	exp := now.Add(ttl)

	claims := jwtlib.MapClaims{
		"sub":     req.UserID,
		"iat":     now.Unix(),
		"exp":     exp.Unix(),
		claimType: typ,
	}
	if req.DeviceID != "" {
		claims[claimDevice] = req.DeviceID
	}

	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ValidateAccess verifies signature, type and expiry of an access token and
// extracts the identity. Every rejection is an AuthenticationRejected error;
// ordinary bad input never panics.
func ValidateAccess(opts Options, token string) (*TokenInfo, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errs.ErrAuthRejected.WrapMsg("empty token")
	}
	if len(opts.Secret) == 0 {
		return nil, errs.ErrAuthRejected.WrapMsg("no signing secret configured")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, errs.ErrAuthRejected.WrapMsg(err.Error())
	}

	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithTimeFunc(opts.now),
		jwtlib.WithExpirationRequired(),
	)
	parsed, err := parser.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		return nil, errs.ErrAuthRejected.WrapMsg(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrAuthRejected.WrapMsg("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrAuthRejected.WrapMsg("claims type mismatch")
	}

	if typ, _ := claims[claimType].(string); typ != TokenTypeAccess {
		return nil, errs.ErrAuthRejected.WrapMsg("wrong token type", "type", claims[claimType])
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errs.ErrAuthRejected.WrapMsg("missing exp")
	}
	// the library accepts exp == now; expiry is exclusive here
	if !opts.now().Before(exp.Time) {
		return nil, errs.ErrAuthRejected.WrapMsg("token expired")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errs.ErrAuthRejected.WrapMsg("missing subject")
	}
	device, _ := claims[claimDevice].(string)

	return &TokenInfo{UserID: sub, DeviceID: device, ExpiresAt: exp.Time}, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
