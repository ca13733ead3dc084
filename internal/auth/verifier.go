// Package auth verifies bearer tokens issued by the external identity
// provider and extracts the claims the rest of the server works with.
//
// Verification supports two kinds of key material: the provider's shared
// HS256 secret (the Supabase-style default) and an asymmetric JWKS
// endpoint resolved by the token's kid header. Every failure is returned
// as a coded value (missing, malformed, bad signature, expired, not yet
// valid, or key unavailable) so the request gate can make a uniform
// decision while logs keep the precise reason.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/config"
)

// tracerName is the OpenTelemetry instrumentation scope for this package.
const tracerName = "github.com/kazokunote/kazokunote-server/internal/auth"

// maxTokenSize caps accepted token strings at 8 KB. Anything larger is
// rejected as malformed before parsing.
const maxTokenSize = 8192

// Claims are the facts extracted from a verified token. They exist only
// for the duration of request handling and are never persisted.
type Claims struct {
	// Subject is the provider's stable, opaque identifier for the
	// external account. Always present after verification.
	Subject string

	// Email is the account email as asserted by the provider. Optional
	// at verification time; the linking flow enforces its presence
	// where required.
	Email string

	IssuedAt  time.Time
	ExpiresAt time.Time
}

// VerifierConfig configures token verification.
type VerifierConfig struct {
	// Issuer is the expected iss claim; tokens from other issuers fail
	// with a bad-signature-class error.
	Issuer string

	// Audience is the expected aud claim. Empty disables the check.
	Audience string

	// SigningSecret is the shared HS256 secret. Either this or KeyCache
	// must be set.
	SigningSecret config.Secret

	// KeyCache resolves asymmetric keys by kid for RS256/ES256 tokens.
	KeyCache *KeyCache

	// ClockSkew is the accepted drift when checking exp and nbf.
	ClockSkew time.Duration
}

// Verifier validates bearer tokens against the provider's key material.
// Verification is a pure function of the token and the current keys, so
// a single Verifier is shared by all requests.
type Verifier struct {
	cfg    VerifierConfig
	tracer trace.Tracer
}

// NewVerifier creates a Verifier. At least one of SigningSecret and
// KeyCache must be configured.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.SigningSecret == "" && cfg.KeyCache == nil {
		return nil, apperr.New(apperr.CodeInternalConfiguration,
			"auth: verifier needs a signing secret or a key cache")
	}
	if cfg.Issuer == "" {
		return nil, apperr.New(apperr.CodeInternalConfiguration,
			"auth: verifier issuer must not be empty")
	}
	return &Verifier{cfg: cfg, tracer: otel.Tracer(tracerName)}, nil
}

// Verify checks the token's signature, expiry, and not-before claim and
// returns the extracted claims. All failures are *apperr.Error values
// with an AUTH_xxx code; Verify never panics on hostile input.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	ctx, span := v.tracer.Start(ctx, "auth.Verify")
	defer span.End()

	if token == "" {
		return nil, v.fail(span, apperr.New(apperr.CodeAuthMissingToken,
			"auth: no token presented"))
	}
	if len(token) > maxTokenSize {
		return nil, v.fail(span, apperr.New(apperr.CodeAuthMalformedToken,
			"auth: token exceeds maximum size"))
	}

	parsed, err := jwt.Parse(token, v.keyFor(ctx), v.parserOptions()...)
	if err != nil {
		return nil, v.fail(span, classify(err))
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, v.fail(span, apperr.New(apperr.CodeAuthMalformedToken,
			"auth: token claims are not readable"))
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, v.fail(span, apperr.New(apperr.CodeAuthMalformedToken,
			"auth: token is missing the subject claim"))
	}

	claims := &Claims{Subject: sub}
	if email, ok := mc["email"].(string); ok {
		claims.Email = email
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}

	span.SetAttributes(attribute.String("auth.subject", claims.Subject))
	return claims, nil
}

// parserOptions builds the jwt parser options from the configuration.
// Accepted algorithms are restricted to the ones matching the configured
// key material, which also rules out alg:none and algorithm-confusion
// tokens.
func (v *Verifier) parserOptions() []jwt.ParserOption {
	var methods []string
	if v.cfg.SigningSecret != "" {
		methods = append(methods, "HS256")
	}
	if v.cfg.KeyCache != nil {
		methods = append(methods, "RS256", "ES256")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	return opts
}

// keyFor returns the keyfunc routing each token to the matching key
// material: HMAC tokens to the shared secret, RSA/ECDSA tokens to the
// key cache by kid.
func (v *Verifier) keyFor(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if v.cfg.SigningSecret == "" {
				return nil, apperr.New(apperr.CodeAuthKeyUnavailable,
					"auth: no shared secret configured for HMAC token")
			}
			return []byte(v.cfg.SigningSecret.Value()), nil
		default:
			if v.cfg.KeyCache == nil {
				return nil, apperr.New(apperr.CodeAuthKeyUnavailable,
					"auth: no key set configured for asymmetric token")
			}
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, apperr.New(apperr.CodeAuthMalformedToken,
					"auth: asymmetric token is missing the kid header")
			}
			return v.cfg.KeyCache.Key(ctx, kid)
		}
	}
}

// fail records the failure on the span and returns it.
func (v *Verifier) fail(span trace.Span, err *apperr.Error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("auth.failure_code", string(err.Code)))
	return err
}

// classify converts golang-jwt errors into the package's coded failure
// values. Errors that already carry a code (keyfunc failures) pass
// through unchanged.
func classify(err error) *apperr.Error {
	if coded, ok := apperr.AsError(err); ok {
		return coded
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Wrap(err, apperr.CodeAuthExpiredToken, "auth: token has expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return apperr.Wrap(err, apperr.CodeAuthTokenNotYetValid, "auth: token is not yet valid")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperr.Wrap(err, apperr.CodeAuthMalformedToken, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.Wrap(err, apperr.CodeAuthBadSignature, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return apperr.Wrap(err, apperr.CodeAuthBadSignature, "auth: token claims failed validation")
	case strings.Contains(err.Error(), "signing method"):
		return apperr.Wrap(err, apperr.CodeAuthBadSignature, "auth: token uses a rejected signing method")
	default:
		return apperr.Wrap(err, apperr.CodeAuthentication, "auth: token verification failed")
	}
}
