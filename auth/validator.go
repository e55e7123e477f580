package auth

import (
	"errors"

	"github.com/alwitt/talkroom/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// Identity a validated user identity bound to a connection
type Identity struct {
	// UserID the user the credential asserts
	UserID string
}

// TokenValidator verifies an inbound connection credential and resolves it to a
// user identity. Stateless; safe for concurrent use across connection attempts.
type TokenValidator interface {
	// Validate parse and verify a bearer credential. On rejection the returned
	// error is a common.AuthenticationError carrying the reason code.
	Validate(credential string) (Identity, error)
}

// tokenValidatorImpl implements TokenValidator
type tokenValidatorImpl struct {
	common.Component
	secret   []byte
	audience string
	parser   *jwt.Parser
}

// connectClaims claims carried by a connection credential
type connectClaims struct {
	jwt.RegisteredClaims
}

// GetTokenValidator define a new TokenValidator
func GetTokenValidator(config common.AuthConfig) (TokenValidator, error) {
	logTags := log.Fields{
		"module": "auth", "component": "token-validator",
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	return &tokenValidatorImpl{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(config.SigningSecret),
		audience:  config.Audience,
		parser:    parser,
	}, nil
}

// Validate parse and verify a bearer credential
func (v *tokenValidatorImpl) Validate(credential string) (Identity, error) {
	claims := &connectClaims{}
	token, err := v.parser.ParseWithClaims(
		credential, claims, func(_ *jwt.Token) (interface{}, error) {
			return v.secret, nil
		},
	)
	if err != nil {
		reason := rejectReason(err)
		log.WithError(err).WithFields(v.LogTags).Debugf("Rejected credential: %s", reason)
		return Identity{}, common.AuthenticationError{Reason: reason}
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, common.AuthenticationError{Reason: common.ReasonMalformed}
	}
	// The credential must be minted for connection authentication
	if !audienceMatch(claims.Audience, v.audience) {
		log.WithFields(v.LogTags).Debug("Rejected credential: wrong audience")
		return Identity{}, common.AuthenticationError{Reason: common.ReasonWrongAudience}
	}
	return Identity{UserID: claims.Subject}, nil
}

// rejectReason map jwt parse failures onto the rejection reason codes
func rejectReason(err error) common.AuthenticationReason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return common.ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return common.ReasonBadSignature
	default:
		return common.ReasonMalformed
	}
}

// audienceMatch whether the audience claim names the expected intended use
func audienceMatch(audiences jwt.ClaimStrings, expected string) bool {
	for _, aud := range audiences {
		if aud == expected {
			return true
		}
	}
	return false
}
