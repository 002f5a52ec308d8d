package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/raphi011/testreport/internal/model"
)

// CheckToken returns a model.AuthError when the token is not a jwt or its
// `exp` claim lies before now. The signature is not verified, only the
// reporting service can do that. Tokens without `exp` never expire.
func CheckToken(token string, now time.Time) error {
	if token == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return model.AuthError{Msg: fmt.Sprintf("token is not a valid jwt: %v", err)}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return model.AuthError{Msg: fmt.Sprintf("token has an invalid exp claim: %v", err)}
	}

	if exp != nil && !now.Before(exp.Time) {
		return model.AuthError{Msg: fmt.Sprintf("token expired at %s", exp.Time.Format(time.RFC3339))}
	}

	return nil
}
