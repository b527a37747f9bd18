package auth

import (
	"errors"
	"time"
)

// Token is an OAuth credential for one account.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// ErrAuthRequired means no credential is stored for the account; the operator
// must complete the authorization redirect flow.
var ErrAuthRequired = errors.New("auth: authorization required")

// ErrRefreshFailed means the refresh token was rejected; the account is dead
// until re-authorized.
var ErrRefreshFailed = errors.New("auth: token refresh failed")
