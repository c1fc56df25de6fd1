package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrReconnectRequired is matched by every *ReconnectError.
	ErrReconnectRequired = errors.New("account must be reconnected")
	// ErrUnsupportedPlatform is returned when no refresher is registered for an account's platform.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrInvalidCredentials is returned by Authenticate for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUserInactive is returned when a deactivated user tries to log in or connect accounts.
	ErrUserInactive = errors.New("user is deactivated")
)

// ReconnectError reports that an account's credentials can no longer be refreshed
// and the user has to go through the platform's authorization flow again.
type ReconnectError struct {
	AccountID uint
	Platform  string
	Reason    string
	Err       error
}

func (e *ReconnectError) Error() string {
	msg := fmt.Sprintf("%s account %d must be reconnected: %s", e.Platform, e.AccountID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReconnectError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrReconnectRequired) hold.
func (e *ReconnectError) Is(target error) bool { return target == ErrReconnectRequired }
