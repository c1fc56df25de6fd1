package cmd

import (
	"errors"
	"fmt"

	"github.com/habedi/tokenkeeper/auth"
	"github.com/habedi/tokenkeeper/client"
	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/pkg/clierr"
	"github.com/habedi/tokenkeeper/pkg/secret"
)

// toCLIError turns a service error into an actionable user-facing message.
func toCLIError(action string, err error) error {
	if err == nil {
		return nil
	}
	var cliErr *clierr.Error
	if errors.As(err, &cliErr) {
		return err
	}
	var reconnect *auth.ReconnectError
	switch {
	case errors.As(err, &reconnect):
		return clierr.New(clierr.Reconnect,
			fmt.Sprintf("Error: %s account %d must be reconnected (%s). Run 'tokenkeeper account connect' after re-authorizing.",
				reconnect.Platform, reconnect.AccountID, reconnect.Reason), err)
	case errors.Is(err, db.ErrNotFound):
		return clierr.New(clierr.NotFound, fmt.Sprintf("Error: %s: not found.", action), err)
	case errors.Is(err, db.ErrConflict):
		return clierr.New(clierr.Validation, fmt.Sprintf("Error: %s: already exists.", action), err)
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserInactive),
		errors.Is(err, auth.ErrUnsupportedPlatform):
		return clierr.New(clierr.Validation, fmt.Sprintf("Error: %s: %v.", action, err), err)
	case errors.Is(err, client.ErrTransient), errors.Is(err, client.ErrRateLimited):
		return clierr.New(clierr.Platform, fmt.Sprintf("Error: %s: the platform is unavailable right now, try again later.", action), err)
	case errors.Is(err, client.ErrNoRefreshToken):
		return clierr.New(clierr.Platform, fmt.Sprintf("Error: %s: no refresh token is stored, reconnect the account before the token expires.", action), err)
	case errors.Is(err, client.ErrRejected):
		return clierr.New(clierr.Platform, fmt.Sprintf("Error: %s: the platform rejected the request, check the client credentials.", action), err)
	case auth.IsDecryptionFailure(err):
		return clierr.New(clierr.Internal, fmt.Sprintf("Error: %s: a stored token cannot be decrypted, check TOKEN_ENCRYPTION_KEY and TOKEN_ENCRYPTION_PREVIOUS_KEYS.", action), err)
	case errors.Is(err, secret.ErrEncryption):
		return clierr.New(clierr.Internal, fmt.Sprintf("Error: %s: token encryption failed, check TOKEN_ENCRYPTION_KEY.", action), err)
	default:
		return clierr.New(clierr.Internal, fmt.Sprintf("Error: %s failed. Please check the logs for details.", action), err)
	}
}

func validationError(err error) error {
	return clierr.New(clierr.Validation, "Error: "+err.Error(), err)
}
