package cmd

import (
	"fmt"
	"time"

	"github.com/habedi/tokenkeeper/auth"
	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/pkg/validation"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Connect, list and remove social media accounts",
	}
	cmd.AddCommand(
		accountConnectCmd(),
		accountListCmd(),
		accountDisconnectCmd(),
		accountRemoveCmd(),
	)
	return cmd
}

func accountConnectCmd() *cobra.Command {
	var req auth.ConnectRequest
	var owner string
	var expiresIn time.Duration

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Store the tokens of a freshly authorized account",
		Long: "Store the tokens of a freshly authorized account. The access token is read from stdin " +
			"(or prompted for) so it never shows up in the shell history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidatePlatform(req.Platform); err != nil {
				return validationError(err)
			}
			if err := validation.ValidateNonEmptyString("account id", req.ExternalID); err != nil {
				return validationError(err)
			}
			if expiresIn < 0 {
				return validationError(fmt.Errorf("expires-in cannot be negative"))
			}

			user, err := svc.manager.UserByName(cmd.Context(), owner)
			if err != nil {
				return toCLIError("look up user "+owner, err)
			}
			access, err := promptForSecret(cmd, "Access token: ")
			if err != nil {
				return toCLIError("read access token", err)
			}
			if err := validation.ValidateNonEmptyString("access token", access); err != nil {
				return validationError(err)
			}

			req.UserID = user.ID
			req.AccessToken = access
			req.ExpiresIn = expiresIn
			acc, err := svc.manager.Connect(cmd.Context(), req)
			if err != nil {
				return toCLIError("connect account", err)
			}
			cmd.Printf("Connected %s account %q with id %d.\n", acc.Platform, acc.ExternalID, acc.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "user", "u", "", "Username of the owning user")
	cmd.Flags().StringVarP(&req.Platform, "platform", "p", "", "Platform of the account (tiktok or instagram)")
	cmd.Flags().StringVar(&req.ExternalID, "account-id", "", "Platform-side account id (TikTok open_id or Instagram user id)")
	cmd.Flags().StringVar(&req.Username, "username", "", "Platform username")
	cmd.Flags().StringVar(&req.DisplayName, "display-name", "", "Display name")
	cmd.Flags().StringVar(&req.RefreshToken, "refresh-token", "", "Refresh token, if the platform issued one")
	cmd.Flags().StringVar(&req.Scope, "scope", "", "Granted scopes")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Lifetime of the access token (0 means it never expires)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("account-id")
	return cmd
}

func accountListCmd() *cobra.Command {
	var owner, platform string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connected accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				accounts []db.SocialAccount
				err      error
			)
			if owner != "" {
				user, uerr := svc.manager.UserByName(cmd.Context(), owner)
				if uerr != nil {
					return toCLIError("look up user "+owner, uerr)
				}
				if platform != "" {
					if verr := validation.ValidatePlatform(platform); verr != nil {
						return validationError(verr)
					}
				}
				accounts, err = svc.manager.ActiveAccounts(cmd.Context(), user.ID, platform)
			} else {
				accounts, err = svc.manager.Accounts(cmd.Context())
			}
			if err != nil {
				return toCLIError("list accounts", err)
			}
			if len(accounts) == 0 {
				cmd.Println("No accounts found.")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "User", "Platform", "Account ID", "Username", "Active", "Last Used"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAutoWrapText(false)
			table.SetRowLine(false)
			for _, acc := range accounts {
				table.Append([]string{
					fmt.Sprint(acc.ID),
					fmt.Sprint(acc.UserID),
					acc.Platform,
					acc.ExternalID,
					acc.Username,
					fmt.Sprint(acc.IsActive),
					formatTime(acc.LastUsedAt),
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVarP(&owner, "user", "u", "", "Only list the active accounts of this user")
	cmd.Flags().StringVarP(&platform, "platform", "p", "", "Only list accounts of this platform (needs --user)")
	return cmd
}

func accountDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [account ID]",
		Short: "Delete an account's token and deactivate the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseID("account id", args[0])
			if err != nil {
				return validationError(err)
			}
			if err := svc.manager.Disconnect(cmd.Context(), id); err != nil {
				return toCLIError("disconnect account "+args[0], err)
			}
			cmd.Printf("Account %d disconnected.\n", id)
			return nil
		},
	}
}

func accountRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [account ID]",
		Short: "Delete an account and its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseID("account id", args[0])
			if err != nil {
				return validationError(err)
			}
			if err := svc.manager.RemoveAccount(cmd.Context(), id); err != nil {
				return toCLIError("remove account "+args[0], err)
			}
			cmd.Printf("Account %d removed.\n", id)
			return nil
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
