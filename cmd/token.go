package cmd

import (
	"fmt"

	"github.com/habedi/tokenkeeper/db"
	"github.com/habedi/tokenkeeper/pkg/validation"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Read, inspect and refresh stored tokens",
	}
	cmd.AddCommand(tokenGetCmd(), tokenStatusCmd(), tokenRefreshCmd())
	return cmd
}

func tokenGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [account ID]",
		Short: "Print a usable access token, refreshing it first if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseID("account id", args[0])
			if err != nil {
				return validationError(err)
			}
			token, err := svc.manager.GetUsableToken(cmd.Context(), id)
			if err != nil {
				return toCLIError("get token for account "+args[0], err)
			}
			// Only the token goes to stdout so the output can be piped.
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func tokenStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [account ID]",
		Short: "Show the lifecycle state of one or all tokens",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []uint
			if len(args) == 1 {
				id, err := validation.ParseID("account id", args[0])
				if err != nil {
					return validationError(err)
				}
				ids = append(ids, id)
			} else {
				accounts, err := svc.manager.Accounts(cmd.Context())
				if err != nil {
					return toCLIError("list accounts", err)
				}
				for _, acc := range accounts {
					ids = append(ids, acc.ID)
				}
			}
			if len(ids) == 0 {
				cmd.Println("No accounts found.")
				return nil
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Account ID", "State", "Expires At", "Refreshable", "Version"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAutoWrapText(false)
			for _, id := range ids {
				state, tok, err := svc.manager.Status(cmd.Context(), id)
				if err != nil {
					return toCLIError(fmt.Sprintf("status of account %d", id), err)
				}
				table.Append(statusRow(id, string(state), tok))
			}
			table.Render()
			return nil
		},
	}
}

func statusRow(id uint, state string, tok *db.OAuthToken) []string {
	if tok == nil {
		return []string{fmt.Sprint(id), state, "-", "-", "-"}
	}
	return []string{
		fmt.Sprint(id),
		state,
		formatTime(tok.ExpiresAt),
		fmt.Sprint(tok.RefreshTokenEncrypted != ""),
		fmt.Sprint(tok.Version),
	}
}

func tokenRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [account ID]",
		Short: "Refresh an account's token if it is expiring or expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseID("account id", args[0])
			if err != nil {
				return validationError(err)
			}
			if err := svc.manager.RefreshAccount(cmd.Context(), id); err != nil {
				return toCLIError("refresh account "+args[0], err)
			}
			cmd.Printf("Token of account %d is fresh.\n", id)
			return nil
		},
	}
}
