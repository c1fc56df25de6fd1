package cmd

import (
	"strings"

	"github.com/habedi/tokenkeeper/pkg/validation"
	"github.com/spf13/cobra"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the users who own connected accounts",
	}
	cmd.AddCommand(userAddCmd(), userDeactivateCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var username, email string
	var admin bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateUsername(username); err != nil {
				return validationError(err)
			}
			if err := validation.ValidateEmail(email); err != nil {
				return validationError(err)
			}
			password, err := promptForSecret(cmd, "Password: ")
			if err != nil {
				return toCLIError("read password", err)
			}
			if err := validation.ValidatePassword(password); err != nil {
				return validationError(err)
			}

			user, err := svc.manager.RegisterUser(cmd.Context(), strings.TrimSpace(username), email, password, admin)
			if err != nil {
				return toCLIError("register user "+username, err)
			}
			cmd.Printf("User %q registered with id %d.\n", user.Username, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username of the new user")
	cmd.Flags().StringVarP(&email, "email", "e", "", "Email address of the new user")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant administrator rights")
	return cmd
}

func userDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate [user ID]",
		Short: "Deactivate a user and all of their accounts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := validation.ParseID("user id", args[0])
			if err != nil {
				return validationError(err)
			}
			if err := svc.manager.DeactivateUser(cmd.Context(), id); err != nil {
				return toCLIError("deactivate user "+args[0], err)
			}
			cmd.Printf("User %d deactivated.\n", id)
			return nil
		},
	}
}
