package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/ctfops/internal/adapters"
)

type credFlags struct {
	user     string
	password string
	token    string
}

func (f *credFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "Username (with --password)")
	cmd.Flags().StringVar(&f.password, "password", "", "Password, or a reference such as env(CTF_PASSWORD)")
	cmd.Flags().StringVar(&f.token, "token", "", "API token, or a reference such as env(CTF_TOKEN)")
}

// credential returns nil when no credential flag is set.
func (f *credFlags) credential() (*adapters.Credential, error) {
	if f.user == "" && f.password == "" && f.token == "" {
		return nil, nil
	}
	cred, err := adapters.NewCredential(f.user, f.password, f.token)
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func newCredsCmd() *cobra.Command {
	var flags credFlags

	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Save credentials for a platform",
		Long: `Save a username/password pair or a token for the platform.
Values of the form env(VAR) or vault(path#key) are stored as references
and resolved at login.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := flags.credential()
			if err != nil {
				return err
			}
			if cred == nil {
				return fmt.Errorf("--token or --user and --password are required")
			}
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			key, err := a.key()
			if err != nil {
				return err
			}
			if err := a.svc.SaveCredential(a.ctx, key, *cred); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credentials saved for %s\n", key.URL)
			return nil
		},
	}
	flags.register(cmd)

	return cmd
}

func newLoginCmd() *cobra.Command {
	var flags credFlags

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log into a platform and save the session",
		Long:  "Log into the platform. Without credential flags the saved credentials are used.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cred, err := flags.credential()
			if err != nil {
				return err
			}
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			key, err := a.key()
			if err != nil {
				return err
			}
			sum, err := a.svc.Login(a.ctx, key, cred)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), sum)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged into %s via %s at %s\n",
				sum.URL, sum.Adapter, sum.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
	flags.register(cmd)

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out of a platform and delete the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			key, err := a.key()
			if err != nil {
				return err
			}
			if err := a.svc.Logout(a.ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out of %s\n", key.URL)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete credentials, session, and challenges for a platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			key, err := a.key()
			if err != nil {
				return err
			}
			if err := a.svc.Delete(a.ctx, key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted all data for %s\n", key.URL)
			return nil
		},
	}
}
