package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAdaptersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List platform adapters in detection order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			names := a.svc.ListAdapters()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), names)
			}
			for i, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, name)
			}
			return nil
		},
	}
}

func newIdentifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identify URL",
		Short: "Show which adapter handles a platform URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			name, err := a.svc.Identify(a.ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{"url": args[0], "adapter": name})
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

func newURLCmd() *cobra.Command {
	var unset bool

	cmd := &cobra.Command{
		Use:   "url [URL]",
		Short: "Show or set the default platform URL for the context",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			switch {
			case unset:
				if err := a.svc.SetDefaultURL(a.ctx, a.cfg.Context, ""); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Default URL cleared.")
			case len(args) == 1:
				if _, err := a.svc.Identify(a.ctx, args[0]); err != nil {
					return err
				}
				if err := a.svc.SetDefaultURL(a.ctx, a.cfg.Context, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Default URL set to %s\n", args[0])
			default:
				key, err := a.svc.ResolveKey(a.ctx, "", a.cfg.Context)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key.URL)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&unset, "clear", false, "Remove the default URL")

	return cmd
}
