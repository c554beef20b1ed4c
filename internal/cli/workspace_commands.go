package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"course-autopilot/internal/config"
	"course-autopilot/internal/portal"
)

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default config and state directory, then run checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := config.InitWorkspace(a.configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOut {
				return printJSON(out, res)
			}

			fmt.Fprintln(out, "workspace initialized")
			fmt.Fprintf(out, "config: %s\n", res.ConfigPath)
			fmt.Fprintf(out, "state_dir: %s\n", res.StateDir)
			fmt.Fprintf(out, "created_config: %t\n", res.CreatedConfig)
			fmt.Fprintf(out, "created_state_dir: %t\n", res.CreatedStateDir)
			fmt.Fprintln(out, "checks:")
			printChecks(out, "  ", res.Doctor)
			fmt.Fprintf(out, "next: set portal.base_url and portal.courses_url in %s, then run 'course-autopilot login'\n", res.ConfigPath)
			return nil
		},
	}
}

func (a *app) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, state directories and the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(a.configPath)
			if err != nil {
				return err
			}
			res := config.Doctor(a.configPath, cfg)
			out := cmd.OutOrStdout()
			if a.jsonOut {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				printChecks(out, "", res)
			}
			if !res.OK {
				return errors.New("doctor checks failed")
			}
			if !a.jsonOut {
				fmt.Fprintln(out, "doctor: all checks passed")
			}
			return nil
		},
	}
}

func (a *app) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in through a visible browser and save the session cookies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return portal.Login(cmd.Context(), portalOptions(cfg, a.logger), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func printChecks(out io.Writer, indent string, res config.DoctorResult) {
	for _, c := range res.Checks {
		status := okStyle.Render("ok")
		if !c.OK {
			status = errorStyle.Render("fail")
		}
		fmt.Fprintf(out, "%s%s: %s (%s)\n", indent, c.Name, status, c.Message)
	}
}
