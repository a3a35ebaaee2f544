package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/chimerakang/authkit-go/codec"
	"github.com/chimerakang/authkit-go/internal/config"
	"github.com/chimerakang/authkit-go/transport"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath  string
	verbose     bool
	showMetrics bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	var a *app

	rootCmd := &cobra.Command{
		Use:           "authctl",
		Short:         "Sign in to an application backend and manage the local session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			log := slog.New(slog.NewTextHandler(io.Discard, nil))
			if opts.verbose {
				log = config.SetupLogger(cfg.Env, cmd.ErrOrStderr())
			}
			a, err = newApp(cmd.Context(), cfg, log)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a == nil {
				return nil
			}
			if opts.showMetrics {
				if err := a.writeMetrics(cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			return a.Close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")
	rootCmd.PersistentFlags().BoolVar(&opts.showMetrics, "metrics", false, "print session metrics to stderr on exit")

	appFn := func() *app { return a }
	rootCmd.AddCommand(
		loginCmd(appFn),
		registerCmd(appFn),
		googleCmd(appFn),
		logoutCmd(appFn),
		whoamiCmd(appFn),
		statusCmd(appFn),
		tokenCmd(appFn),
		getCmd(appFn),
	)

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	return rootCmd
}

func loginCmd(appFn func() *app) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a username or email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd)
			if username == "" {
				var err error
				if username, err = p.line("Username or email: "); err != nil {
					return err
				}
			}
			password, err := p.password("Password: ")
			if err != nil {
				return err
			}

			id, err := appFn().manager.Login(cmd.Context(), authkit.Credentials{Identifier: username, Secret: password})
			if err != nil {
				return describe(err)
			}
			cmd.Printf("Signed in as %s\n", displayName(id))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username or email")
	return cmd
}

func registerCmd(appFn func() *app) *cobra.Command {
	var reg authkit.Registration

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd)
			var err error
			if reg.Username == "" {
				if reg.Username, err = p.line("Username: "); err != nil {
					return err
				}
			}
			if reg.Email == "" {
				if reg.Email, err = p.line("Email: "); err != nil {
					return err
				}
			}
			if reg.Password, err = p.password("Password: "); err != nil {
				return err
			}

			id, err := appFn().manager.Register(cmd.Context(), reg)
			if err != nil {
				return describe(err)
			}
			cmd.Printf("Welcome, %s\n", displayName(id))
			return nil
		},
	}
	cmd.Flags().StringVarP(&reg.Username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&reg.Email, "email", "e", "", "email address")
	cmd.Flags().StringVar(&reg.DisplayName, "display-name", "", "name shown to other users")
	return cmd
}

func logoutCmd(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session on the server and locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			appFn().manager.Logout(cmd.Context())
			cmd.Println("Signed out")
			return nil
		},
	}
}

func whoamiCmd(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := appFn().manager.CurrentIdentity()
			if id == nil {
				return authkit.ErrNotAuthenticated
			}
			cmd.Printf("id:        %s\n", id.ID)
			cmd.Printf("username:  %s\n", id.Username)
			cmd.Printf("email:     %s\n", id.Email)
			cmd.Printf("name:      %s\n", id.DisplayName)
			cmd.Printf("origin:    %s\n", id.Origin)
			cmd.Printf("moderator: %t\n", id.IsModerator)
			return nil
		},
	}
}

func statusCmd(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state and access token expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			cmd.Printf("state: %s\n", a.manager.State())

			tok, err := a.manager.EnsureFresh(cmd.Context())
			if errors.Is(err, authkit.ErrNotAuthenticated) {
				return nil
			}
			if err != nil {
				return describe(err)
			}
			claims, err := codec.Decode(tok)
			if err != nil {
				return err
			}
			cmd.Printf("access token expires: %s (in %s)\n",
				claims.ExpiresAt.Format(time.RFC3339), time.Until(claims.ExpiresAt).Round(time.Second))
			return nil
		},
	}
}

func tokenCmd(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token, refreshing it if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := appFn().manager.EnsureFresh(cmd.Context())
			if err != nil {
				return describe(err)
			}
			cmd.Println(tok)
			return nil
		},
	}
}

func getCmd(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path-or-url>",
		Short: "Send an authenticated GET to the backend and print the response body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			target := args[0]
			if strings.HasPrefix(target, "/") {
				target = strings.TrimSuffix(a.cfg.Backend.BaseURL, "/") + target
			}

			client := transport.NewClient(a.manager, transport.WithLogger(a.log))
			client.Timeout = a.cfg.Backend.Timeout
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return describe(err)
			}
			defer resp.Body.Close()

			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("%s", resp.Status)
			}
			return nil
		},
	}
}

func displayName(id authkit.Identity) string {
	switch {
	case id.DisplayName != "":
		return id.DisplayName
	case id.Username != "":
		return id.Username
	default:
		return id.Email
	}
}

// describe renders backend errors for a terminal, listing per-field messages.
func describe(err error) error {
	fields := authkit.FieldErrors(err)
	if len(fields) == 0 {
		if errors.Is(err, authkit.ErrSessionExpired) || errors.Is(err, authkit.ErrNotAuthenticated) {
			return fmt.Errorf("%w (run `authctl login`)", err)
		}
		return err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("the server rejected the request:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  %s: %s", k, strings.Join(fields[k], " "))
	}
	return errors.New(b.String())
}
