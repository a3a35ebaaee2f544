package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/chimerakang/authkit-go/provider/google"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func googleCmd(appFn func() *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "google",
		Short: "Sign in with Google and convert the Google session into an application session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			gc := a.cfg.Google
			if gc.ClientID == "" {
				return errors.New("google.client_id is not configured")
			}
			redirect, err := url.Parse(gc.RedirectURL)
			if err != nil {
				return fmt.Errorf("google.redirect_url: %w", err)
			}

			src := google.New(gc.ClientID, gc.ClientSecret, gc.RedirectURL, google.WithLogger(a.log))
			state, verifier := uuid.NewString(), google.NewVerifier()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			codes := make(chan callbackResult, 1)
			ln, err := net.Listen("tcp", redirect.Host)
			if err != nil {
				return err
			}
			srv := &http.Server{Handler: callbackHandler(redirect.Path, state, codes), ReadHeaderTimeout: 5 * time.Second}
			go srv.Serve(ln)
			defer srv.Close()

			cmd.Println("Open this URL in your browser to continue:")
			cmd.Println(src.AuthCodeURL(state, verifier))

			var res callbackResult
			select {
			case res = <-codes:
			case <-ctx.Done():
				return fmt.Errorf("waiting for the Google callback: %w", ctx.Err())
			}
			if res.err != nil {
				return res.err
			}

			assertion, err := src.Assert(ctx, res.code, verifier)
			if err != nil {
				return describe(err)
			}
			id, err := a.manager.ReconcileThirdPartySession(ctx, assertion)
			if err != nil {
				return describe(err)
			}
			cmd.Printf("Signed in as %s\n", displayName(id))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "how long to wait for the browser sign-in")
	return cmd
}

type callbackResult struct {
	code string
	err  error
}

// callbackHandler accepts one OAuth redirect on path and reports its code.
func callbackHandler(path, state string, out chan<- callbackResult) http.Handler {
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("google sign-in failed: %s", q.Get("error"))
		case q.Get("state") != state:
			res.err = errors.New("google sign-in failed: state mismatch")
		case q.Get("code") == "":
			res.err = errors.New("google sign-in failed: no authorization code")
		default:
			res.code = q.Get("code")
		}

		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Signed in. You can close this window.")
		}
		select {
		case out <- res:
		default:
		}
	})
	return mux
}
