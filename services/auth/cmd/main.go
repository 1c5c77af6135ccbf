// Package main is the entry point for the authentiq command.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carlossalguero/authentiq/internal/shared/health"
	"github.com/carlossalguero/authentiq/services/auth/internal/oauth"
	"github.com/carlossalguero/authentiq/services/shared/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "authentiq",
		Short:         "Authenticate users with Authentiq over OAuth 2.0 / OpenID Connect",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./authentiq.yaml)")

	setup := func(cmd *cobra.Command) (*app, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		return newApp(cmd.Context(), cfg)
	}

	root.AddCommand(
		newURLCmd(setup),
		newExchangeCmd(setup),
		newDoctorCmd(setup),
		newVersionCmd(),
	)
	return root
}

type setupFunc func(cmd *cobra.Command) (*app, error)

func newURLCmd(setup setupFunc) *cobra.Command {
	var options []string

	cmd := &cobra.Command{
		Use:   "url",
		Short: "Print the authorization URL and the state to expect on the callback",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			url, state, err := a.service.AuthorizationURL(opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{"url": url, "state": state})
		},
	}
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "request option as key=value (repeatable)")
	return cmd
}

func newExchangeCmd(setup setupFunc) *cobra.Command {
	var (
		code       string
		options    []string
		withTokens bool
	)

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Exchange an authorization code and print the user's profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			res, err := a.service.Login(cmd.Context(), code, opts)
			if err != nil {
				return describe(err)
			}

			out := map[string]any{"profile": res.Profile}
			if withTokens {
				out["tokens"] = tokenView(res.Tokens)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "authorization code from the callback")
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "request option as key=value (repeatable)")
	cmd.Flags().BoolVar(&withTokens, "tokens", false, "include the token bundle in the output")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newDoctorCmd(setup setupFunc) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check provider endpoints and backing services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(cmd.Context()))

			if listen != "" {
				return a.serveOps(cmd.Context(), listen)
			}

			resp := a.health.Check(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if resp.Status == health.StatusDown {
				return fmt.Errorf("unhealthy: %s", strings.Join(failing(resp), ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve /livez, /readyz and /metrics on this address until interrupted")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version())
		},
	}
}

// serveOps serves health and metrics until ctx is done.
func (a *app) serveOps(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.Handle("/", a.health.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("serving health and metrics", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// parseOptions turns key=value flags into request options.
func parseOptions(pairs []string) (map[string]string, error) {
	opts := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, errors.InvalidInput(fmt.Sprintf("option %q is not key=value", pair))
		}
		opts[k] = v
	}
	return opts, nil
}

// describe appends the details of a coded error to its message.
func describe(err error) error {
	var e *errors.Error
	if !errors.As(err, &e) || e.Details == nil {
		return err
	}
	details, mErr := json.Marshal(e.Details)
	if mErr != nil {
		return err
	}
	return fmt.Errorf("%w: %s", err, details)
}

func tokenView(t *oauth.TokenBundle) map[string]any {
	return map[string]any{
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"id_token":      t.IDToken,
		"params":        t.Params,
	}
}

func failing(resp health.Response) []string {
	var names []string
	for _, name := range resp.Names() {
		if resp.Components[name].Status == health.StatusDown {
			names = append(names, name)
		}
	}
	return names
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// buildVersion is set at link time.
var buildVersion = "dev"

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return buildVersion
}
