package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/xKoRx/guard/core/internal"
	"github.com/xKoRx/guard/core/internal/repository"
	"github.com/xKoRx/guard/sdk/domain"
	"github.com/xKoRx/guard/sdk/etcd"
)

// apiFlags conexión con la API de operación de un core en ejecución.
type apiFlags struct {
	addr  string
	token string
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:8081", "operator API address")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("GUARD_OPERATOR_TOKEN"), "operator bearer token (env GUARD_OPERATOR_TOKEN)")
}

// call ejecuta el request y escribe la respuesta indentada en out.
func (f *apiFlags) call(ctx context.Context, out io.Writer, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, "http://"+f.addr+path, reader)
	if err != nil {
		return err
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("operator API unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") != nil {
		pretty.Reset()
		pretty.Write(raw)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr internal.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", apiErr.Error, apiErr.Code, resp.StatusCode)
		}
		return fmt.Errorf("operator API returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(pretty.String()))
	}

	fmt.Fprintln(out, pretty.String())
	return nil
}

func newStatusCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return api.call(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/api/status", nil)
		},
	}
	api.register(cmd)
	return cmd
}

func newLockoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockout",
		Short: "Inspect and manage account lockouts",
	}
	cmd.AddCommand(
		newLockoutListCmd(),
		newLockoutGetCmd(),
		newLockoutSetCmd(),
		newLockoutClearCmd(),
	)
	return cmd
}

func newLockoutListCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active lockouts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return api.call(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/api/lockouts", nil)
		},
	}
	api.register(cmd)
	return cmd
}

func newLockoutGetCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "get <account>",
		Short: "Show the lockout of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.call(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/api/lockouts/"+url.PathEscape(args[0]), nil)
		},
	}
	api.register(cmd)
	return cmd
}

func newLockoutSetCmd() *cobra.Command {
	var (
		api    apiFlags
		policy string
		reason string
	)
	cmd := &cobra.Command{
		Use:   "set <account>",
		Short: "Lock an account (policy: hard:until_reset | hard:permanent | hard:<duration> | cooldown:<duration>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := domain.ParseLockoutPolicy(policy); err != nil {
				return err
			}
			body := internal.LockoutRequest{Policy: policy, Reason: reason}
			return api.call(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/api/lockouts/"+url.PathEscape(args[0]), body)
		},
	}
	api.register(cmd)
	cmd.Flags().StringVar(&policy, "policy", "", "lockout policy")
	cmd.Flags().StringVar(&reason, "reason", "operator lockout", "lockout reason")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func newLockoutClearCmd() *cobra.Command {
	var (
		api      apiFlags
		direct   bool
		viaEtcd  bool
		operator string
	)
	cmd := &cobra.Command{
		Use:   "clear <account>",
		Short: "Clear an account lockout (operator API, ETCD request or direct store write)",
		Long: `Clears the lockout of an account.

By default the request goes through the operator API of a running core.
  --etcd    publishes operator/clear/<account> for cores watching ETCD
  --direct  writes the store directly; on PostgreSQL running cores are
            notified through LISTEN/NOTIFY. With bolt the core must be stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID := args[0]
			switch {
			case direct && viaEtcd:
				return fmt.Errorf("--direct and --etcd are mutually exclusive")
			case direct:
				return clearDirect(cmd.Context(), cmd.OutOrStdout(), accountID)
			case viaEtcd:
				return clearViaEtcd(cmd.Context(), cmd.OutOrStdout(), accountID, operator)
			default:
				return api.call(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/api/lockouts/"+url.PathEscape(accountID)+"/clear", nil)
			}
		},
	}
	api.register(cmd)
	cmd.Flags().BoolVar(&direct, "direct", false, "write the store directly")
	cmd.Flags().BoolVar(&viaEtcd, "etcd", false, "publish a clear request in ETCD")
	cmd.Flags().StringVar(&operator, "operator", os.Getenv("USER"), "operator name recorded with ETCD requests")
	return cmd
}

// clearDirect aplica las reglas de clear manual contra el store.
func clearDirect(ctx context.Context, out io.Writer, accountID string) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := internal.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	lockout, err := store.GetLockout(ctx, accountID)
	if err != nil {
		return err
	}
	if lockout == nil || !lockout.Active {
		fmt.Fprintf(out, "account %s has no active lockout\n", accountID)
		return nil
	}
	if !cfg.ManualClearAllowed(lockout.Kind, lockout.Expiry) {
		return domain.NewError(domain.ErrManualClearForbidden,
			fmt.Sprintf("%s lockout (%s) cannot be cleared manually", lockout.Kind, lockout.Expiry))
	}

	now := clockwork.NewRealClock().Now()
	lockout.Active = false
	lockout.ClearedAt = &now
	lockout.ClearedBy = domain.ClearOriginOperator

	if pg, ok := store.(*repository.PostgresStore); ok {
		err = pg.ClearLockoutAndNotify(ctx, lockout)
	} else {
		err = store.SaveLockout(ctx, lockout)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "lockout cleared for %s\n", accountID)
	return nil
}

func clearViaEtcd(ctx context.Context, out io.Writer, accountID, operator string) error {
	client, err := etcd.New(etcd.WithApp("guard"))
	if err != nil {
		return fmt.Errorf("failed to create ETCD client: %w", err)
	}
	defer client.Close()

	if operator == "" {
		operator = "cli"
	}
	if err := client.SetVar(ctx, internal.OperatorClearPrefix+accountID, operator); err != nil {
		return err
	}
	fmt.Fprintf(out, "clear request published for %s\n", accountID)
	return nil
}

func newOperatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Operator API credentials",
	}

	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token <operator>",
		Short: "Issue an operator API token signed with operator/jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			auth := internal.NewOperatorAuth(cfg.OperatorJWTSecret, ttl, clockwork.NewRealClock())
			signed, err := auth.IssueToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.AddCommand(token)
	return cmd
}
