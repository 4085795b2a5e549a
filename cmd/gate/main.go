package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/app"
	"gateline/internal/engine"
	"gateline/internal/repo"
	"gateline/internal/server"
	gatelinesdk "gateline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "gate",
	Short: "Gateline CLI",
	Long: `Gateline admits ticket holders through a gate exactly once.
- Tokens: signed, time-limited QR credentials minted per ticket.
- Validate: the idempotent admission decision; retries with the same
  Idempotency-Key echo the original decision.
- Ledger: per-ticket single-use state, issued -> validated, one way.
- Offline mode: degraded admission when the authoritative store is out;
  offline acceptances queue for reconciliation and conflicts are flagged
  in the audit trail.
- Audit: append-only, time-ordered record of every decision.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(mintCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(offlineCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEngine(ctx context.Context, fn func(ctx context.Context, e engine.Engine) error) error {
	conn, e, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "event", Short: "Manage events"}
	cmd.AddCommand(eventCreateCmd())
	cmd.AddCommand(eventListCmd())
	return cmd
}

func eventCreateCmd() *cobra.Command {
	var name, orgID string
	var tickets int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event and its ticket inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateEvent(ctx, engine.CreateEventOptions{
					Name:        name,
					OrgID:       orgID,
					TicketCount: tickets,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("created %s (%d tickets)\n", ev.ID, tickets)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "event name")
	cmd.Flags().IntVar(&tickets, "tickets", 10, "number of tickets")
	cmd.Flags().StringVar(&orgID, "org", "org_1", "org id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func eventListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Event", "Name", "Org", "Created"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Name, ev.OrgID, ev.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ticketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ticket", Short: "Manage tickets"}
	cmd.AddCommand(ticketListCmd())
	return cmd
}

func ticketListCmd() *cobra.Command {
	var eventID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an event's tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTickets(ctx, eventID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ticket", "Status", "Validated"})
				for _, t := range items {
					validated := ""
					if t.ValidatedAt != nil {
						validated = *t.ValidatedAt
					}
					tw.AppendRow(table.Row{t.ID, t.Status, validated})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().IntVar(&limit, "limit", 500, "max tickets")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func mintCmd() *cobra.Command {
	var ticketID, eventID, orgID string
	var ttlMinutes int
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a signed ticket token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tok, err := e.MintToken(ctx, ticketID, eventID, orgID, time.Duration(ttlMinutes)*time.Minute)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"token": tok})
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id")
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().StringVar(&orgID, "org", "org_1", "org id")
	cmd.Flags().IntVar(&ttlMinutes, "ttl", 60, "token ttl in minutes")
	_ = cmd.MarkFlagRequired("ticket")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func validateCmd() *cobra.Command {
	var qrToken, eventID, idemKey string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a scanned token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Validate(ctx, engine.ValidateOptions{
					QRToken:        qrToken,
					EventID:        eventID,
					IdempotencyKey: idemKey,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("%s %s (%s)\n", d.Status, d.ReasonCode, d.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&qrToken, "token", "", "qr token")
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func scanCmd() *cobra.Command {
	var eventID, ticketID, orgID, serverURL string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Operator scan: mint and validate a known ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL != "" {
				client := gatelinesdk.New(serverURL)
				client.BearerToken = os.Getenv("GATELINE_ADMIN_TOKEN")
				d, err := client.Scan(cmd.Context(), eventID, ticketID, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("%s %s (%s)\n", d.Status, d.ReasonCode, d.DecisionID)
				return nil
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Scan(ctx, eventID, ticketID, orgID, "cli", "gate-cli")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("%s %s (%s)\n", d.Status, d.ReasonCode, d.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id")
	cmd.Flags().StringVar(&orgID, "org", "org_1", "org id")
	cmd.Flags().StringVar(&serverURL, "server", "", "remote API base URL (default: local workspace)")
	_ = cmd.MarkFlagRequired("event")
	_ = cmd.MarkFlagRequired("ticket")
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int
	var cursor, eventID string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent decisions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var c *repo.AuditCursor
				if cursor != "" {
					parsed, err := repo.DecodeAuditCursor(cursor)
					if err != nil {
						return err
					}
					c = &parsed
				}
				items, next, err := e.Repo.QueryAudit(ctx, eventID, limit, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"decisions": items, "next_cursor": next})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Created", "Ticket", "Status", "Reason", "Decision"})
				for _, d := range items {
					ticket := ""
					if d.TicketID != nil {
						ticket = *d.TicketID
					}
					tw.AppendRow(table.Row{d.CreatedAt, ticket, d.Status, d.ReasonCode, d.ID})
				}
				tw.Render()
				if next != "" {
					fmt.Println("next cursor:", next)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max decisions")
	cmd.Flags().StringVar(&cursor, "cursor", "", "pagination cursor")
	cmd.Flags().StringVar(&eventID, "event", "", "filter by event")
	return cmd
}

func offlineCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "offline", Short: "Degraded admission flag"}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Read the offline flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				offline, err := e.Offline(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"offline": offline})
				}
				fmt.Println("offline:", offline)
				return nil
			})
		},
	})
	set := &cobra.Command{
		Use:   "set <true|false>",
		Short: "Toggle the offline flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := args[0] == "true"
			if !enabled && args[0] != "false" {
				return fmt.Errorf("argument must be true or false")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetOffline(ctx, enabled); err != nil {
					return err
				}
				fmt.Println("offline:", enabled)
				return nil
			})
		},
	}
	cmd.AddCommand(set)
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Replay queued offline admissions through the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reconcile(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("synced=%d conflicts=%d\n", res.Synced, res.Conflicts)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, e, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			if e.Config.Gate.SigningSecret == "" {
				return fmt.Errorf("signing secret required; set gate.signing_secret in gateline.yml or GATELINE_SIGNING_SECRET")
			}
			authCfg := server.AuthConfig{AdminSecret: e.Config.API.AdminSecret}
			if authCfg.AdminSecret == "" {
				authCfg.AdminSecret = os.Getenv("GATELINE_ADMIN_SECRET")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			server.StartReconciler(ctx, e, nil)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
