package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/amoylab/keyrelay/internal/auth/jwt"
	"github.com/amoylab/keyrelay/internal/correlator"
	"github.com/amoylab/keyrelay/internal/registry"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logsJSON    bool
	tokenScopes []string

	logsCmd = &cobra.Command{
		Use:   "logs",
		Short: "Show the persisted license exchanges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				entries, err := correlator.Persisted(ctx, a.store)
				if err != nil {
					return err
				}
				if logsJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if entries == nil {
						entries = []registry.Entry{}
					}
					return enc.Encode(entries)
				}
				fmt.Fprintln(out, renderEntries(entries))
				return nil
			})
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token <agent>",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopes := make([]jwt.Scope, 0, len(tokenScopes))
			for _, name := range tokenScopes {
				s, err := jwt.ParseScope(name)
				if err != nil {
					return err
				}
				scopes = append(scopes, s)
			}
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				auth, err := jwt.NewAuthority(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)
				if err != nil {
					return err
				}
				tok, exp, err := auth.Issue(args[0], scopes...)
				if err != nil {
					return err
				}
				a.logger.Info("issued agent token",
					zap.String("agent", args[0]),
					zap.Any("scopes", scopes),
					zap.Time("expires_at", exp))
				fmt.Fprintln(out, tok)
				return nil
			})
		},
	}
)

func init() {
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "print entries as JSON")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "scopes to grant: logs, clear, channel (default all)")
}

// renderEntries prints one row per content key
func renderEntries(entries []registry.Entry) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Time", "URL", "KID", "Key", "Manifests"})

	for _, e := range entries {
		at := time.Unix(e.Timestamp, 0).Format(time.DateTime)
		manifests := make([]string, 0, len(e.Manifests))
		for _, m := range e.Manifests {
			manifests = append(manifests, fmt.Sprintf("%s %s", m.Type, m.URL))
		}
		if len(e.Keys) == 0 {
			tw.AppendRow(table.Row{at, e.URL, "", "", strings.Join(manifests, "\n")})
			continue
		}
		for i, k := range e.Keys {
			row := table.Row{"", "", k.KID, k.K, ""}
			if i == 0 {
				row = table.Row{at, e.URL, k.KID, k.K, strings.Join(manifests, "\n")}
			}
			tw.AppendRow(row)
		}
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, WidthMax: 48},
		{Number: 5, WidthMax: 64, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
