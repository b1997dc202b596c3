package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawnode/internal/gateway"
	"github.com/nextlevelbuilder/clawnode/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "View the gateway's chat sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsHistoryCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var (
		urlFlag     string
		jsonOutput  bool
		limit       int
		agentFilter string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions on the gateway",
		Run: func(cmd *cobra.Command, args []string) {
			n := loadNode()
			if limit <= 0 {
				limit = n.cfg.Talk.SessionListLimit
			}
			rows, err := fetchSessions(n, urlFlag, protocol.SessionsListParams{Limit: limit, AgentID: agentFilter})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			printSessions(os.Stdout, rows, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&urlFlag, "url", "", "gateway websocket url")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (default talk.sessionListLimit)")
	cmd.Flags().StringVar(&agentFilter, "agent", "", "filter by agent ID")
	return cmd
}

func fetchSessions(n *node, urlFlag string, params protocol.SessionsListParams) ([]protocol.SessionRow, error) {
	var rows []protocol.SessionRow
	err := n.withConnection(context.Background(), urlFlag, n.cfg.Gateway.HandshakeTimeout()+5*time.Second,
		func(conn *gateway.Connection) error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			var err error
			rows, err = conn.ListSessions(ctx, params)
			return err
		})
	return rows, err
}

func sessionsHistoryCmd() *cobra.Command {
	var (
		urlFlag    string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "history <session-key>",
		Short: "Print a session's transcript",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			n := loadNode()
			var msgs []protocol.ChatMessage
			err := n.withConnection(context.Background(), urlFlag, n.cfg.Gateway.HandshakeTimeout()+5*time.Second,
				func(conn *gateway.Connection) error {
					ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer cancel()
					var err error
					msgs, err = conn.History(ctx, protocol.ChatHistoryParams{SessionKey: args[0]})
					return err
				})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			printHistory(os.Stdout, msgs, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&urlFlag, "url", "", "gateway websocket url")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func printHistory(w io.Writer, msgs []protocol.ChatMessage, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(msgs, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(w, "%s> %s\n", m.Role, text)
	}
}

func printSessions(w io.Writer, rows []protocol.SessionRow, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "KEY\tLABEL\tUPDATED\n")
	for _, r := range rows {
		updated := "-"
		if r.UpdatedAt > 0 {
			updated = time.UnixMilli(r.UpdatedAt).Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			runewidth.Truncate(r.Key, 48, "..."),
			runewidth.Truncate(r.Label(), 40, "..."),
			updated,
		)
	}
	tw.Flush()
}
