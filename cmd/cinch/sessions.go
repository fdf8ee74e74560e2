package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/martinemde/cinch/agentloop"
	"github.com/martinemde/cinch/session"
)

var olderThan time.Duration

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions, newest first",
	RunE:  listSessions,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [trace-id]",
	Short: "Delete a session and its checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteSession,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sessions not updated recently",
	RunE:  pruneSessions,
}

func init() {
	sessionsPruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Delete sessions last updated before this long ago")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd, sessionsPruneCmd)
}

func sessionManager() (*session.Manager, error) {
	cfg, err := agentloop.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return openSessions(cfg)
}

func listSessions(cmd *cobra.Command, args []string) error {
	mgr, err := sessionManager()
	if err != nil {
		return err
	}
	manifests, err := mgr.List()
	if err != nil {
		return err
	}
	printManifests(cmd.OutOrStdout(), manifests, time.Now())
	return nil
}

func printManifests(w io.Writer, manifests []session.Manifest, now time.Time) {
	if len(manifests) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	for _, m := range manifests {
		tokens := int64(m.PromptTokens + m.CompletionTokens)
		fmt.Fprintf(w, "%s  %-9s  %3d rounds  %8s tokens  $%.4f  %s\n",
			m.TraceID, m.Status, m.LastRound, humanize.Comma(tokens), m.EstimatedCostUSD,
			humanize.RelTime(m.UpdatedAt, now, "ago", "from now"))
		if m.Title != "" {
			fmt.Fprintf(w, "    %s\n", m.Title)
		}
	}
}

func deleteSession(cmd *cobra.Command, args []string) error {
	mgr, err := sessionManager()
	if err != nil {
		return err
	}
	if err := mgr.Delete(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func pruneSessions(cmd *cobra.Command, args []string) error {
	mgr, err := sessionManager()
	if err != nil {
		return err
	}
	removed, err := mgr.Prune(time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d sessions\n", len(removed))
	return nil
}
