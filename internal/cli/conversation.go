package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/model"
	"github.com/rcliao/agent-context/internal/service"
)

func init() {
	appendCmd := &cobra.Command{
		Use:   "append [content]",
		Short: "Append a conversation turn",
		Long:  "Append a turn to a session's history. Content can be a positional arg or piped via stdin.",
		Run:   runAppend,
	}
	appendCmd.Flags().StringP("session", "s", "", "Session id (required)")
	appendCmd.Flags().StringP("agent", "a", "", "Agent name (required)")
	appendCmd.Flags().StringP("user", "u", "", "User id")
	appendCmd.Flags().StringP("role", "r", "user", "Role: user, assistant, system, tool")
	appendCmd.Flags().Float64P("importance", "i", 0, "Importance in [0,1] (default: conversation.default_importance)")
	appendCmd.Flags().String("meta", "", "JSON metadata object")
	appendCmd.MarkFlagRequired("session")
	appendCmd.MarkFlagRequired("agent")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show a session's history",
		Run:   runHistory,
	}
	historyCmd.Flags().StringP("session", "s", "", "Session id (required)")
	historyCmd.Flags().StringP("agent", "a", "", "Filter by agent")
	historyCmd.Flags().StringP("user", "u", "", "Filter by user id")
	historyCmd.Flags().IntP("limit", "l", 0, "Max messages (default: conversation.default_limit)")
	historyCmd.Flags().Float64("since-hours", 0, "Only messages from the last N hours")
	historyCmd.Flags().Float64("min-importance", 0, "Minimum importance")
	historyCmd.Flags().String("order", "asc", "asc or desc")
	historyCmd.MarkFlagRequired("session")

	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search conversations by keyword",
		Long:  "Find turns containing the query, rank them by relevance, recency, importance and access, and pack them into a token budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}
	searchCmd.Flags().StringP("session", "s", "", "Filter by session")
	searchCmd.Flags().StringP("agent", "a", "", "Filter by agent")
	searchCmd.Flags().IntP("limit", "l", 0, "Max candidates (default: search.default_limit)")
	searchCmd.Flags().IntP("budget", "b", 0, "Token budget (default: search.default_budget)")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List conversations, most recently active first",
		Run:   runSessions,
	}
	sessionsCmd.Flags().StringP("agent", "a", "", "Filter by agent")
	sessionsCmd.Flags().IntP("limit", "l", 0, "Max sessions")

	RootCmd.AddCommand(appendCmd, historyCmd, searchCmd, sessionsCmd)
}

func runAppend(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	agent, _ := cmd.Flags().GetString("agent")
	user, _ := cmd.Flags().GetString("user")
	role, _ := cmd.Flags().GetString("role")
	meta, _ := cmd.Flags().GetString("meta")

	content := strings.TrimSpace(readContent(args))
	if content == "" {
		exitErr("append", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	req := service.AppendRequest{
		SessionID: session,
		AgentName: agent,
		UserID:    user,
		Role:      model.Role(role),
		Content:   content,
	}
	if cmd.Flags().Changed("importance") {
		v, _ := cmd.Flags().GetFloat64("importance")
		req.Importance = &v
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &req.Metadata); err != nil {
			exitErr("parse --meta", err)
		}
	}

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	m, err := svc.AppendMessage(cmd.Context(), req)
	if err != nil {
		exitErr("append", err)
	}
	b, _ := json.Marshal(m)
	fmt.Println(string(b))
}

func runHistory(cmd *cobra.Command, args []string) {
	req := service.ListRequest{}
	req.SessionID, _ = cmd.Flags().GetString("session")
	req.AgentName, _ = cmd.Flags().GetString("agent")
	req.UserID, _ = cmd.Flags().GetString("user")
	req.Limit, _ = cmd.Flags().GetInt("limit")
	req.SinceHours, _ = cmd.Flags().GetFloat64("since-hours")
	req.MinImportance, _ = cmd.Flags().GetFloat64("min-importance")
	req.Order, _ = cmd.Flags().GetString("order")

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	msgs, err := svc.ListMessages(cmd.Context(), req)
	if err != nil {
		exitErr("history", err)
	}

	if formatFlag == "text" {
		for _, m := range msgs {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Role, m.Content)
		}
		return
	}
	printJSON(msgs)
}

func runSearch(cmd *cobra.Command, args []string) {
	req := service.SearchRequest{Query: strings.Join(args, " ")}
	req.SessionID, _ = cmd.Flags().GetString("session")
	req.AgentName, _ = cmd.Flags().GetString("agent")
	req.Limit, _ = cmd.Flags().GetInt("limit")
	req.Budget, _ = cmd.Flags().GetInt("budget")

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	res, err := svc.SearchMessages(cmd.Context(), req)
	if err != nil {
		exitErr("search", err)
	}

	if formatFlag == "text" {
		for _, m := range res.Messages {
			fmt.Printf("%.2f  %s/%s  %s: %s\n", m.Score, m.SessionID, m.AgentName, m.Role, m.Content)
		}
		fmt.Printf("(%d of %d tokens)\n", res.Used, res.Budget)
		return
	}
	printJSON(res)
}

func runSessions(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")
	limit, _ := cmd.Flags().GetInt("limit")

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	sessions, err := svc.Sessions(cmd.Context(), agent, limit)
	if err != nil {
		exitErr("sessions", err)
	}

	if formatFlag == "text" {
		for _, s := range sessions {
			fmt.Printf("%s/%s  %d messages  last %s\n", s.SessionID, s.AgentName, s.Messages, s.LastActivity.Format("2006-01-02 15:04"))
		}
		return
	}
	printJSON(sessions)
}
