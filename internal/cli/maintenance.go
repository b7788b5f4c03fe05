package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/reduce"
	"github.com/rcliao/agent-context/internal/store"
)

func init() {
	reduceCmd := &cobra.Command{
		Use:   "reduce",
		Short: "Run one reduction pass now",
		Long:  "Prune old low-importance turns (leaving a summary in their place) and decay or delete idle entities.",
		Run:   runReduce,
	}
	reduceCmd.Flags().StringP("agent", "a", "", "Limit to one agent")
	reduceCmd.Flags().StringP("session", "s", "", "Limit to one session (skips the entity pass)")
	reduceCmd.Flags().Int("history", 0, "Show the last N recorded passes instead of running one")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export conversations and entities as JSON",
		Run:   runExport,
	}
	exportCmd.Flags().StringP("session", "s", "", "Export one session only")
	exportCmd.Flags().StringP("agent", "a", "", "Export entities of one agent only")

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a JSON export (from a file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		Run:   runImport,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Run:   runConfigShow,
	})

	RootCmd.AddCommand(reduceCmd, exportCmd, importCmd, configCmd)
}

func runReduce(cmd *cobra.Command, args []string) {
	var scope reduce.Scope
	scope.AgentName, _ = cmd.Flags().GetString("agent")
	scope.SessionID, _ = cmd.Flags().GetString("session")

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	if cmd.Flags().Changed("history") {
		n, _ := cmd.Flags().GetInt("history")
		runs, err := svc.ReductionHistory(cmd.Context(), n)
		if err != nil {
			exitErr("reduce history", err)
		}
		if formatFlag == "text" {
			for _, r := range runs {
				fmt.Printf("%s  %s  %-9s pruned=%d summaries=%d archived=%d deleted=%d\n",
					r.FinishedAt.Format("2006-01-02 15:04:05"), r.RunID, r.Outcome(),
					r.MessagesPruned, r.SummariesWritten, r.EntitiesArchived, r.EntitiesDeleted)
			}
			return
		}
		printJSON(runs)
		return
	}

	report, err := svc.Reduce(cmd.Context(), scope)
	if err != nil && report == nil {
		exitErr("reduce", err)
	}
	printJSON(report)
}

func runExport(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	agent, _ := cmd.Flags().GetString("agent")

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	dump, err := svc.Export(cmd.Context(), session, agent)
	if err != nil {
		exitErr("export", err)
	}
	printJSON(dump)
}

func runImport(cmd *cobra.Command, args []string) {
	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open import file", err)
		}
		defer f.Close()
		r = f
	}

	var dump store.Dump
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		exitErr("parse import", err)
	}

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	res, err := svc.Import(cmd.Context(), &dump)
	if err != nil {
		exitErr("import", err)
	}
	printJSON(res)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	b, err := cfg.YAML()
	if err != nil {
		exitErr("config", err)
	}
	fmt.Print(string(b))
}
