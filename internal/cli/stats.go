package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	svc, closeFn := openCommand(cmd)
	defer closeFn()

	stats, err := svc.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}

	if formatFlag == "text" {
		fmt.Printf("driver:        %s\n", stats.Driver)
		if stats.DBSizeBytes > 0 {
			fmt.Printf("size:          %d bytes\n", stats.DBSizeBytes)
		}
		fmt.Printf("messages:      %d in %d sessions\n", stats.Messages, stats.Sessions)
		fmt.Printf("entities:      %d\n", stats.Entities)
		fmt.Printf("working slots: %d (%d expired)\n", stats.WorkingSlots, stats.ExpiredSlots)
		return
	}
	printJSON(stats)
}
