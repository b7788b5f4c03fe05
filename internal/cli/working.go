package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-context/internal/service"
)

func init() {
	workingCmd := &cobra.Command{
		Use:   "working",
		Short: "Manage working-memory slots",
	}

	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Replace a working-memory slot",
		Run:   runWorkingPut,
	}
	putCmd.Flags().StringP("agent", "a", "", "Agent name (required)")
	putCmd.Flags().StringP("session", "s", "", "Session id (required)")
	putCmd.Flags().StringP("type", "t", "", "Context type (required)")
	putCmd.Flags().String("data", "", "Slot data as a JSON object (required)")
	putCmd.Flags().Duration("ttl", 0, "Time to live (default: working.default_ttl)")
	putCmd.MarkFlagRequired("agent")
	putCmd.MarkFlagRequired("session")
	putCmd.MarkFlagRequired("type")
	putCmd.MarkFlagRequired("data")

	getCmd := &cobra.Command{
		Use:   "get <agent> <session> [type]",
		Short: "Show one live slot, or all live slots of a session",
		Args:  cobra.RangeArgs(2, 3),
		Run:   runWorkingGet,
	}

	clearCmd := &cobra.Command{
		Use:   "clear <agent> <session> [type]",
		Short: "Remove one slot, or all slots of a session",
		Args:  cobra.RangeArgs(2, 3),
		Run:   runWorkingClear,
	}

	workingCmd.AddCommand(putCmd, getCmd, clearCmd)
	RootCmd.AddCommand(workingCmd)
}

func runWorkingPut(cmd *cobra.Command, args []string) {
	req := service.WorkingPutRequest{}
	req.AgentName, _ = cmd.Flags().GetString("agent")
	req.SessionID, _ = cmd.Flags().GetString("session")
	req.ContextType, _ = cmd.Flags().GetString("type")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl < 0 {
		exitErr("working put", fmt.Errorf("--ttl must not be negative"))
	}
	req.TTLSeconds = int(ttl / time.Second)
	if ttl > 0 && req.TTLSeconds == 0 {
		req.TTLSeconds = 1
	}

	data, _ := cmd.Flags().GetString("data")
	if err := json.Unmarshal([]byte(data), &req.ContextData); err != nil {
		exitErr("parse --data", err)
	}

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	slot, err := svc.PutWorking(cmd.Context(), req)
	if err != nil {
		exitErr("working put", err)
	}
	printJSON(slot)
}

func slotArgs(args []string) service.WorkingKey {
	key := service.WorkingKey{AgentName: args[0], SessionID: args[1]}
	if len(args) > 2 {
		key.ContextType = args[2]
	}
	return key
}

func runWorkingGet(cmd *cobra.Command, args []string) {
	key := slotArgs(args)

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	if key.ContextType == "" {
		slots, err := svc.ListWorking(cmd.Context(), key.AgentName, key.SessionID)
		if err != nil {
			exitErr("working get", err)
		}
		printJSON(slots)
		return
	}
	slot, err := svc.GetWorking(cmd.Context(), key)
	if err != nil {
		exitErr("working get", err)
	}
	printJSON(slot)
}

func runWorkingClear(cmd *cobra.Command, args []string) {
	svc, closeFn := openCommand(cmd)
	defer closeFn()

	n, err := svc.ClearWorking(cmd.Context(), slotArgs(args))
	if err != nil {
		exitErr("working clear", err)
	}
	fmt.Printf(`{"ok":true,"cleared":%d}`+"\n", n)
}
