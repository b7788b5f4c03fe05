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
	entityCmd := &cobra.Command{
		Use:   "entity",
		Short: "Record and look up entities",
	}

	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Record a mention of an entity (merged into any existing record)",
		Run:   runEntityPut,
	}
	putCmd.Flags().StringP("type", "t", "", "Entity type (required)")
	putCmd.Flags().String("id", "", "Entity id (required)")
	putCmd.Flags().StringP("agent", "a", "", "Agent name (empty is the global scope)")
	putCmd.Flags().String("name", "", "Display name")
	putCmd.Flags().StringArray("attr", nil, "Attribute key=value (repeatable)")
	putCmd.Flags().String("attrs", "", "Attributes as a JSON object")
	putCmd.Flags().StringArray("rel", nil, "Relationship name=id1,id2 (repeatable)")
	putCmd.Flags().Float64P("importance", "i", 0, "Importance in [0,1]")
	putCmd.Flags().Bool("force-importance", false, "Replace importance instead of keeping the maximum")
	putCmd.MarkFlagRequired("type")
	putCmd.MarkFlagRequired("id")

	getCmd := &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(2),
		Run:   runEntityGet,
	}
	getCmd.Flags().StringP("agent", "a", "", "Agent name")

	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Find entities, most important first",
		Run:   runEntitySearch,
	}
	searchCmd.Flags().StringP("type", "t", "", "Filter by type")
	searchCmd.Flags().StringP("name", "n", "", "Name contains")
	searchCmd.Flags().StringP("agent", "a", "", "Filter by agent")
	searchCmd.Flags().Float64("min-importance", 0, "Minimum importance")
	searchCmd.Flags().IntP("limit", "l", 0, "Max results")

	entityCmd.AddCommand(putCmd, getCmd, searchCmd)
	RootCmd.AddCommand(entityCmd)
}

func runEntityPut(cmd *cobra.Command, args []string) {
	req := service.EntityRequest{}
	req.EntityType, _ = cmd.Flags().GetString("type")
	req.EntityID, _ = cmd.Flags().GetString("id")
	req.AgentName, _ = cmd.Flags().GetString("agent")
	req.EntityName, _ = cmd.Flags().GetString("name")
	req.ForceImportance, _ = cmd.Flags().GetBool("force-importance")
	if cmd.Flags().Changed("importance") {
		v, _ := cmd.Flags().GetFloat64("importance")
		req.Importance = &v
	}

	attrsJSON, _ := cmd.Flags().GetString("attrs")
	attrPairs, _ := cmd.Flags().GetStringArray("attr")
	attrs, err := parseAttributes(attrsJSON, attrPairs)
	if err != nil {
		exitErr("entity put", err)
	}
	req.Attributes = attrs

	relPairs, _ := cmd.Flags().GetStringArray("rel")
	if req.Relationships, err = parseRelationships(relPairs); err != nil {
		exitErr("entity put", err)
	}

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	e, err := svc.UpsertEntity(cmd.Context(), req)
	if err != nil {
		exitErr("entity put", err)
	}
	printJSON(e)
}

func runEntityGet(cmd *cobra.Command, args []string) {
	agent, _ := cmd.Flags().GetString("agent")

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	e, err := svc.GetEntity(cmd.Context(), args[0], args[1], agent)
	if err != nil {
		exitErr("entity get", err)
	}
	printJSON(e)
}

func runEntitySearch(cmd *cobra.Command, args []string) {
	req := service.EntitySearchRequest{}
	req.EntityType, _ = cmd.Flags().GetString("type")
	req.NameContains, _ = cmd.Flags().GetString("name")
	req.AgentName, _ = cmd.Flags().GetString("agent")
	req.MinImportance, _ = cmd.Flags().GetFloat64("min-importance")
	req.Limit, _ = cmd.Flags().GetInt("limit")

	svc, closeFn := openCommand(cmd)
	defer closeFn()

	ents, err := svc.SearchEntities(cmd.Context(), req)
	if err != nil {
		exitErr("entity search", err)
	}

	if formatFlag == "text" {
		for _, e := range ents {
			fmt.Printf("%s/%s  %s  mentions=%d importance=%.2f\n", e.EntityType, e.EntityID, e.EntityName, e.MentionCount, e.Importance)
		}
		return
	}
	printJSON(ents)
}

// parseAttributes merges a JSON object with key=value pairs; pairs win.
func parseAttributes(jsonObj string, pairs []string) (model.Document, error) {
	attrs := model.Document{}
	if jsonObj != "" {
		if err := json.Unmarshal([]byte(jsonObj), &attrs); err != nil {
			return nil, fmt.Errorf("parse --attrs: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("attribute %q must be key=value", p)
		}
		attrs[strings.TrimSpace(k)] = v
	}
	return attrs, nil
}

// parseRelationships reads name=id1,id2 pairs.
func parseRelationships(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	rels := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		name, ids, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("relationship %q must be name=id1,id2", p)
		}
		var targets []string
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				targets = append(targets, id)
			}
		}
		rels[name] = targets
	}
	return rels, nil
}
