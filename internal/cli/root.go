// Package cli implements the agent-context CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rcliao/agent-context/internal/apperr"
	"github.com/rcliao/agent-context/internal/cache"
	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/embedding"
	"github.com/rcliao/agent-context/internal/service"
	"github.com/rcliao/agent-context/internal/store"
	"github.com/rcliao/agent-context/internal/telemetry"
)

var (
	cfgPath    string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-context",
	Short: "Layered memory for conversational agents",
	Long: "Conversation history, entity knowledge, working-memory slots and a volatile cache for AI agents.\n" +
		"Run `agent-context serve` for the HTTP API, or use the subcommands against the store directly.",
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVarP(&cfgPath, "config", "c", "", "Config file (YAML)")
	pf.StringP("db", "d", "", "Database DSN (default: $AGENT_CONTEXT_DATABASE_DSN or ~/.agent-context/context.db)")
	pf.String("driver", "", "Database driver: sqlite or postgres")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

// flagBindings maps config keys to the persistent flags that override them.
func flagBindings(fs *pflag.FlagSet) map[string]*pflag.Flag {
	return map[string]*pflag.Flag{
		"database.dsn":    fs.Lookup("db"),
		"database.driver": fs.Lookup("driver"),
		"log.level":       fs.Lookup("log-level"),
	}
}

func loadConfig(cmd *cobra.Command) *config.Config {
	cfg, err := config.Load(cfgPath, flagBindings(RootCmd.PersistentFlags()))
	if err != nil {
		exitErr("config", err)
	}
	return cfg
}

func newLogger(cfg *config.Config) *bolt.Logger {
	return telemetry.NewLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
}

// openService opens the backing stores and wires the facade over them. The
// returned func releases them.
func openService(ctx context.Context, cfg *config.Config, logger *bolt.Logger, opts ...service.Option) (*service.Service, func()) {
	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		exitErr("open store", err)
	}
	c, err := cache.New(cfg.Cache)
	if err != nil {
		db.Close()
		exitErr("open cache", err)
	}
	emb, err := embedding.New(cfg.Search)
	if err != nil {
		db.Close()
		c.Close()
		exitErr("embedder", err)
	}
	if emb != nil {
		opts = append(opts, service.WithEmbedder(emb))
		logger.Info().Str("embedder", emb.Name()).Msg("search re-ranking enabled")
	}

	svc := service.New(cfg, db, c, logger, opts...)
	return svc, func() {
		c.Close()
		db.Close()
	}
}

// openCommand is the common prologue of the one-shot subcommands.
func openCommand(cmd *cobra.Command) (*service.Service, func()) {
	cfg := loadConfig(cmd)
	return openService(cmd.Context(), cfg, newLogger(cfg))
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

// readContent takes content from args, or from stdin when it is piped.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}

func exitErr(msg string, err error) {
	if kind := apperr.KindOf(err); kind != "" {
		fmt.Fprintf(os.Stderr, "error: %s (%s): %v\n", msg, kind, err)
	} else {
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	}
	os.Exit(1)
}
