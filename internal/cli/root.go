// Package cli implements the pushcli operator commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"push-server/internal/pushdb"
	sqlitestore "push-server/internal/store/sqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database  string
	RedisAddr string
	Pretty    bool
}

// NewRootCommand creates the pushcli root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "pushcli",
		Short:         "Operate the push notification server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", envOr("SQLITE_PATH", "data/push.db"), "SQLite database path")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address for queue commands")
	cmd.PersistentFlags().BoolVar(&opts.Pretty, "pretty", false, "indent JSON output")

	cmd.AddCommand(NewAPIKeyCommand(opts))
	cmd.AddCommand(NewDeviceCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewPluginsCommand(opts))
	return cmd
}

// openStore opens the event database named by --db.
func (o *RootOptions) openStore() (*pushdb.DB, func(), error) {
	db, err := sqlitestore.Open(o.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", o.Database, err)
	}
	return pushdb.New(db), func() { db.Close() }, nil
}

func (o *RootOptions) print(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if o.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
