package cli

import (
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"push-server/internal/dispatch"
	"push-server/internal/model"
	"push-server/internal/plugins"
	"push-server/internal/pushdb"
	redisstore "push-server/internal/store/redis"
)

// NewAPIKeyCommand manages api keys.
func NewAPIKeyCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage api keys"}

	var key model.APIKey
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or replace an api key (a random key is generated when --key is empty)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key.APIKey == "" {
				key.APIKey = uuid.NewString()
			}
			db, closeDB, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeDB()
			if err := db.APIKeys.Put(cmd.Context(), key); err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), key)
		},
	}
	add.Flags().StringVar(&key.APIKey, "key", "", "api key value")
	add.Flags().StringVar(&key.AppID, "app", "", "application id")
	add.Flags().BoolVar(&key.Admin, "admin", false, "allow admin routes")
	add.Flags().StringVar(&key.ProviderToken, "provider-token", "", "push provider access token")
	add.MarkFlagRequired("app")

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Show an api key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeDB()
			k, err := db.APIKeys.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), k)
		},
	}

	cmd.AddCommand(add, get)
	return cmd
}

// NewDeviceCommand looks up devices.
func NewDeviceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "device <deviceId>",
		Short: "Show a registered device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeDB()
			d, err := db.Devices.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), d)
		},
	}
}

type eventOut struct {
	Key string `json:"key"`
	model.PushEvent
}

func eventsOut(rows []*pushdb.EventRow) []eventOut {
	out := make([]eventOut, 0, len(rows))
	for _, r := range rows {
		out = append(out, eventOut{Key: r.ID, PushEvent: r.Event})
	}
	return out
}

// NewEventsCommand lists events by owner or key.
func NewEventsCommand(opts *RootOptions) *cobra.Command {
	var deviceID, loginID, key string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List live events of a device or login, or show one event by key",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeDB()
			ctx := cmd.Context()

			switch {
			case key != "":
				row, err := db.Events.GetEvent(ctx, key)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), eventOut{Key: row.ID, PushEvent: row.Event})
			case deviceID != "":
				rows, err := db.Events.GetEventsByDeviceID(ctx, deviceID)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), eventsOut(rows))
			case loginID != "":
				id, err := model.ParseLoginID(loginID)
				if err != nil {
					return err
				}
				rows, err := db.Events.GetEventsByLoginID(ctx, id)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), eventsOut(rows))
			}
			return fmt.Errorf("one of --device, --login or --key is required")
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "device id")
	cmd.Flags().StringVar(&loginID, "login", "", "base64 login id")
	cmd.Flags().StringVar(&key, "key", "", "event key")
	return cmd
}

// NewSendCommand queues a marketing message to every device of an app.
func NewSendCommand(opts *RootOptions) *cobra.Command {
	var apiKey string
	var msg model.PushMessage
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Queue a marketing message for every device of the api key's app",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			key, err := db.APIKeys.Get(cmd.Context(), apiKey)
			if err != nil {
				return err
			}
			client, err := redisstore.Connect(redisstore.Config{Addr: opts.RedisAddr})
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := marketing(cmd, db, client, key, msg)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]int{"queued": n})
		},
	}
	cmd.Flags().StringVar(&apiKey, "apikey", "", "admin api key whose app receives the message")
	cmd.Flags().StringVar(&msg.Title, "title", "", "notification title")
	cmd.Flags().StringVar(&msg.Body, "body", "", "notification body")
	cmd.MarkFlagRequired("apikey")
	return cmd
}

func marketing(cmd *cobra.Command, db *pushdb.DB, client *goredis.Client, key model.APIKey, msg model.PushMessage) (int, error) {
	if !key.Admin {
		return 0, fmt.Errorf("api key of %s is not an admin key", key.AppID)
	}
	d := &dispatch.Dispatcher{
		Devices: db.Devices,
		Queue:   redisstore.NewQueue(client, redisstore.QueueConfig{Stream: envOr("QUEUE_STREAM", "")}),
	}
	return d.Broadcast(cmd.Context(), key, msg)
}

// NewPluginsCommand checks a plugin registry file and optionally probes the
// configured servers.
func NewPluginsCommand(opts *RootOptions) *cobra.Command {
	var file string
	var dial bool
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Validate the plugin registry file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := plugins.LoadConfig(file)
			if err != nil {
				return err
			}
			type pluginOut struct {
				ID      string        `json:"id"`
				Type    string        `json:"type"`
				Servers int           `json:"servers"`
				Timeout time.Duration `json:"timeoutNs"`
			}
			out := make([]pluginOut, 0, len(cfg.Plugins))
			for _, p := range cfg.Plugins {
				out = append(out, pluginOut{ID: p.ID, Type: p.Type, Servers: len(p.Servers), Timeout: p.Timeout})
			}
			if dial {
				if _, err := plugins.Build(cmd.Context(), cfg); err != nil {
					return err
				}
			}
			return opts.print(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&file, "file", envOr("PLUGINS_FILE", "config/plugins.yaml"), "plugin registry YAML")
	cmd.Flags().BoolVar(&dial, "dial", false, "also connect to every server")
	return cmd
}
