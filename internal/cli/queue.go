package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"histeeria-chatsync/internal/chat"
	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

type statusResponse struct {
	Online           bool `json:"online"`
	ChannelConnected bool `json:"channelConnected"`
	QueueLength      int  `json:"queueLength"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue length",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			var st statusResponse
			if err := opts.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "online:    %t\n", st.Online)
			fmt.Fprintf(out, "channel:   %t\n", st.ChannelConnected)
			fmt.Fprintf(out, "queued:    %d\n", st.QueueLength)
			return nil
		},
	}
}

func newDrainCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Re-send every queued message now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			var res chat.DrainResult
			if err := opts.do(ctx, http.MethodPost, "/queue/drain", nil, &res); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d, failed %d, remaining %d\n", res.Sent, res.Failed, res.Remaining)
			return nil
		},
	}
}

type outboxOptions struct {
	databaseURL string
	redisURL    string
	redisPrefix string
}

// newOutboxCmd reads the persisted outbox directly, so it works while the
// daemon is stopped.
func newOutboxCmd(opts *globalOptions) *cobra.Command {
	o := &outboxOptions{}
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List sends persisted in the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			msgs, err := o.list(ctx)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			return printMessages(cmd.OutOrStdout(), msgs)
		},
	}
	cmd.Flags().StringVar(&o.databaseURL, "database-url", envOr("DATABASE_URL", ""), "PostgreSQL outbox")
	cmd.Flags().StringVar(&o.redisURL, "redis-url", envOr("REDIS_URL", ""), "Redis outbox")
	cmd.Flags().StringVar(&o.redisPrefix, "redis-prefix", envOr("REDIS_PREFIX", ""), "Redis key prefix")
	return cmd
}

func (o *outboxOptions) list(ctx context.Context) ([]models.Message, error) {
	switch {
	case o.databaseURL != "":
		pool, err := pgxpool.New(ctx, o.databaseURL)
		if err != nil {
			return nil, fmt.Errorf("unable to create connection pool: %w", err)
		}
		defer pool.Close()
		return store.NewPostgresOutbox(pool).List(ctx)
	case o.redisURL != "":
		rdb, err := store.OpenRedis(ctx, o.redisURL)
		if err != nil {
			return nil, err
		}
		defer rdb.Close()
		return store.NewRedisOutbox(rdb, o.redisPrefix).List(ctx)
	default:
		return nil, errors.New("no persistent outbox configured, set --database-url or --redis-url")
	}
}
