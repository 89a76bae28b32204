// Package cli implements chatsyncctl, the command line client of a running
// sync daemon's local bridge.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"histeeria-chatsync/internal/api"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

type globalOptions struct {
	addr    string
	token   string
	timeout time.Duration
	asJSON  bool
}

func (o *globalOptions) client() *api.Client {
	return api.NewClient(api.Options{BaseURL: o.addr, Token: o.token, Timeout: o.timeout})
}

func (o *globalOptions) do(ctx context.Context, method, path string, body, out interface{}) error {
	return explain(o.client().Do(ctx, method, path, body, out))
}

// explain adds a hint to a rejected bridge token.
func explain(err error) error {
	if api.IsStatus(err, http.StatusUnauthorized) {
		return fmt.Errorf("%w (check --token or BRIDGE_TOKEN)", err)
	}
	return err
}

func (o *globalOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// NewRootCmd builds the command tree. Flag defaults come from the environment.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:   "chatsyncctl",
		Short: "Control a running chat sync daemon",
		Long: `chatsyncctl talks to the local bridge of a running syncd to inspect its
status, send and retry messages, and drive the offline queue.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", envOr("BRIDGE_ADDR", "http://127.0.0.1:"+envOr("BRIDGE_PORT", "8090")), "bridge base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("BRIDGE_TOKEN"), "bridge token")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	flags.BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		newStatusCmd(opts),
		newDrainCmd(opts),
		newSendCmd(opts),
		newRetryCmd(opts),
		newMessagesCmd(opts),
		newForgetCmd(opts),
		newOutboxCmd(opts),
	)
	return rootCmd
}

// Execute runs chatsyncctl. This is called by main.main().
func Execute() {
	// Not fatal: flags and the environment still apply.
	_ = godotenv.Load()
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
