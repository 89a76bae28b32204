package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"histeeria-chatsync/internal/models"

	"github.com/spf13/cobra"
)

func newSendCmd(opts *globalOptions) *cobra.Command {
	var replyTo string
	cmd := &cobra.Command{
		Use:   "send [chat-id] [text...]",
		Short: "Send a text message through the daemon",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			msg, err := opts.client().SendText(ctx, models.CreateMessageRequest{
				ChatID:    args[0],
				Content:   strings.Join(args[1:], " "),
				ReplyToID: replyTo,
			})
			if err != nil {
				return explain(err)
			}
			return printMessage(cmd.OutOrStdout(), opts, msg)
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being replied to")
	return cmd
}

func newRetryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [temp-id]",
		Short: "Retry a failed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			var msg models.Message
			if err := opts.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(args[0])+"/retry", nil, &msg); err != nil {
				return err
			}
			return printMessage(cmd.OutOrStdout(), opts, msg)
		},
	}
}

func newMessagesCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "messages [chat-id]",
		Short: "List the messages the daemon holds for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			var msgs []models.Message
			if err := opts.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(args[0])+"/messages", nil, &msgs); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), msgs)
			}
			return printMessages(cmd.OutOrStdout(), msgs)
		},
	}
}

func newForgetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget [chat-id]",
		Short: "Drop a conversation and its pending sends from the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.requestContext(cmd)
			defer cancel()
			var res struct {
				Removed int `json:"removed"`
			}
			if err := opts.do(ctx, http.MethodDelete, "/chats/"+url.PathEscape(args[0]), nil, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d messages from %s\n", res.Removed, args[0])
			return nil
		},
	}
}

func printMessage(w io.Writer, opts *globalOptions, msg models.Message) error {
	if opts.asJSON {
		return printJSON(w, msg)
	}
	return printMessages(w, []models.Message{msg})
}

func printMessages(w io.Writer, msgs []models.Message) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATE\tSENDER\tCONTENT")
	for _, m := range msgs {
		state := string(m.SendState)
		if m.SendError != "" {
			state += " (" + m.SendError + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Key(), state, m.SenderID, m.Content)
	}
	return tw.Flush()
}
