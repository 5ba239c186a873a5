package send

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/config"
	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/telemetry"
)

var timeout time.Duration

// SendCmd posts a raw payload through the interceptor.
var SendCmd = &cobra.Command{
	Use:   "send <path> [payload]",
	Short: "Send a raw payload to an endpoint",
	Long: `Posts a payload to a path on the server and prints the response body.
The payload is read from stdin when omitted or given as "-".

A login challenge suspends the request; after logging in the same payload is
sent again.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.MustFromContext(cmd.Context())

		var payload []byte
		if len(args) == 2 && args[1] != "-" {
			payload = []byte(args[1])
		} else {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			payload = data
		}

		sender, err := cfg.ClientProvider.Sender(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ctx, span := telemetry.StartSpan(ctx, "reloginctl.send",
			attribute.String(telemetry.AttrProcedure, args[0]),
			attribute.String(telemetry.AttrServerURL, cfg.ServerURL),
		)
		defer span.End()

		body, err := sender.Do(ctx, payload)
		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		_, err = cmd.OutOrStdout().Write(body)
		return err
	},
}

func init() {
	SendCmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long, including time spent logging in")
}
