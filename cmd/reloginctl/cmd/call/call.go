package call

import (
	"fmt"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/config"
	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/telemetry"
)

// CallCmd invokes a Connect unary procedure with a JSON object body.
var CallCmd = &cobra.Command{
	Use:   "call <procedure> [json]",
	Short: "Call a Connect procedure",
	Long: `Calls a unary Connect procedure using the JSON codec. The request and
response are free-form JSON objects.

If the server challenges the call, reloginctl logs in and sends the call again.

Example:
  reloginctl call /acme.echo.v1.EchoService/Echo '{"message":"hi"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.MustFromContext(cmd.Context())

		procedure := "/" + strings.TrimPrefix(args[0], "/")
		body := "{}"
		if len(args) == 2 {
			body = args[1]
		}
		req := &structpb.Struct{}
		if err := protojson.Unmarshal([]byte(body), req); err != nil {
			return fmt.Errorf("request body must be a JSON object: %w", err)
		}

		httpClient, err := cfg.ClientProvider.HTTPClient()
		if err != nil {
			return err
		}
		target, err := url.JoinPath(cfg.ServerURL, procedure)
		if err != nil {
			return fmt.Errorf("invalid server URL: %w", err)
		}

		ctx, span := telemetry.StartSpan(cmd.Context(), "reloginctl.call",
			attribute.String(telemetry.AttrProcedure, procedure),
			attribute.String(telemetry.AttrServerURL, cfg.ServerURL),
		)
		defer span.End()

		rpc := connect.NewClient[structpb.Struct, structpb.Struct](httpClient, target, connect.WithProtoJSON())
		resp, err := rpc.CallUnary(ctx, connect.NewRequest(req))
		if err != nil {
			telemetry.RecordError(span, err)
			cfg.Logger.Debug("call failed", zap.String("procedure", procedure), zap.Error(err))
			return fmt.Errorf("call %s: %w", procedure, err)
		}

		out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp.Msg)
		if err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}
