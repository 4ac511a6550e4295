package connectbridge

import (
	"context"
	"os"
)

// EnvProtocol names the environment variable read by BackgroundContext.
const EnvProtocol = "RNGRPC_PROTOCOL"

// BackgroundContext returns a background context for long-lived transports.
//
// Selection rules:
//   - If RNGRPC_PROTOCOL names a known protocol (see ParseProtocol), the
//     context carries it.
//   - Otherwise it returns context.Background() without a protocol value.
func BackgroundContext() context.Context {
	ctx := context.Background()
	protocol, err := ParseProtocol(os.Getenv(EnvProtocol))
	if err != nil {
		return ctx
	}
	return WithProtocol(ctx, protocol)
}
