package debug

import (
	"context"
	"fmt"
	"time"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/dap"
	"github.com/xhd2015/coroutine-mcp/debug/headless"
	"github.com/xhd2015/coroutine-mcp/log"
)

const (
	TransportHeadless = "headless"
	TransportDAP      = "dap"
)

// DialOptions configures how a transport attaches
type DialOptions struct {
	Timeout time.Duration
	Logger  log.Logger
	// AttachArgs are the attach request arguments of the dap transport
	AttachArgs map[string]interface{}
}

// Dialer attaches a session to the target at addr
type Dialer func(ctx context.Context, transport string, id string, addr string, opts DialOptions) (common.Session, error)

// Dial attaches over transport
func Dial(ctx context.Context, transport string, id string, addr string, opts DialOptions) (common.Session, error) {
	switch transport {
	case TransportDAP:
		return dap.Dial(ctx, id, addr, dap.Options{
			AttachArgs: opts.AttachArgs,
			Timeout:    opts.Timeout,
			Logger:     opts.Logger,
		})
	case TransportHeadless:
		return headless.Dial(ctx, id, addr, opts.Logger, opts.Timeout)
	default:
		return nil, fmt.Errorf("unsupported transport: %s", transport)
	}
}
