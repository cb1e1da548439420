package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/xhd2015/coroutine-mcp/config"
	"github.com/xhd2015/coroutine-mcp/debug"
	tools "github.com/xhd2015/coroutine-mcp/tools/debug"
)

// install: go install ./cmd/coroutine-mcp
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	transport  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "coroutine-mcp",
		Short:         "MCP server inspecting the Kotlin coroutines of a suspended JVM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ~/.coroutine-mcp/config.yaml)")
	root.PersistentFlags().StringVar(&flags.transport, "transport", "", "transport: 'headless' or 'dap'")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(flags), newDumpCmd(flags))
	return root
}

// load reads the config file and applies flag overrides
func (f *globalFlags) load() (config.Config, error) {
	path := f.configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if f.transport != "" {
		cfg.Transport = f.transport
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, cfg.Validate()
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio, or SSE with --listen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, closeLog, err := openLog(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			sessionManager := debug.NewSessionManager(debug.Options{
				Transport:     cfg.Transport,
				Timeout:       cfg.RequestTimeout,
				MaxChainDepth: cfg.MaxChainDepth,
				Logger:        logger,
			})
			defer sessionManager.Close()

			s := server.NewMCPServer(
				"Kotlin Coroutine Debugger MCP",
				"1.0.0",
				server.WithToolCapabilities(true),
			)
			tools.RegisterTools(s, sessionManager)

			if listen == "" {
				logger.Infof("MCP server listening on stdio")
				return server.ServeStdio(s)
			}
			logger.Infof("MCP server listening on %s", listen)
			return server.NewSSEServer(s).Start(listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve SSE on this address instead of stdio, e.g. 127.0.0.1:12763")
	return cmd
}

func newDumpCmd(flags *globalFlags) *cobra.Command {
	var addr string
	var frames bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Attach to a suspended JVM, print its coroutines and detach",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				return fmt.Errorf("requires --addr")
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, closeLog, err := openLog(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			sessionManager := debug.NewSessionManager(debug.Options{
				Transport:     cfg.Transport,
				Timeout:       cfg.RequestTimeout,
				MaxChainDepth: cfg.MaxChainDepth,
				Logger:        logger,
			})
			defer sessionManager.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			info, err := sessionManager.CreateSession(ctx, cfg.Transport, addr, nil)
			if err != nil {
				return err
			}
			session, err := sessionManager.GetSession(info.ID)
			if err != nil {
				return err
			}
			cache, text, err := session.Dump(ctx, frames)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			if !cache.IsOk() {
				return fmt.Errorf("dump failed: %w", cache.Err())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address of the debug agent or debug adapter")
	cmd.Flags().BoolVar(&frames, "frames", false, "include continuation frames")
	return cmd
}
