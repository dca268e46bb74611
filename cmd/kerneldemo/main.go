// Package main provides a small CLI around the kernel: running a demo
// procedure graph, inspecting tool-policy decisions, and publishing a
// channel event, all against one loaded kernelconfig.Config.
//
// # Basic Usage
//
//	kerneldemo run greet --arg name=Ada
//	kerneldemo policy check --profile coding shell_exec
//	kerneldemo channel publish demo --type status --payload '{"ok":true}'
//	kerneldemo serve --addr :8787
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentrt/kernel/internal/kernel/channel"
	"github.com/agentrt/kernel/internal/kernel/graph"
	"github.com/agentrt/kernel/internal/kernel/kctx"
	"github.com/agentrt/kernel/internal/kernel/procedure"
	"github.com/agentrt/kernel/internal/kernel/tracker"
	"github.com/agentrt/kernel/internal/kernelconfig"
	policy "github.com/agentrt/kernel/internal/toolpolicy"
	"github.com/agentrt/kernel/transport/wsdemo"
)

// Build information, populated by ldflags during release builds.
var (
	version    = "dev"
	commit     = "none"
	date       = "unknown"
	configPath string
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "kerneldemo",
		Short:        "Exercise the procedure graph, tool policy and channel layers",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a kernel YAML config file (optional)")
	rootCmd.AddCommand(buildRunCmd(), buildPolicyCmd(), buildChannelCmd(), buildServeCmd())
	return rootCmd
}

func loadConfig() (kernelconfig.Config, error) {
	cfg, err := kernelconfig.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// demoProcedures are the handlers the "run" command can invoke, kept
// in-process rather than discovered — this is a demo, not a plugin host.
var demoProcedures = map[string]procedure.Handler{
	"greet": func(ctx context.Context, args []any) (any, error) {
		name := "world"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok && s != "" {
				name = s
			}
		}
		return fmt.Sprintf("hello, %s", name), nil
	},
	"fail": func(ctx context.Context, args []any) (any, error) {
		return nil, fmt.Errorf("demo procedure always fails")
	},
	"slow": func(ctx context.Context, args []any) (any, error) {
		select {
		case <-time.After(2 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	},
}

func buildRunCmd() *cobra.Command {
	var (
		rawArg  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <procedure>",
		Short: "Invoke a demo procedure through the tracked graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			handler, ok := demoProcedures[args[0]]
			if !ok {
				names := make([]string, 0, len(demoProcedures))
				for name := range demoProcedures {
					names = append(names, name)
				}
				return fmt.Errorf("unknown procedure %q, have: %s", args[0], strings.Join(names, ", "))
			}

			tr := tracker.New(nil, nil)
			proc := procedure.New(args[0], handler, tr)
			if timeout > 0 {
				proc = proc.WithTimeout(timeout)
			} else if cfg.Procedure.DefaultTimeout > 0 {
				proc = proc.WithTimeout(cfg.Procedure.DefaultTimeout)
			}

			g := graph.New()
			kc := kctx.New(kctx.WithProcedureGraph(g))
			ctx := kctx.Into(cmd.Context(), kc)

			var callArgs []any
			if rawArg != "" {
				callArgs = append(callArgs, rawArg)
			}

			result, err := proc.Invoke(ctx, callArgs...)
			if err != nil {
				return fmt.Errorf("invoke %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&rawArg, "arg", "", "Single string argument passed to the procedure")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override the procedure's timeout")
	return cmd
}

func buildPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect tool-policy decisions",
	}
	cmd.AddCommand(buildPolicyCheckCmd())
	return cmd
}

func buildPolicyCheckCmd() *cobra.Command {
	var (
		profileName string
		allow       []string
		deny        []string
	)
	cmd := &cobra.Command{
		Use:   "check <tool-name>",
		Short: "Show whether a tool is allowed under a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := policy.NewResolver()
			pol := policy.NewPolicy(policy.Profile(profileName)).WithAllow(allow...).WithDeny(deny...)
			decision := resolver.Decide(pol, args[0])

			out := cmd.OutOrStdout()
			if decision.Allowed {
				fmt.Fprintf(out, "allowed: %s\n", args[0])
			} else {
				fmt.Fprintf(out, "denied: %s (%s)\n", args[0], decision.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profileName, "profile", string(policy.ProfileCoding), "Profile: minimal, coding, messaging, full")
	cmd.Flags().StringArrayVar(&allow, "allow", nil, "Extra allow entries")
	cmd.Flags().StringArrayVar(&deny, "deny", nil, "Extra deny entries")
	return cmd
}

func buildChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Exercise a single in-process Channel",
	}
	cmd.AddCommand(buildChannelPublishCmd())
	return cmd
}

func buildChannelPublishCmd() *cobra.Command {
	var (
		eventType string
		payload   string
	)
	cmd := &cobra.Command{
		Use:   "publish <channel-name>",
		Short: "Publish one event and print every subscriber delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			registry := channel.NewRegistry(cfg.Channel.ResponseCacheTTL, 0)
			sess := registry.Get(channel.Identity{UserID: "kerneldemo"})
			ch := sess.Channel(args[0])

			out := cmd.OutOrStdout()
			unsubscribe := ch.Subscribe(func(evt channel.Event) {
				fmt.Fprintf(out, "[%s] %s: %v\n", evt.Channel, evt.Type, evt.Payload)
			})
			defer unsubscribe()

			var decoded any
			if strings.TrimSpace(payload) != "" {
				if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}

			return ch.Publish(channel.Event{Type: eventType, Payload: decoded}, nil)
		},
	}
	cmd.Flags().StringVar(&eventType, "type", channel.EventStatus, "Event type")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	return cmd
}

func buildServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the channel layer over WebSocket (transport/wsdemo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			registry := channel.NewRegistry(cfg.Channel.ResponseCacheTTL, 0)
			handler := wsdemo.NewHandler(registry, slog.Default())

			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
			return http.ListenAndServe(addr, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8787", "Address to listen on")
	return cmd
}
