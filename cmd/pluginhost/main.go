// Command pluginhost is a development CLI for exercising the plugin core
// against a directory of sideloaded plugins, without a full desktop editor
// attached.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	pluginengine "github.com/grainery/pluginhost/internal/plugin"
	"github.com/grainery/pluginhost/internal/plugin/devshell"
	"github.com/grainery/pluginhost/internal/plugin/dispatch"
	"github.com/grainery/pluginhost/internal/plugin/signing"
	pplugin "github.com/grainery/pluginhost/pkg/plugin"
)

func main() {
	root := &cobra.Command{
		Use:   "pluginhost",
		Short: "Development host for Grainery screenplay-editor plugins",
	}
	root.PersistentFlags().String("plugins-dir", "./plugins", "directory of sideloaded plugin subdirectories")
	root.PersistentFlags().String("trusted-keys", "", "path to a newline-separated hex ed25519 public key file")
	_ = viper.BindPFlag("pluginsDir", root.PersistentFlags().Lookup("plugins-dir"))
	_ = viper.BindPFlag("trustedKeysPath", root.PersistentFlags().Lookup("trusted-keys"))
	viper.SetEnvPrefix("PLUGINHOST")
	viper.AutomaticEnv()

	root.AddCommand(listCmd(), serveCmd(), runCommandCmd(), panelActionCmd(), logsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildManager() (*pluginengine.Manager, *devshell.Shell, *pluginengine.LogBuffer, error) {
	pluginsDir := viper.GetString("pluginsDir")
	if err := os.MkdirAll(pluginsDir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("create plugins dir: %w", err)
	}

	var trustedKeys []ed25519.PublicKey
	if path := viper.GetString("trustedKeysPath"); path != "" {
		keys, err := signing.LoadTrustedKeys(path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load trusted keys: %w", err)
		}
		trustedKeys = keys
	}

	shell := devshell.New(pluginsDir, trustedKeys)
	docs := devshell.NewDocument(nil)
	logBuffer := pluginengine.NewLogBuffer(1000, slog.NewTextHandler(os.Stderr, nil))
	log := slog.New(logBuffer)
	mgr := pluginengine.NewManager(shell, docs, trustedKeys, log)
	return mgr, shell, logBuffer, nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Reload from the plugins directory and print each installed plugin's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := buildManager()
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := mgr.Reload(ctx); err != nil {
				return err
			}
			for _, ip := range mgr.List() {
				state, _ := mgr.State(ip.Manifest.ID)
				fmt.Printf("%-30s v%-10s trust=%-12s enabled=%-5t crashes=%d state=%s\n",
					ip.Manifest.ID, ip.Manifest.Version, ip.TrustState, ip.Enabled, ip.CrashCount, state)
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Watch the plugins directory and keep the lifecycle manager reloaded",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := buildManager()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := mgr.Reload(ctx); err != nil {
				return err
			}
			fmt.Printf("watching %s\n", viper.GetString("pluginsDir"))

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()
			if err := watcher.Add(viper.GetString("pluginsDir")); err != nil {
				return fmt.Errorf("watch plugins dir: %w", err)
			}

			debounce := time.NewTimer(0)
			if !debounce.Stop() {
				<-debounce.C
			}
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					_ = ev
					debounce.Reset(200 * time.Millisecond)
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					fmt.Fprintln(os.Stderr, "watch error:", err)
				case <-debounce.C:
					if err := mgr.Reload(ctx); err != nil {
						fmt.Fprintln(os.Stderr, "reload error:", err)
						continue
					}
					fmt.Println("reloaded")
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

func runCommandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-command <compositeId>",
		Short: "Activate the owning plugin and dispatch a command against an empty document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := buildManager()
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := mgr.Reload(ctx); err != nil {
				return err
			}
			result, err := dispatch.Command(ctx, mgr, args[0], pplugin.Document{"type": "screenplay"}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("result: %v\n", result)
			return nil
		},
	}
}

func panelActionCmd() *cobra.Command {
	var values []string
	var actionID string
	cmd := &cobra.Command{
		Use:   "panel-action <compositeId>",
		Short: "Activate the owning plugin and dispatch a panel action with the given form values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := buildManager()
			if err != nil {
				return err
			}
			ctx := context.Background()
			if err := mgr.Reload(ctx); err != nil {
				return err
			}
			formValues := map[string]string{}
			for _, kv := range values {
				field, value, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("malformed --value %q, expected field=value", kv)
				}
				formValues[field] = value
			}
			req := pplugin.PanelActionRequest{ActionID: actionID, FormValues: formValues}
			resp, reconciled, err := dispatch.DispatchPanelAction(ctx, mgr, args[0], req, pplugin.PanelFormState{})
			if err != nil {
				return err
			}
			fmt.Printf("reconciled form values: %v\n", reconciled)
			fmt.Printf("response content blocks: %d\n", len(resp.Content))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&values, "value", nil, "form field value as field=value, repeatable")
	cmd.Flags().StringVar(&actionID, "action-id", "", "the panel action id being submitted")
	return cmd
}

func logsCmd() *cobra.Command {
	var plugin string
	var n int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the host's buffered structured log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, logBuffer, err := buildManager()
			if err != nil {
				return err
			}
			if err := mgr.Reload(context.Background()); err != nil {
				return err
			}
			var entries []pluginengine.LogEntry
			if plugin != "" {
				entries = logBuffer.GetByPlugin(plugin)
			} else {
				entries = logBuffer.GetRecent(n)
			}
			for _, e := range entries {
				fmt.Printf("%s [%s] %s %s %v\n", e.Time.Format(time.RFC3339), e.Level, e.Plugin, e.Message, e.Attrs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&plugin, "plugin", "", "only show entries tagged with this plugin id")
	cmd.Flags().IntVar(&n, "n", 50, "number of most recent entries to show")
	return cmd
}
