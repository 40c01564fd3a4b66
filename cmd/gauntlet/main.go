package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/probeworks/gauntlet/internal/adapter"
	"github.com/probeworks/gauntlet/internal/aggregate"
	"github.com/probeworks/gauntlet/internal/engine"
	"github.com/probeworks/gauntlet/internal/log"
	"github.com/probeworks/gauntlet/internal/model"
	"github.com/probeworks/gauntlet/internal/registry"
	"github.com/probeworks/gauntlet/internal/server"
	"github.com/probeworks/gauntlet/internal/store/memory"
	"github.com/probeworks/gauntlet/internal/store/sqlite"
	"github.com/probeworks/gauntlet/internal/task"
)

var (
	userConfigPath string // default config directory on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string
	flagVerbose        bool
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "gauntlet")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is gauntlet.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initGauntlet

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("gauntlet failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "gauntlet",
	Short:        "Parallel analysis task orchestrator",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the orchestration engine behind the HTTP API",
	RunE:  doServe,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <target> <tool>...",
	Short: "analyze runs one analysis in-process and waits for the result",
	Args:  cobra.MinimumNArgs(2),
	RunE:  doAnalyze,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of gauntlet",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("gauntlet: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("gauntlet: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
	},
}

// stack bundles everything a command needs to run analyses.
type stack struct {
	store  task.Store
	reg    *registry.Registry
	engine *engine.Engine
}

func buildStack(ctx context.Context) (*stack, error) {
	var (
		store task.Store
		err   error
	)
	if config.Store.Path == "" {
		store = memory.New()
	} else {
		store, err = sqlite.Open(ctx, config.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening task store: %w", err)
		}
	}

	reg, err := registry.New(config.Service)
	if err != nil {
		store.Close()
		return nil, err
	}

	services := make([]adapter.Service, 0, len(config.Service))
	for _, svc := range config.Service {
		if !svc.Enabled {
			continue
		}
		services = append(services, adapter.NewProcessService(svc))
	}

	writer, err := aggregate.NewWriter(config.Results.Dir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening results directory: %w", err)
	}

	eng := engine.New(config, store, reg, adapter.New(services...), writer)
	return &stack{store: store, reg: reg, engine: eng}, nil
}

func (s *stack) close(ctx context.Context) {
	if err := s.engine.Shutdown(ctx); err != nil {
		slog.Error("engine shutdown", "err", err)
	}
	if err := s.store.Close(); err != nil {
		slog.Error("closing task store", "err", err)
	}
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.String("cmd", "serve"))

	st, err := buildStack(ctx)
	if err != nil {
		return err
	}

	handler := server.New(server.Config{
		Engine:   st.engine,
		Registry: st.reg,
		BasePath: config.Server.BasePath,
	})
	srv := &http.Server{
		Addr:              config.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", config.Server.Addr, "base_path", config.Server.BasePath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		st.close(context.Background())
		return err
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
	st.close(shutdownCtx)
	return nil
}

func doAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.String("cmd", "analyze"))

	target, tools := args[0], args[1:]

	st, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer st.close(context.Background())

	id, err := st.engine.Analyze(ctx, target, tools)
	if err != nil {
		return err
	}
	fmt.Printf("task: %s\n", id)

	final, err := st.engine.Await(ctx, id)
	if err != nil {
		return err
	}

	view, err := st.engine.TaskView(ctx, id)
	if err != nil {
		return err
	}
	printTaskTable(view)

	if final.Status != task.StatusCompleted {
		return fmt.Errorf("analysis %s: %s", strings.ToLower(string(final.Status)), final.Error)
	}
	return nil
}

func printTaskTable(view engine.View) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Task", "Service", "Tools", "Status", "Duration", "Error"})
	t.AppendRow(table.Row{
		view.Task.ID, "-", strings.Join(view.Task.RequestedTools, ","),
		view.Task.Status, view.Task.Duration.Round(time.Millisecond), view.Task.Error,
	})
	for _, st := range view.Subtasks {
		t.AppendRow(table.Row{
			st.ID, st.ServiceName, strings.Join(st.RequestedTools, ","),
			st.Status, st.Duration.Round(time.Millisecond), st.Error,
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func initGauntlet(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("GAUNTLETCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "gauntlet.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		// First run: write the default configuration where the next run will
		// find it.
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "gauntlet.yaml")
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetEnvPrefix("GAUNTLET")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("reading config: %w", err)
			}
		}
		var err error
		config, err = model.ParseConfig(v)
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Verbose))

	slog.Debug("gauntlet run", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info != nil && info.Mode().IsRegular()
}
