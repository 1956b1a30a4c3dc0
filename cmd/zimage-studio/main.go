package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Gelotto/zimage-studio/internal/client"
	"github.com/Gelotto/zimage-studio/internal/export"
	"github.com/Gelotto/zimage-studio/internal/gpu"
	"github.com/Gelotto/zimage-studio/internal/launcher"
	"github.com/Gelotto/zimage-studio/internal/models"
	"github.com/Gelotto/zimage-studio/internal/studio"
	"github.com/Gelotto/zimage-studio/internal/tui"
)

const usage = `Usage: zimage-studio <command> [flags]

Commands:
  tui        interactive studio (default)
  generate   run one generation and save the images
  history    show or clear the generation history
  settings   show or update backend model settings
  health     check the backend and show its GPU
  gpu        list local GPUs and the one "auto" would pick
  backend    launch a local backend pinned to a GPU
  init       write a default config file

Run "zimage-studio <command> -h" for command flags.
`

func main() {
	cmd := "tui"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "tui":
		err = runTUI(args)
	case "generate":
		err = runGenerate(args)
	case "history":
		err = runHistory(args)
	case "settings":
		err = runSettings(args)
	case "health":
		err = runHealth(args)
	case "gpu":
		err = runGPU(args)
	case "backend":
		err = runBackend(args)
	case "init":
		err = runInit(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, flag.ErrHelp) {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// common holds the flags every command accepts
type common struct {
	configPath string
	envPath    string
}

func newFlagSet(name string) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c := &common{}
	fs.StringVar(&c.configPath, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&c.envPath, "env", ".env", "Path to dotenv file with overrides")
	return fs, c
}

func (c *common) load() (*studio.Config, error) {
	if err := studio.LoadEnvFile(c.envPath); err != nil {
		return nil, err
	}

	log.Printf("Loading configuration from %s...", c.configPath)
	cfg, err := studio.LoadConfig(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal: %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func newClient(cfg *studio.Config) *client.APIClient {
	return client.NewAPIClient(cfg.API.URL, cfg.API.Key)
}

func runTUI(args []string) error {
	fs, c := newFlagSet("tui")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}

	return startTUI(cfg)
}

func startTUI(cfg *studio.Config) error {
	f, err := tea.LogToFile(cfg.Log.File, "zimage")
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	ctx, cancel := signalContext()
	defer cancel()

	return tui.Run(ctx, studio.New(newClient(cfg), cfg))
}

func runGenerate(args []string) error {
	fs, c := newFlagSet("generate")
	prompt := fs.String("prompt", "", "Prompt (required)")
	negative := fs.String("negative", "", "Negative prompt")
	steps := fs.Int("steps", 0, "Inference steps (default from config)")
	guidance := fs.Float64("guidance", -1, "Guidance scale (default from config)")
	width := fs.Int("width", 0, "Image width, snapped to a multiple of 16")
	height := fs.Int("height", 0, "Image height, snapped to a multiple of 16")
	seed := fs.Int64("seed", models.RandomSeed-1, "Seed, -1 for random (default from config)")
	num := fs.Int("n", 0, "Number of images (default from config)")
	enhance := fs.Bool("enhance", false, "Let the backend enhance the prompt")
	out := fs.String("out", "", "Output directory (default from config)")
	noSave := fs.Bool("no-save", false, "Do not write images to disk")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}

	params := cfg.Generation.Defaults
	if *steps > 0 {
		params.Steps = *steps
	}
	if *guidance >= 0 {
		params.GuidanceScale = *guidance
	}
	if *width > 0 {
		params.Width = models.SnapDimension(*width)
	}
	if *height > 0 {
		params.Height = models.SnapDimension(*height)
	}
	if *seed >= models.RandomSeed {
		params.Seed = *seed
	}
	if *num > 0 {
		params.NumImages = *num
	}
	if *enhance {
		params.EnhancePrompt = true
	}
	if *out == "" {
		*out = cfg.Output.Dir
	}

	ctx, cancel := signalContext()
	defer cancel()

	s := studio.New(newClient(cfg), cfg)

	printed := 0
	unsubscribe := s.Subscribe(func(snap studio.Snapshot) {
		for ; printed < len(snap.Logs); printed++ {
			fmt.Printf("[%s] %s\n", snap.Logs[printed].Time.Format("15:04:05"), snap.Logs[printed].Message)
		}
	})
	defer unsubscribe()

	req := models.NewGenerationRequest(*prompt, *negative, params)
	if err := s.Generate(ctx, req); err != nil {
		return err
	}

	results := s.Snapshot().Results
	for _, img := range results {
		fmt.Printf("Generated image (seed %d)\n", img.Seed)
	}
	if *noSave {
		return nil
	}

	paths, err := export.SaveAll(ctx, *out, results)
	if err != nil {
		return fmt.Errorf("failed to save images: %w", err)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func runHistory(args []string) error {
	fs, c := newFlagSet("history")
	clearAll := fs.Bool("clear", false, "Delete all history")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := studio.New(newClient(cfg), cfg)
	if *clearAll {
		if err := s.ClearHistory(ctx); err != nil {
			return err
		}
		fmt.Println("History cleared")
		return nil
	}

	if err := s.RefreshHistory(ctx); err != nil {
		return err
	}
	history := s.Snapshot().History
	if len(history) == 0 {
		fmt.Println("No history")
		return nil
	}
	for i, item := range history {
		fmt.Printf("%2d. %s\n    %dx%d, %d steps, guidance %g, seed %d, %d image(s)",
			i+1, item.Prompt, item.Width, item.Height, item.Steps, item.GuidanceScale, item.Seed, item.NumImages)
		if neg := item.Request().Negative(); neg != "" {
			fmt.Printf(", negative %q", neg)
		}
		if item.Timestamp != "" {
			fmt.Printf(", %s", item.Timestamp)
		}
		fmt.Println()
	}
	return nil
}

func runSettings(args []string) error {
	fs, c := newFlagSet("settings")
	cacheDir := fs.String("cache-dir", "", "Set the model cache directory")
	cpuOffload := fs.Bool("cpu-offload", false, "Enable CPU offload (with -cache-dir)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api := newClient(cfg)
	if *cacheDir != "" {
		resp, err := api.SetModelPath(ctx, models.ModelPathRequest{CacheDir: *cacheDir, CPUOffload: *cpuOffload})
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", resp.Status, resp.Message)
	}

	settings, err := api.GetSettings(ctx)
	if err != nil {
		return err
	}
	cache := "(default)"
	if settings.CacheDir != nil && *settings.CacheDir != "" {
		cache = *settings.CacheDir
	}
	fmt.Printf("Model:       %s\nCache dir:   %s\nCPU offload: %t\n", settings.ModelID, cache, settings.CPUOffload)
	return nil
}

func runHealth(args []string) error {
	fs, c := newFlagSet("health")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	api := newClient(cfg)
	if err := api.HealthCheck(ctx); err != nil {
		return err
	}
	fmt.Printf("Backend at %s is healthy\n", api.BaseURL())

	info, err := api.GetGPUInfo(ctx)
	if err != nil {
		log.Printf("Failed to get GPU info: %v", err)
		return nil
	}
	fmt.Println(info)
	return nil
}

func runGPU(args []string) error {
	fs := flag.NewFlagSet("gpu", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	devices, err := gpu.List()
	if err != nil {
		return err
	}
	best, err := gpu.SelectBest(devices)
	if err != nil {
		return err
	}

	for _, d := range devices {
		marker := " "
		if d.Index == best.Index {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, d)
	}
	return nil
}

func runBackend(args []string) error {
	fs, c := newFlagSet("backend")
	withTUI := fs.Bool("tui", false, "Open the studio once the backend is ready")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}

	devices, err := gpu.VisibleDevices(cfg.Backend.GPU)
	if err != nil {
		return fmt.Errorf("failed to select GPU: %w", err)
	}

	l := launcher.New(launcher.Options{
		Command:        cfg.Backend.Command,
		Args:           cfg.Backend.Args,
		Env:            cfg.Backend.Env,
		VisibleDevices: devices,
		StopTimeout:    cfg.Backend.StopTimeout,
	})
	if err := l.Start(); err != nil {
		return err
	}
	defer func() {
		if err := l.Stop(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()

	readyCtx, readyCancel := context.WithTimeout(ctx, cfg.Backend.StartupTimeout)
	err = l.WaitReady(readyCtx, newClient(cfg), time.Second)
	readyCancel()
	if err != nil {
		return err
	}

	if *withTUI {
		return startTUI(cfg)
	}

	log.Printf("Backend serving at %s, press Ctrl+C to stop", cfg.API.URL)
	select {
	case <-ctx.Done():
		return nil
	case <-l.Done():
		return fmt.Errorf("backend exited: %v", l.Err())
	}
}

func runInit(args []string) error {
	fs, c := newFlagSet("init")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(c.configPath); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", c.configPath)
	}

	if err := studio.SaveConfig(c.configPath, studio.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("Wrote default configuration to %s\n", c.configPath)
	return nil
}
