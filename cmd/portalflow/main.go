package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/portalflow"
	"github.com/deepnoodle-ai/portalflow/browser"
	"github.com/deepnoodle-ai/portalflow/browser/chromedriver"
	"github.com/deepnoodle-ai/portalflow/hitl"
	"github.com/deepnoodle-ai/portalflow/postgres"
	"github.com/deepnoodle-ai/portalflow/stages"
	"github.com/deepnoodle-ai/portalflow/template"
)

// CLI configuration
type Config struct {
	Service       string
	TemplatesDir  string
	UserData      map[string]string
	ResumeThread  string
	ListRuns      bool
	RunsDir       string
	PostgresDSN   string
	ScreenshotDir string
	Headless      bool
	Timeout       time.Duration
	HITLTimeout   time.Duration
	Verbose       bool
	JSON          bool
}

func main() {
	config := parseFlags()
	logger := setupLogger(config)

	checkpointer, lister, cleanup, err := setupCheckpointer(config)
	if err != nil {
		log.Fatalf("Failed to set up checkpoint store: %v", err)
	}
	defer cleanup()

	if config.ListRuns {
		listRuns(lister)
		return
	}

	if config.Service == "" && config.ResumeThread == "" {
		color.Red("Error: -service or -resume is required")
		flag.Usage()
		os.Exit(1)
	}

	registry := template.NewRegistry()
	color.Blue("Loading templates from: %s", config.TemplatesDir)
	if err := registry.LoadDir(config.TemplatesDir); err != nil {
		log.Fatalf("Failed to load templates: %v", err)
	}

	driver, err := chromedriver.New(context.Background(), chromedriver.Options{
		Headless:      config.Headless,
		ScreenshotDir: config.ScreenshotDir,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("Failed to start browser: %v", err)
	}
	defer driver.Close(context.Background())

	session, err := browser.NewSession(browser.SessionOptions{
		Driver: driver,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create browser session: %v", err)
	}

	gateway := newStdinGateway(config, logger)

	handlers, err := stages.DefaultHandlers(stages.Dependencies{
		Session:   session,
		Templates: registry,
		Gateway:   gateway,
		Logger:    logger,
		Credentials: stages.Credentials{
			Username: os.Getenv("PORTALFLOW_USERNAME"),
			Password: os.Getenv("PORTALFLOW_PASSWORD"),
		},
	})
	if err != nil {
		log.Fatalf("Failed to build stage handlers: %v", err)
	}

	// Resuming reuses the stored service type; the engine overwrites its
	// fresh state with the checkpoint.
	service := config.Service
	if service == "" {
		service = serviceForThread(lister, config.ResumeThread)
		if service == "" {
			log.Fatalf("No stored run found for thread %q", config.ResumeThread)
		}
	}

	engine, err := portalflow.NewEngine(portalflow.EngineOptions{
		ThreadID:     config.ResumeThread,
		ServiceType:  service,
		UserData:     config.UserData,
		Template:     registry,
		Handlers:     handlers,
		Checkpointer: checkpointer,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	startTime := time.Now()
	var state *portalflow.WorkflowState
	if config.ResumeThread != "" {
		color.Green("Resuming run %s...", config.ResumeThread)
		state, err = engine.Resume(ctx)
	} else {
		color.Green("Starting run %s for service %s...", engine.ThreadID(), service)
		state, err = engine.Run(ctx)
	}
	showResults(state, err, time.Since(startTime))
}

func parseFlags() *Config {
	config := &Config{UserData: map[string]string{}}

	flag.StringVar(&config.Service, "service", "", "Service type to run (must match a loaded template)")
	flag.StringVar(&config.Service, "s", "", "Service type (shorthand)")

	flag.StringVar(&config.TemplatesDir, "templates", "./templates", "Directory of service template YAML files")

	var dataFlags stringSlice
	flag.Var(&dataFlags, "data", "User data in format field=value (can be used multiple times)")
	flag.Var(&dataFlags, "d", "User data in format field=value (shorthand)")

	var dataFile string
	flag.StringVar(&dataFile, "data-file", "", "YAML file of user data (field: value); -data entries override it")

	flag.StringVar(&config.ResumeThread, "resume", "", "Resume a suspended run by thread ID")
	flag.BoolVar(&config.ListRuns, "list", false, "List stored runs and exit")

	flag.StringVar(&config.RunsDir, "runs", "", "Directory for run checkpoints (default ~/.portalflow/runs)")
	flag.StringVar(&config.PostgresDSN, "postgres", os.Getenv("PORTALFLOW_POSTGRES_DSN"),
		"PostgreSQL DSN for checkpoint storage (overrides -runs)")

	flag.StringVar(&config.ScreenshotDir, "screenshots", "./screenshots", "Directory for stage screenshots")
	flag.BoolVar(&config.Headless, "headless", false,
		"Run the browser headless (CAPTCHAs and payment pages will not be visible)")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Overall run timeout (e.g., 30m)")
	flag.DurationVar(&config.HITLTimeout, "input-timeout", 300*time.Second,
		"How long to wait for human input before failing the run")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&config.JSON, "json", false, "Log in JSON format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `portalflow - automated government portal form submission

Usage: %s [options] -service <name> -data field=value ...

Examples:
  # Start a new application
  %s -service mppsc_application -data full_name="A Sharma" -data email=a@example.com

  # Resume a suspended run
  %s -resume run_01h455vb4pex5vsknk084sn02q

  # List stored runs
  %s -list

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Credentials are read from PORTALFLOW_USERNAME and PORTALFLOW_PASSWORD.
When a run needs human input (CAPTCHA, payment confirmation) the prompt is
printed to the terminal; type the answer and press enter.
`)
	}

	flag.Parse()

	if dataFile != "" {
		raw, err := os.ReadFile(dataFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not read data file: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(raw, &config.UserData); err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not parse data file: %v\n", err)
			os.Exit(1)
		}
	}

	for _, pair := range dataFlags {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid data format '%s'. Use field=value\n", pair)
			os.Exit(1)
		}
		config.UserData[parts[0]] = parts[1]
	}
	return config
}

// Custom flag type for repeated values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(config *Config) *slog.Logger {
	level := slog.LevelWarn
	if config.Verbose {
		level = slog.LevelDebug
	}
	if config.JSON {
		return portalflow.NewJSONLogger(level)
	}
	return portalflow.NewLogger(level)
}

func setupCheckpointer(config *Config) (portalflow.Checkpointer, portalflow.RunLister, func(), error) {
	if config.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := postgres.Open(ctx, config.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := store.Bootstrap(ctx); err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		color.Blue("Checkpoints: postgres")
		return store, store, func() { store.Close() }, nil
	}
	fc, err := portalflow.NewFileCheckpointer(config.RunsDir)
	if err != nil {
		return nil, nil, nil, err
	}
	return fc, fc, func() {}, nil
}

func listRuns(lister portalflow.RunLister) {
	runs, err := lister.ListRuns(context.Background())
	if err != nil {
		log.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) == 0 {
		color.Blue("No stored runs")
		return
	}
	for _, run := range runs {
		line := fmt.Sprintf("%s  %-22s %-16s errors=%d  %s",
			run.ThreadID, run.ServiceType, run.Stage, run.ErrorCount,
			run.SavedAt.Format(time.RFC3339))
		switch run.Stage {
		case portalflow.StageComplete:
			color.Green("%s", line)
		case portalflow.StageFailed:
			color.Red("%s", line)
		default:
			color.Yellow("%s", line)
		}
	}
}

func serviceForThread(lister portalflow.RunLister, threadID string) string {
	runs, err := lister.ListRuns(context.Background())
	if err != nil {
		return ""
	}
	for _, run := range runs {
		if run.ThreadID == threadID {
			return run.ServiceType
		}
	}
	return ""
}

// newStdinGateway builds a gateway whose requests are answered from the
// terminal. The observer assignment happens before any run starts, so the
// closure's gateway reference is set by the time a prompt fires.
func newStdinGateway(config *Config, logger *slog.Logger) *hitl.Gateway {
	var gateway *hitl.Gateway
	reader := bufio.NewReader(os.Stdin)
	var readMutex sync.Mutex

	gateway = hitl.NewGateway(hitl.GatewayOptions{
		Logger:         logger,
		DefaultTimeout: config.HITLTimeout,
		Observer: func(request hitl.Request) {
			go func() {
				color.Magenta("\n=== Human input needed ===")
				fmt.Println(request.Prompt)
				if request.ScreenshotRef != "" {
					color.White("Screenshot: %s", request.ScreenshotRef)
				}
				color.White("(you have %v to answer)", request.Timeout)
				fmt.Print("> ")

				readMutex.Lock()
				line, err := reader.ReadString('\n')
				readMutex.Unlock()
				if err != nil {
					return
				}
				if err := gateway.SubmitResponse(request.ID, strings.TrimSpace(line)); err != nil {
					color.Red("Could not submit answer: %v", err)
				}
			}()
		},
	})
	return gateway
}

func showResults(state *portalflow.WorkflowState, err error, duration time.Duration) {
	if state == nil {
		if err != nil {
			color.Red("Run failed: %v", err)
			os.Exit(1)
		}
		return
	}

	color.White("Run %s finished in %v", state.ThreadID, duration.Round(time.Millisecond))
	color.White("Stage: %s", state.CurrentStage)

	if err != nil {
		color.Yellow("Run suspended: %v", err)
		color.Yellow("Resume later with: -resume %s", state.ThreadID)
		os.Exit(2)
	}

	switch state.CurrentStage {
	case portalflow.StageComplete:
		color.Green("Application submitted successfully!")
		for _, note := range state.Flags {
			color.Yellow("Note: %s", note)
		}
	case portalflow.StageFailed:
		color.Red("Run ended in error:")
		for _, stageErr := range state.Errors {
			color.Red("  %v", stageErr)
		}
		if state.ScreenshotRef != "" {
			color.White("Last screenshot: %s", state.ScreenshotRef)
		}
		os.Exit(1)
	}
}
