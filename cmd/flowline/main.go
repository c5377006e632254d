package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/flowline"
	"github.com/deepnoodle-ai/flowline/sqlite"
	"github.com/fatih/color"
)

// Config holds the parsed command line options.
type Config struct {
	DefinitionFile string
	Strict         bool
	Demo           bool
	Drain          bool
	WebhookURL     string
	DatabasePath   string
	TenantID       string
	Inputs         map[string]any
	Timeout        time.Duration
	Verbose        bool
	JSON           bool
}

func main() {
	config := parseFlags()
	logger := setupLogger(config.Verbose)

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}
	ctx = flowline.WithTenant(ctx, config.TenantID)
	ctx = flowline.WithUser(ctx, flowline.UserContext{
		UserID: "cli",
		Roles:  []string{"admin", "manager", "operator"},
	})

	store := openStore(config)

	switch {
	case config.Drain:
		runDrain(ctx, config, store, logger)
	case config.Demo:
		runDemo(ctx, config, store, logger)
	default:
		runValidate(config)
	}
}

func openStore(config *Config) flowline.Store {
	if config.DatabasePath == "" {
		return flowline.NewMemoryStore()
	}
	store, err := sqlite.NewStore(config.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return store
}

// runValidate parses and validates a definition file, printing each finding.
func runValidate(config *Config) {
	file := mustLoadFile(config)
	g, err := file.Graph()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	result := flowline.ValidateGraph(g, config.Strict)
	if config.JSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else {
		color.Cyan("Definition: %s", file.Name)
		for _, msg := range result.Errors {
			color.Red("  error: %s", msg)
		}
		for _, msg := range result.Warnings {
			color.Yellow("  warning: %s", msg)
		}
		if result.IsValid {
			color.Green("Valid (%d nodes, %d edges)",
				result.Metadata["nodeCount"], result.Metadata["edgeCount"])
		} else {
			color.Red("Invalid")
		}
	}
	if !result.IsValid {
		os.Exit(1)
	}
}

// runDemo publishes the definition, starts an instance, completes every
// pending task with the provided inputs, and drains the outbox to stdout.
func runDemo(ctx context.Context, config *Config, store flowline.Store, logger *slog.Logger) {
	file := mustLoadFile(config)
	graphJSON, err := file.GraphJSON()
	if err != nil {
		log.Fatalf("Failed to prepare definition: %v", err)
	}

	publisher, err := flowline.NewPublisher(flowline.PublisherOptions{Store: store, Logger: logger})
	if err != nil {
		log.Fatalf("Failed to create publisher: %v", err)
	}
	definitions, err := flowline.NewDefinitionService(flowline.DefinitionServiceOptions{
		Store:     store,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to create definition service: %v", err)
	}
	engine, err := flowline.NewEngine(flowline.EngineOptions{
		Store:     store,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	color.Blue("Loading definition from: %s", config.DefinitionFile)
	def, err := definitions.CreateDraft(ctx, flowline.CreateDraftInput{
		Name:           file.Name,
		Description:    file.Description,
		JSONDefinition: graphJSON,
		Tags:           file.Tags,
	})
	if err != nil {
		log.Fatalf("Failed to create draft: %v", err)
	}
	if _, err := definitions.Publish(ctx, def.ID, false); err != nil {
		log.Fatalf("Failed to publish: %v", err)
	}
	color.Cyan("Published: %s (version %d)", def.Name, def.Version)

	instance, err := engine.StartInstance(ctx, def.ID, config.Inputs)
	if err != nil {
		log.Fatalf("Failed to start instance: %v", err)
	}
	color.Green("Started instance: %s", instance.ID)

	// Auto-complete pending tasks until the instance settles.
	for range 100 {
		instance, err = currentInstance(ctx, store, instance.ID)
		if err != nil {
			log.Fatalf("Failed to reload instance: %v", err)
		}
		if instance.Status.IsTerminal() {
			break
		}
		tasks, err := store.ListTasksByInstance(ctx, instance.ID)
		if err != nil {
			log.Fatalf("Failed to list tasks: %v", err)
		}
		progressed := false
		for _, task := range tasks {
			if task.Status.IsTerminal() {
				continue
			}
			color.White("Completing task: %s (%s)", task.Name, task.NodeID)
			if _, err := engine.CompleteTask(ctx, task.ID, config.Inputs); err != nil {
				log.Fatalf("Failed to complete task %s: %v", task.ID, err)
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	instance, err = currentInstance(ctx, store, instance.ID)
	if err != nil {
		log.Fatalf("Failed to reload instance: %v", err)
	}
	switch instance.Status {
	case flowline.InstanceStatusCompleted:
		color.Green("Instance completed")
	case flowline.InstanceStatusFailed:
		color.Red("Instance failed: %s", instance.ErrorMessage)
	default:
		color.Yellow("Instance is %s, waiting on nodes: %s", instance.Status, instance.CurrentNodeIDs)
	}

	runDrain(ctx, config, store, logger)

	if config.JSON {
		events, _ := store.ListEventsByInstance(ctx, instance.ID)
		out, _ := json.MarshalIndent(map[string]any{
			"instance": instance,
			"events":   events,
		}, "", "  ")
		fmt.Println(string(out))
	}
}

// runDrain dispatches pending outbox messages to the configured sink.
func runDrain(ctx context.Context, config *Config, store flowline.Store, logger *slog.Logger) {
	var sink flowline.Sink
	if config.WebhookURL != "" {
		sink = flowline.NewWebhookSink(config.WebhookURL, nil)
	} else {
		sink = flowline.NewLogSink(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	}
	dispatcher, err := flowline.NewDispatcher(flowline.DispatcherOptions{
		Store:  store,
		Sink:   sink,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create dispatcher: %v", err)
	}
	delivered, err := dispatcher.DispatchPending(ctx)
	if err != nil {
		log.Fatalf("Failed to dispatch outbox: %v", err)
	}
	color.Blue("Dispatched %d event(s)", delivered)
}

func currentInstance(ctx context.Context, store flowline.Store, id string) (*flowline.Instance, error) {
	instance, err := store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, fmt.Errorf("instance %s disappeared", id)
	}
	return instance, nil
}

func mustLoadFile(config *Config) *flowline.DefinitionFile {
	if config.DefinitionFile == "" {
		color.Red("Error: definition file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.DefinitionFile); os.IsNotExist(err) {
		color.Red("Error: definition file '%s' not found", config.DefinitionFile)
		os.Exit(1)
	}
	file, err := flowline.LoadDefinitionFile(config.DefinitionFile)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	return file
}

func parseFlags() *Config {
	config := &Config{
		Inputs: make(map[string]any),
	}

	flag.StringVar(&config.DefinitionFile, "file", "", "Path to the workflow definition file (.yaml or .json)")
	flag.StringVar(&config.DefinitionFile, "f", "", "Path to the workflow definition file (shorthand)")

	var inputFlags stringSlice
	flag.Var(&inputFlags, "input", "Instance context value in format key=value (can be used multiple times)")
	flag.Var(&inputFlags, "i", "Instance context value in format key=value (shorthand)")

	flag.BoolVar(&config.Strict, "strict", false, "Validate with publish-tier (strict) rules")
	flag.BoolVar(&config.Demo, "demo", false, "Publish the definition and run one instance end to end")
	flag.BoolVar(&config.Drain, "drain", false, "Dispatch pending outbox messages and exit")
	flag.StringVar(&config.WebhookURL, "webhook", "", "Deliver outbox events via HTTP POST to this URL")
	flag.StringVar(&config.DatabasePath, "db", "", "SQLite database path (default: in-memory)")
	flag.StringVar(&config.TenantID, "tenant", "local", "Tenant ID for all operations")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Operation timeout (e.g., 30s, 5m)")
	flag.DurationVar(&config.Timeout, "t", 0, "Operation timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Flowline CLI - Validate and run workflow definitions

Usage: %s [options] -file <definition.yaml>

Examples:
  # Validate a definition with draft-tier rules
  %s -file approval.yaml

  # Validate with publish-tier rules
  %s -file approval.yaml -strict

  # Publish and run one instance end to end, auto-completing tasks
  %s -file approval.yaml -demo -input amount=250

  # Drain the outbox of a SQLite-backed deployment to a webhook
  %s -drain -db flowline.db -webhook https://example.com/events

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	for _, input := range inputFlags {
		parts := strings.SplitN(input, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid input format '%s'. Use key=value\n", input)
			os.Exit(1)
		}
		key, value := parts[0], parts[1]

		// Values that parse as JSON keep their type; anything else is a string.
		var parsedValue any
		if err := json.Unmarshal([]byte(value), &parsedValue); err != nil {
			parsedValue = value
		}
		config.Inputs[key] = parsedValue
	}
	return config
}

// stringSlice collects the values of a repeatable flag.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func setupLogger(verbose bool) *slog.Logger {
	if verbose {
		return flowline.NewLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}
