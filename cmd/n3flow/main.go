// Command n3flow runs one flow of a compiled program from the command line:
// load the program JSON, build the engine with environment-provided
// providers and memory stores, execute the flow, and print the result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"goa.design/clue/log"

	"github.com/namel3ss/n3flow/engine"
	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/stream"
	"github.com/namel3ss/n3flow/telemetry"
)

func main() {
	var (
		programPath = flag.String("program", "", "path to the compiled program JSON")
		flowName    = flag.String("flow", "", "flow to run")
		input       = flag.String("input", "", "user input passed to the flow")
		sessionID   = flag.String("session", "cli", "session id for memory scoping")
		showEvents  = flag.Bool("events", false, "print stream events as they happen")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatText))
	if err := run(ctx, *programPath, *flowName, *input, *sessionID, *showEvents); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, programPath, flowName, input, sessionID string, showEvents bool) error {
	if programPath == "" || flowName == "" {
		return fmt.Errorf("both -program and -flow are required")
	}
	program, err := loadProgram(programPath)
	if err != nil {
		return err
	}

	// Environment credentials override the program's provider and memory
	// store declarations.
	if providers, err := engine.ProvidersFromEnv(); err != nil {
		return err
	} else if providers != nil {
		program.Providers = providers
	}
	if stores, err := engine.MemoryStoresFromEnv(); err != nil {
		return err
	} else if stores != nil {
		program.MemoryStores = stores
	}

	e, err := engine.New(program, engine.Options{
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}

	var sink stream.Sink = stream.NopSink{}
	if showEvents {
		sink = stream.SinkFunc(func(_ context.Context, ev stream.Event) error {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		})
	}

	res, err := e.RunFlow(ctx, flowName, engine.RunOptions{
		SessionID: sessionID,
		UserInput: input,
		Stream:    sink,
	})
	if err != nil {
		return err
	}

	fmt.Printf("status: %s\n", res.Status)
	if res.Result != nil {
		payload, err := json.MarshalIndent(res.Result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("result: %s\n", payload)
	}
	for _, req := range res.Inputs {
		fmt.Printf("awaiting input: %s (%s)\n", req.Name, req.Label)
	}
	for _, fe := range res.Errors {
		fmt.Printf("error at %s: %s\n", fe.NodeID, fe.Message)
	}
	return nil
}

func loadProgram(path string) (*ir.Program, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	var program ir.Program
	if err := json.Unmarshal(raw, &program); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	return &program, nil
}
