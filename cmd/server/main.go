package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"golang.org/x/sync/errgroup"

	queryscale "github.com/ZanzyTHEbar/queryscale"
	"github.com/ZanzyTHEbar/queryscale/internal/adapters"
	"github.com/ZanzyTHEbar/queryscale/internal/cache"
	"github.com/ZanzyTHEbar/queryscale/internal/evaluator"
	"github.com/ZanzyTHEbar/queryscale/internal/eventbus"
	"github.com/ZanzyTHEbar/queryscale/internal/executor"
	"github.com/ZanzyTHEbar/queryscale/internal/prompt"
	"github.com/ZanzyTHEbar/queryscale/internal/protocol"
	"github.com/ZanzyTHEbar/queryscale/internal/recorder"
	"github.com/ZanzyTHEbar/queryscale/internal/registry"
	"github.com/ZanzyTHEbar/queryscale/internal/tools"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file (optional)")
		listenAddr    = flag.String("listen", ":8080", "HTTP listen address")
		dbPath        = flag.String("db", "queryscale.db", "Path to the evaluation store")
		planCachePath = flag.String("plan-cache", "", "Path to a persistent plan cache file (default: in-memory)")
	)
	flag.Parse()

	ctx := context.Background()

	cfg := queryscale.DefaultConfig()
	if *configPath != "" {
		loaded, err := queryscale.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	store, err := recorder.Open(*dbPath, cfg)
	if err != nil {
		log.Fatalf("Failed to open evaluation store: %v", err)
	}
	defer store.Close()

	reg := registry.New()
	if err := tools.RegisterAll(reg); err != nil {
		log.Fatalf("Failed to register tools: %v", err)
	}

	var bus eventbus.Bus = eventbus.NewNopBus()
	if cfg.EnableEventBus {
		bus = eventbus.NewChannelBus(
			eventbus.WithBufferSize(cfg.EventBusBufferSize),
			eventbus.WithWorkerCount(cfg.EventBusWorkerCount),
		)
	}

	protocolServer := protocol.NewServer("queryscale", reg)
	client := protocol.NewClient(
		protocol.NewInProcessTransport(protocolServer),
		protocol.WithCallTimeout(cfg.CallTimeout),
		protocol.WithRetries(cfg.TransportRetries),
		protocol.WithBackoff(cfg.TransportBackoff),
	)

	planExecutor := executor.NewPlanExecutor(client,
		executor.WithMaxConcurrent(cfg.MaxConcurrentCalls),
		executor.WithStepTimeout(cfg.CallTimeout),
		executor.WithBus(bus),
	)

	promptReg, err := prompt.NewRegistry(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel("googleai/gemini-2.0-flash"),
	)
	if err != nil {
		log.Fatalf("Genkit initialization failed: %v", err)
	}
	if _, err := promptReg.DefinePrompt("draft_plan", ai.WithPrompt(generatorTemplate)); err != nil {
		log.Fatalf("Failed to define generator prompt: %v", err)
	}
	if _, err := promptReg.DefinePrompt("grade_answer", ai.WithPrompt(graderTemplate)); err != nil {
		log.Fatalf("Failed to define grader prompt: %v", err)
	}
	g := promptReg.Instance()

	generatorFlow := genkit.DefineFlow(g, "draftPlan",
		func(ctx context.Context, input *queryscale.GeneratorInput) (*queryscale.ExecutionPlan, error) {
			resp, err := promptReg.ExecutePrompt(ctx, "draft_plan", generatorPromptInput(input))
			if err != nil {
				return nil, fmt.Errorf("generator model call failed: %w", err)
			}
			plan, err := executor.ParsePlan([]byte(stripFence(resp.Text())))
			if err != nil {
				return nil, fmt.Errorf("generator returned an unparseable plan: %w", err)
			}
			return plan, nil
		},
	)

	graderFlow := genkit.DefineFlow(g, "gradeAnswer",
		func(ctx context.Context, input *adapters.GraderInput) (*queryscale.Evaluation, error) {
			resp, err := promptReg.ExecutePrompt(ctx, "grade_answer", graderPromptInput(input))
			if err != nil {
				return nil, fmt.Errorf("grader model call failed: %w", err)
			}
			var verdict queryscale.Evaluation
			if err := json.Unmarshal([]byte(stripFence(resp.Text())), &verdict); err != nil {
				return nil, fmt.Errorf("grader returned an unparseable verdict: %w", err)
			}
			return &verdict, nil
		},
	)

	var planCache queryscale.Cache
	if *planCachePath != "" {
		fileCache, err := cache.NewFileCache(cfg.PlanCacheTTL, *planCachePath)
		if err != nil {
			log.Fatalf("Failed to open plan cache: %v", err)
		}
		defer fileCache.Close()
		planCache = fileCache
	} else {
		memCache := cache.NewInMemoryCache(cfg.PlanCacheTTL)
		defer memCache.Close()
		planCache = memCache
	}

	runtime, err := queryscale.New(ctx,
		queryscale.WithConfig(cfg),
		queryscale.WithEventBus(bus),
		queryscale.WithGenerator(adapters.NewGenkitGeneratorAdapter(generatorFlow)),
		queryscale.WithExecutor(planExecutor),
		queryscale.WithEvaluator(evaluator.New(cfg,
			evaluator.WithGrader(adapters.NewGenkitGraderAdapter(graderFlow)))),
		queryscale.WithRecorder(store),
		queryscale.WithPlanCache(planCache),
		queryscale.WithToolSchemas(reg.Schemas),
	)
	if err != nil {
		log.Fatalf("Failed to create runtime: %v", err)
	}
	defer runtime.Shutdown()

	mux := http.NewServeMux()
	mux.Handle("/", protocol.NewHTTPHandler(protocolServer))
	mux.HandleFunc("/ask", handleAsk(runtime))
	mux.HandleFunc("/feedback", handleFeedback(store))
	mux.HandleFunc("/metrics", handleMetrics(store))

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		log.Printf("Listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Println("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}

type askRequest struct {
	Question string `json:"question"`
	UserID   string `json:"user_id"`
	Group    string `json:"group,omitempty"`
}

func handleAsk(runtime *queryscale.QueryScale) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		answer, err := runtime.Process(r.Context(),
			queryscale.CallContext{UserID: req.UserID, Group: req.Group}, req.Question)
		if err != nil {
			status := http.StatusInternalServerError
			if queryscale.CodeOf(err) == queryscale.ErrCodeValidation {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, answer)
	}
}

type feedbackRequest struct {
	RecordID string `json:"record_id"`
	Feedback string `json:"feedback"`
	Notes    string `json:"notes,omitempty"`
}

func handleFeedback(store *recorder.SQLiteRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		correctionID, err := store.AttachFeedback(r.Context(), req.RecordID,
			queryscale.FeedbackType(req.Feedback), req.Notes)
		if err != nil {
			status := http.StatusInternalServerError
			if queryscale.CodeOf(err) == queryscale.ErrCodeValidation {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, map[string]string{"correction_id": correctionID})
	}
}

func handleMetrics(store *recorder.SQLiteRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics, err := store.Metrics(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, metrics)
	}
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

const generatorTemplate = `Draft a tool execution plan answering this question: "{{question}}"

Available tools:
{{toolSchema}}

{{#if feedback}}
Earlier attempts were rejected:
{{feedback}}
Address every point above in the new plan.
{{/if}}

Output YAML only, in this shape:

steps:
  - id: fetch
    tool: data_query
    args:
      query: "SELECT region, SUM(total) FROM sales GROUP BY region"
    fatal: true
    primary: true
  - id: chart
    tool: chart_spec
    depends_on: [fetch]
    args:
      rows: "$fetch.rows"
      chart_type: bar

Use "$stepID.field" to reference an earlier step's output. Mark the step
producing the answer as primary, and mark steps the answer cannot exist
without as fatal.`

const graderTemplate = `Judge whether this result answers the question.

Question: "{{question}}"

Result:
{{artifact}}

Respond with JSON only:
{
  "dimensions": {"correctness": 0-100, "relevance": 0-100},
  "issues": [{"type": "syntax|logic|performance|data_quality|schema_mismatch", "severity": "critical|warning|info", "description": "..."}],
  "suggestions": [{"text": "...", "priority": "high|medium|low"}],
  "feedback": "one-sentence summary"
}`

func generatorPromptInput(input *queryscale.GeneratorInput) map[string]interface{} {
	schemas, _ := json.MarshalIndent(input.ToolSchema, "", "  ")

	var feedback strings.Builder
	for _, note := range input.Feedback {
		fmt.Fprintf(&feedback, "- %s\n", note)
	}
	return map[string]interface{}{
		"question":   input.Question,
		"toolSchema": string(schemas),
		"feedback":   feedback.String(),
	}
}

func graderPromptInput(input *adapters.GraderInput) map[string]interface{} {
	artifact, _ := json.MarshalIndent(input.Artifact, "", "  ")
	return map[string]interface{}{
		"question": input.Question,
		"artifact": string(artifact),
	}
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}
