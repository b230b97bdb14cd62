package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apideliberation "github.com/ulucky-coder/deliberation-engine/pkg/api/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/agent"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/deliberation"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/engine"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/experiment"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/metrics"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/prompt"
	"github.com/ulucky-coder/deliberation-engine/pkg/core/store"
)

func main() {
	godotenv.Load()

	resourcesPath := "resources/prompts"
	if err := prompt.LoadFromDirectory(resourcesPath); err != nil {
		fmt.Printf("[WARNING] Failed to load prompt library: %v\n", err)
		fmt.Println("  Falling back to hardcoded prompts")
	} else {
		fmt.Printf("[PROMPT] Loaded prompts from %s\n", resourcesPath)
	}

	agentCfg, err := agent.LoadConfig("config/agents.yaml")
	if err != nil {
		fmt.Printf("[WARNING] Failed to load config/agents.yaml: %v\n", err)
		fmt.Println("  Falling back to default agent bindings")
	}
	bindings, err := agent.BuildBindings(agentCfg)
	if err != nil {
		fmt.Printf("[FATAL] Failed to build agent bindings: %v\n", err)
		os.Exit(1)
	}

	runner := agent.NewRunner(agent.Config{Bindings: bindings})

	var sessionStore deliberation.Store
	if os.Getenv("DATABASE_URL") != "" {
		ctx := context.Background()
		if err := store.InitDB(ctx); err != nil {
			fmt.Printf("[WARNING] Failed to connect to DATABASE_URL: %v\n", err)
			fmt.Println("  Falling back to in-memory session store")
			sessionStore = deliberation.NewMemoryStore()
		} else {
			pgStore := deliberation.NewPostgresStore(store.GetPool())
			if err := pgStore.EnsureSchema(ctx); err != nil {
				fmt.Printf("[FATAL] Failed to ensure Postgres schema: %v\n", err)
				os.Exit(1)
			}
			sessionStore = pgStore
			fmt.Println("[STORE] Using Postgres-backed session store")
		}
	} else {
		sessionStore = deliberation.NewMemoryStore()
		fmt.Println("[STORE] DATABASE_URL not set, using in-memory session store")
	}

	metricsStore := metrics.NewStore()
	experimentStore := experiment.NewStore()
	mgr := engine.NewManager(sessionStore, runner, metricsStore)

	handler := apideliberation.NewHandler(mgr, sessionStore, bindings, experimentStore, metricsStore)

	http.HandleFunc("/health", handler.HandleHealth)
	http.HandleFunc("/agents", handler.HandleAgents)
	http.HandleFunc("/analyze", handler.HandleAnalyze)
	http.HandleFunc("/analyze/async", handler.HandleAnalyzeAsync)
	http.HandleFunc("/analyze/stream", handler.HandleStream)
	http.HandleFunc("/tasks/", handler.HandleTask)
	http.HandleFunc("/tasks/question", handler.HandleQuestion)
	http.HandleFunc("/tasks/resume", handler.HandleResume)
	http.HandleFunc("/studio/prompts", handler.HandleStudioPrompts)
	http.HandleFunc("/studio/experiments", handler.HandleStudioExperiments)
	http.HandleFunc("/studio/metrics", handler.HandleStudioMetrics)
	http.Handle("/metrics", promhttp.Handler())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	fmt.Printf("Deliberation engine server starting on :%s...\n", port)
	fmt.Println("  - GET  /health")
	fmt.Println("  - GET  /agents")
	fmt.Println("  - POST /analyze")
	fmt.Println("  - POST /analyze/async")
	fmt.Println("  - GET  /analyze/stream?id=...")
	fmt.Println("  - GET  /tasks/{id}")
	fmt.Println("  - POST /tasks/question")
	fmt.Println("  - POST /tasks/resume")
	fmt.Println("  - GET/POST/PUT /studio/prompts")
	fmt.Println("  - GET/POST/DELETE /studio/experiments")
	fmt.Println("  - GET  /studio/metrics?period=1h|24h|7d|30d")
	fmt.Println("  - GET  /metrics (Prometheus)")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		fmt.Printf("[FATAL] Server failed to start: %v\n", err)
		os.Exit(1)
	}
}
