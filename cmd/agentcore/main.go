// Copyright 2025 Shihao Yu
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command agentcore is a development harness for the orchestration core:
// it wires every component (sub-agents, knowledge retriever, tool
// registry/executor, session store, checkpointing, tracing, and the
// framed transport) into a single process and drives queries end to end
// (one given by --query, or an interactive loop reading one query per
// stdin line), printing each outbound frame to stdout as JSON. It exists
// for manual exploration and local smoke-testing; it is explicitly out of
// the orchestration core's own scope (spec.md §6).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/agent"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/checkpoint"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/config"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/embedding"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/knowledge"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/llm"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/logger"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/orchestrator"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/plan"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/session"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/tool"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/tool/builtintool"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/tracing"
	"github.com/Shihao-Yu/AgentFramework-sub001/pkg/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		mockFlag   = flag.Bool("mock", false, "run against in-process mock LLM and embedding clients")
		configPath = flag.String("config", "", "path to a YAML config file (defaults to zero-config)")
		seed       = flag.Int64("seed", 0, "seed for the synthetic session id, so a run's session id is reproducible (0 derives it from the current time)")
		query      = flag.String("query", "", "a single query to run non-interactively; omit for an interactive stdin loop")
		userID     = flag.String("user", "dev-user", "user id attached to the harness's synthetic session")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentcore: load config:", err)
		return 1
	}
	if *mockFlag {
		cfg.LLM = config.LLMConfig{Provider: "mock"}
		cfg.Embedding = config.EmbeddingConfig{Provider: "mock"}
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: os.Stderr})
	logger.SetDefault(log)

	if *seed != 0 {
		log.Info("using seeded session id", "seed", *seed)
	}

	ctx := context.Background()

	llmClient, err := buildLLMClient(cfg.LLM)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentcore: build LLM client:", err)
		return 1
	}
	embedClient := buildEmbeddingClient(cfg.Embedding)

	retriever, err := buildRetriever(cfg.Knowledge, embedClient, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentcore: build knowledge retriever:", err)
		return 1
	}

	toolRegistry := tool.NewRegistry()
	if err := builtintool.RegisterAll(toolRegistry); err != nil {
		fmt.Fprintln(os.Stderr, "agentcore: register builtin tools:", err)
		return 1
	}
	toolExecutor := tool.NewExecutor(toolRegistry, log)
	toolDefs := toolDefinitions(toolRegistry)

	execAgent := agent.NewExecutor(llmClient, retriever, toolDefs, toolExecutor)
	subAgents := map[plan.SubAgentKind]agent.SubAgent{
		plan.SubAgentPlanner:     agent.NewPlanner(llmClient, retriever),
		plan.SubAgentResearcher:  agent.NewResearcher(llmClient, retriever),
		plan.SubAgentAnalyzer:    agent.NewAnalyzer(llmClient, retriever),
		plan.SubAgentExecutor:    execAgent,
		plan.SubAgentSynthesizer: agent.NewSynthesizer(llmClient, retriever),
	}

	sessions := session.NewInMemoryService(cfg.Session.MaxMessagesPerSession)

	provider, err := tracing.InitProvider(ctx, tracing.ProviderConfig{
		Enabled:     cfg.Tracing.OTLPTarget != "" || cfg.Tracing.SampleRate > 0,
		SampleRate:  cfg.Tracing.SampleRate,
		OTLPTarget:  cfg.Tracing.OTLPTarget,
		ServiceName: cfg.Name,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentcore: init tracer provider:", err)
		return 1
	}
	metrics := tracing.NewMetrics(nil)
	tracer := tracing.New(provider, cfg.Name, cfg.Tracing.SampleRate, metrics, log)

	orc := orchestrator.New(subAgents, execAgent, sessions, nil, tracer, metrics, orchestrator.Config{
		MaxStepParallelism: cfg.MaxStepParallelism,
		MaxReplans:         cfg.MaxReplans,
	}, log)

	checkpointManager := checkpoint.NewManager(cfg.Checkpoint.ToCheckpointConfig(), sessions)
	orc.SetCheckpointHooks(checkpoint.NewHooks(checkpointManager))

	transportMgr := transport.NewManager(nil, orc, cfg.Transport.IdleTimeout, cfg.Transport.AuthTimeout, cfg.Transport.MaxConnections)
	orc.SetStore(transportMgr)

	if checkpointManager.IsEnabled() {
		if err := checkpointManager.RecoverOnStartup(ctx, *userID, ""); err != nil {
			log.Warn("checkpoint recovery failed", "error", err)
		}
	}

	conn, err := transportMgr.Accept("dev-harness", frameSink(os.Stdout))
	if err != nil {
		fmt.Fprintln(os.Stderr, "agentcore: accept connection:", err)
		return 1
	}
	defer transportMgr.Close("dev-harness")

	authIn := &transport.Inbound{Auth: &transport.AuthFrame{Type: transport.TypeAuth, Token: "dev", Language: "en-US"}}
	if err := transportMgr.HandleFrame(ctx, conn, authIn); err != nil {
		fmt.Fprintln(os.Stderr, "agentcore: authenticate:", err)
		return 1
	}

	sessionNonce := *seed
	if sessionNonce == 0 {
		sessionNonce = time.Now().UnixNano()
	}
	sessionID := fmt.Sprintf("dev-session-%d", sessionNonce)

	if *query != "" {
		return runQuery(ctx, transportMgr, conn, *userID, sessionID, *query)
	}
	return runInteractive(ctx, transportMgr, conn, *userID, sessionID)
}

func runQuery(ctx context.Context, mgr *transport.Manager, conn *transport.Conn, userID, sessionID, q string) int {
	frame := &transport.Inbound{Query: &transport.QueryFrame{
		Type:      transport.TypeQuery,
		Query:     q,
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userID,
		Locale:    transport.Locale{Location: "America/Los_Angeles", Language: "en-US"},
	}}
	if err := mgr.HandleFrame(ctx, conn, frame); err != nil {
		fmt.Fprintln(os.Stderr, "agentcore: handle query:", err)
		return 1
	}
	return 0
}

func runInteractive(ctx context.Context, mgr *transport.Manager, conn *transport.Conn, userID, sessionID string) int {
	fmt.Fprintln(os.Stderr, "agentcore: interactive mode, one query per line, Ctrl-D to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if code := runQuery(ctx, mgr, conn, userID, sessionID, line); code != 0 {
			return code
		}
	}
	return 0
}

// frameSink writes every outbound frame as a single line of JSON to w,
// the harness's stand-in for a real client's receive loop.
func frameSink(w *os.File) func(frame any) error {
	enc := json.NewEncoder(w)
	return func(frame any) error {
		return enc.Encode(frame)
	}
}

func toolDefinitions(reg *tool.Registry) []llm.ToolDefinition {
	specs := reg.All()
	out := make([]llm.ToolDefinition, len(specs))
	for i, spec := range specs {
		out[i] = llm.ToolDefinition{Name: spec.Name, Description: spec.Description, Parameters: spec.Parameters}
	}
	return out
}

func buildLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "", "mock":
		return llm.NewMock(nil), nil
	case "groq":
		return newOpenAICompatClient(orDefault(cfg.BaseURL, "https://api.groq.com/openai/v1"), cfg.APIKey, orDefault(cfg.Model, "llama-3.3-70b-versatile"), cfg.Timeout), nil
	case "together":
		return newOpenAICompatClient(orDefault(cfg.BaseURL, "https://api.together.xyz/v1"), cfg.APIKey, orDefault(cfg.Model, "meta-llama/Llama-3.3-70B-Instruct-Turbo"), cfg.Timeout), nil
	case "openrouter":
		return newOpenAICompatClient(orDefault(cfg.BaseURL, "https://openrouter.ai/api/v1"), cfg.APIKey, orDefault(cfg.Model, "meta-llama/llama-3.3-70b-instruct"), cfg.Timeout), nil
	case "ollama":
		return newOpenAICompatClient(orDefault(cfg.BaseURL, "http://localhost:11434/v1"), cfg.APIKey, orDefault(cfg.Model, "llama3.2"), cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func buildEmbeddingClient(cfg config.EmbeddingConfig) embedding.Client {
	switch cfg.Provider {
	case "", "mock":
		return embedding.NewMock()
	default:
		return newOpenAICompatEmbedder(orDefault(cfg.BaseURL, "http://localhost:11434/v1"), cfg.APIKey, orDefault(cfg.Model, "nomic-embed-text"), 30*time.Second)
	}
}

// buildRetriever wires the Knowledge Retriever's three backend seams.
// NodeStore and BM25Index always come from the in-memory reference store
// (neither Qdrant nor Pinecone is a graph/keyword index here); VectorIndex
// is dispatched by cfg.VectorStore the way the teacher's
// pkg/databases/registry.go dispatches a vector database type by config.
func buildRetriever(cfg config.KnowledgeConfig, embedder embedding.Client, log *slog.Logger) (*knowledge.Retriever, error) {
	store := knowledge.NewMemoryStore(embedder)

	var vector knowledge.VectorIndex = store
	switch cfg.VectorStore {
	case "", "memory":
		// vector already set to store
	case "qdrant":
		idx, err := knowledge.NewQdrantVectorIndex(knowledge.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantUseTLS,
			Collection: cfg.QdrantCollection,
		})
		if err != nil {
			return nil, fmt.Errorf("build qdrant vector index: %w", err)
		}
		vector = idx
	case "pinecone":
		idx, err := knowledge.NewPineconeVectorIndex(knowledge.PineconeConfig{
			APIKey:    cfg.PineconeKey,
			Host:      cfg.PineconeEnv,
			IndexName: cfg.PineconeIndex,
		})
		if err != nil {
			return nil, fmt.Errorf("build pinecone vector index: %w", err)
		}
		vector = idx
	default:
		return nil, fmt.Errorf("unknown knowledge vector_store %q", cfg.VectorStore)
	}

	weights := knowledge.Weights{BM25: cfg.BM25Weight, Vec: cfg.VecWeight, K: cfg.RRFK}
	if weights.BM25 == 0 && weights.Vec == 0 {
		weights = knowledge.DefaultWeights()
	}
	return knowledge.New(store, vector, store, embedder, weights, log), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
