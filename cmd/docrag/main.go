// Package main provides the docrag CLI for bulk indexing and queries.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/docrag/internal/chunk"
	"github.com/bull/docrag/internal/config"
	"github.com/bull/docrag/internal/embed"
	"github.com/bull/docrag/internal/index"
	"github.com/bull/docrag/internal/llm"
	"github.com/bull/docrag/internal/retrieve"
	"github.com/bull/docrag/internal/source"
	"github.com/bull/docrag/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "docrag",
	Short: "Document retrieval pipeline tool",
	Long: `CLI for indexing converted documents into a vector store and asking
grounded questions against them.

Environment variables:
  DOCRAG_CONFIG   Path to JSON config (default: docrag.json)
  OPENAI_API_KEY  API key for the embedding endpoint (required for indexing and queries)
  QDRANT_HOST     Qdrant hostname when vector_backend is "qdrant"
  QDRANT_PORT     Qdrant gRPC port (default: 6334)
  OLLAMA_BASE_URL Ollama endpoint for answer synthesis (default: http://localhost:11434)`,
}

var (
	flagPattern string
	flagClear   bool
	flagTopK    int
	flagFile    string
	flagNoLLM   bool
	flagOwner   string
	flagRepo    string
	flagPath    string
)

var indexCmd = &cobra.Command{
	Use:   "index <file-or-directory>",
	Short: "Index a markdown/JSON file or a directory of them",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndex,
}

var indexGithubCmd = &cobra.Command{
	Use:   "index-github",
	Short: "Index all markdown files under a GitHub repository path",
	RunE:  runIndexGithub,
}

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question against the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show vector store and model statistics",
	RunE:  runStats,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all indexed documents",
	RunE:  runClear,
}

func init() {
	indexCmd.Flags().StringVar(&flagPattern, "pattern", "*.md", "glob pattern for directory indexing")
	indexCmd.Flags().BoolVar(&flagClear, "clear", false, "clear the store before indexing")

	indexGithubCmd.Flags().StringVar(&flagOwner, "owner", "", "repository owner (required)")
	indexGithubCmd.Flags().StringVar(&flagRepo, "repo", "", "repository name (required)")
	indexGithubCmd.Flags().StringVar(&flagPath, "path", "", "path within the repository")
	indexGithubCmd.MarkFlagRequired("owner")
	indexGithubCmd.MarkFlagRequired("repo")

	queryCmd.Flags().IntVar(&flagTopK, "top-k", 0, "number of chunks to retrieve (0 = config default)")
	queryCmd.Flags().StringVar(&flagFile, "filename", "", "restrict retrieval to one indexed filename")
	queryCmd.Flags().BoolVar(&flagNoLLM, "retrieve-only", false, "print retrieved chunks without answer synthesis")

	rootCmd.AddCommand(indexCmd, indexGithubCmd, queryCmd, statsCmd, clearCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env holds wired components for one CLI invocation.
type env struct {
	cfg      config.Config
	store    store.Store
	provider embed.Provider
	pipeline *index.Pipeline
}

func setup() (*env, error) {
	cfg, err := config.Load(envOr("DOCRAG_CONFIG", "docrag.json"))
	if err != nil {
		return nil, err
	}
	cfg = cfg.FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.VectorBackend == "qdrant" {
		st, err = store.NewQdrant(cfg.QdrantHost, cfg.QdrantPort, cfg.CollectionName, cfg.EmbeddingDimension)
	} else {
		st, err = store.NewMemory(cfg.VectorDBPath, cfg.CollectionName)
	}
	if err != nil {
		return nil, fmt.Errorf("create vector store: %w", err)
	}

	provider, err := embed.NewOpenAI(cfg.EmbeddingModel, cfg.EmbeddingDimension, cfg.EmbeddingBaseURL, cfg.BatchSize)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}

	chunker := chunk.New(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MinChunkSize)
	return &env{
		cfg:      cfg,
		store:    st,
		provider: provider,
		pipeline: index.NewPipeline(chunker, provider, st, slog.Default()),
	}, nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.store.Close()
	ctx := context.Background()
	start := time.Now()

	if flagClear {
		fmt.Println("Clearing existing collection...")
		if err := e.pipeline.Clear(ctx); err != nil {
			return fmt.Errorf("clear collection: %w", err)
		}
	}

	info, err := os.Stat(args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	if info.IsDir() {
		result, err := e.pipeline.IndexDirectory(ctx, args[0], flagPattern)
		if err != nil {
			return err
		}
		printBatchResult(result, start)
		return nil
	}

	chunks, err := e.pipeline.IndexFile(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %s: %d chunks in %s\n", args[0], chunks, time.Since(start).Round(time.Millisecond))
	return nil
}

func runIndexGithub(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.store.Close()
	ctx := context.Background()
	start := time.Now()

	src, err := source.NewGitHub(flagOwner, flagRepo, flagPath)
	if err != nil {
		return fmt.Errorf("create github source: %w", err)
	}

	if sha, err := src.LatestCommitSHA(ctx); err == nil {
		fmt.Printf("Indexing %s/%s at %s...\n", flagOwner, flagRepo, sha[:12])
	} else {
		fmt.Printf("Indexing %s/%s...\n", flagOwner, flagRepo)
	}

	result, err := e.pipeline.IndexSource(ctx, src)
	if err != nil {
		return err
	}
	printBatchResult(result, start)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.store.Close()
	ctx := context.Background()
	question := strings.Join(args, " ")

	retriever := retrieve.New(e.provider, e.store, e.cfg.TopK, e.cfg.SimilarityThreshold)

	var retrieval *retrieve.Result
	if flagFile != "" {
		retrieval, err = retriever.RetrieveByFilename(ctx, question, flagFile, flagTopK)
	} else {
		retrieval, err = retriever.Retrieve(ctx, question, flagTopK)
	}
	if err != nil {
		return fmt.Errorf("retrieval failed: %w", err)
	}

	if flagNoLLM {
		if len(retrieval.Chunks) == 0 {
			fmt.Println("No matching chunks.")
			return nil
		}
		for i, c := range retrieval.Chunks {
			fmt.Printf("[%d] %s (chunk %d, similarity %.3f)\n", i+1, c.Filename, c.ChunkIndex, c.SimilarityScore)
			if c.Metadata.Heading != "" {
				fmt.Printf("    Heading: %s\n", c.Metadata.Heading)
			}
			fmt.Println(indent(c.ChunkText, "    "))
		}
		fmt.Printf("\n%d chunks, ~%d tokens\n", len(retrieval.Chunks), retrieval.TotalTokens)
		return nil
	}

	synth := llm.New(e.cfg.LLMBaseURL, e.cfg.LLMModel, e.cfg.Temperature, e.cfg.MaxTokens, e.cfg.ContextWindow)
	result, err := synth.Answer(ctx, retrieval)
	if err != nil {
		return err
	}

	fmt.Println(result.Answer)
	if len(result.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for i, src := range result.Sources {
			fmt.Printf("  [%d] %s (chunk %d, similarity %.3f)\n", i+1, src.Filename, src.ChunkIndex, src.SimilarityScore)
		}
		fmt.Printf("\nModel: %s  Tokens: %d  Confidence: %.2f\n", result.Model, result.TokensUsed, result.Confidence)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.store.Close()

	stats, model, err := e.pipeline.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Collection: %s\n", stats.Collection)
	fmt.Printf("Chunks:     %d\n", stats.Count)
	if stats.Path != "" {
		fmt.Printf("Path:       %s\n", stats.Path)
	}
	fmt.Printf("Embedding:  %s (%d dims)\n", model.Model, model.Dimension)
	fmt.Printf("LLM:        %s @ %s\n", e.cfg.LLMModel, e.cfg.LLMBaseURL)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.store.Close()

	if err := e.pipeline.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Println("Collection cleared")
	return nil
}

func printBatchResult(result *index.DirectoryResult, start time.Time) {
	fmt.Println()
	fmt.Println("Indexing complete!")
	fmt.Printf("  Files:    %d/%d\n", result.IndexedFiles, result.TotalFiles)
	fmt.Printf("  Chunks:   %d\n", result.TotalChunks)
	fmt.Printf("  Duration: %s\n", time.Since(start).Round(time.Millisecond))

	if len(result.Errors) > 0 {
		fmt.Println()
		fmt.Println("Failures:")
		for _, msg := range result.Errors {
			fmt.Printf("  - %s\n", msg)
		}
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
