package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularmind/modularmind/internal/agent"
	"github.com/modularmind/modularmind/internal/chunk"
	"github.com/modularmind/modularmind/internal/embed"
	"github.com/modularmind/modularmind/internal/ingest"
	"github.com/modularmind/modularmind/internal/prompt"
	"github.com/modularmind/modularmind/internal/rag"
	"github.com/modularmind/modularmind/internal/vectorstore"
)

// Integration tests. These run the real pipeline end to end: a
// filesystem agent feeds the ingestion manager, chunks land in the
// vector store through the stub embedding provider, and hybrid search
// and the RAG engine read them back out.

// corpus is the fixture directory content. Each file is well under the
// default chunk budget, so ingestion yields one chunk per file.
var corpus = map[string]string{
	"glaciers.md":  "Glacier meltwater feeds the alpine lakes well into summer. The runoff keeps the water cold and unusually clear.",
	"sourdough.md": "A sourdough starter wants flour and water every day. Keep the jar warm and the culture stays lively.",
}

// testService builds an embedding service on the stub provider.
func testService(t *testing.T) *embed.Service {
	t.Helper()
	svc, err := embed.NewService(embed.ServiceConfig{
		Models:       []embed.ModelConfig{{ID: "stub-embed", Provider: "stub", Dimensions: 64}},
		DefaultModel: "stub-embed",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// testStore opens a flat-index store over the given storage path.
func testStore(t *testing.T, svc *embed.Service, storagePath string) *vectorstore.Store {
	t.Helper()
	st, err := vectorstore.New(context.Background(), vectorstore.Config{
		IndexType:   "flat",
		StoragePath: storagePath,
	}, svc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// writeCorpus lays the files down in a fresh directory.
func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, text := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644))
	}
	return dir
}

// ingestDir registers a filesystem agent over dir and runs it to
// completion, returning the stored agent id.
func ingestDir(t *testing.T, st *vectorstore.Store, dir string) string {
	t.Helper()
	splitter, err := chunk.NewSplitter(chunk.DefaultOptions())
	require.NoError(t, err)
	m, err := ingest.NewManager(ingest.Options{ConfigPath: t.TempDir()}, splitter, st)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	cfg, err := m.AddAgent(agent.Config{
		AgentType: agent.TypeFilesystem,
		Name:      "docs",
		SourceURL: "file://" + dir,
		Enabled:   true,
	})
	require.NoError(t, err)
	require.NoError(t, m.RunAgent(context.Background(), cfg.AgentID, true))

	run, err := m.Result(cfg.AgentID)
	require.NoError(t, err)
	require.True(t, run.Success, "ingestion run failed: %s", run.ErrorMessage)
	return cfg.AgentID
}

// sparseOnly forces pure keyword scoring, which keeps lexical ranking
// assertions independent of the stub embedding geometry.
func sparseOnly() vectorstore.HybridOptions {
	alpha := 0.0
	return vectorstore.HybridOptions{Alpha: &alpha}
}

func TestPipeline_FilesystemCorpusToSearch(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	st := testStore(t, svc, t.TempDir())

	// Given a directory ingested by a filesystem agent
	agentID := ingestDir(t, st, writeCorpus(t, corpus))
	assert.Equal(t, len(corpus), st.ChunkCount())

	// When searching for wording unique to one file
	hits, err := st.HybridSearch(ctx, "alpine lakes meltwater", 5, sparseOnly())

	// Then that file's chunk ranks first and carries the agent stamp
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	top := hits[0].Chunk
	assert.Contains(t, top.Text, "alpine lakes")
	assert.Equal(t, agentID, top.Metadata["agent_id"])
	assert.Equal(t, "glaciers.md", top.Metadata["filename"])

	// Default fusion over the same corpus also lands hits.
	fused, err := st.HybridSearch(ctx, "alpine lakes meltwater", 5, vectorstore.HybridOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, fused)

	// Metadata search sees every chunk the agent produced.
	byAgent := st.MetadataSearch(map[string]any{"agent_id": agentID}, 10)
	assert.Len(t, byAgent, st.ChunkCount())
}

func TestPipeline_DeleteDocumentDropsFromSearch(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	st := testStore(t, svc, t.TempDir())
	ingestDir(t, st, writeCorpus(t, corpus))

	hits, err := st.HybridSearch(ctx, "alpine lakes", 5, sparseOnly())
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	docID := hits[0].Chunk.DocumentID

	require.NoError(t, st.DeleteDocument(ctx, docID))
	assert.Equal(t, len(corpus)-1, st.ChunkCount())

	after, err := st.HybridSearch(ctx, "alpine lakes", 5, sparseOnly())
	require.NoError(t, err)
	for _, hit := range after {
		assert.NotEqual(t, docID, hit.Chunk.DocumentID)
	}
}

func TestPipeline_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	storage := t.TempDir()

	st := testStore(t, svc, storage)
	ingestDir(t, st, writeCorpus(t, corpus))
	want := st.ChunkCount()
	require.NoError(t, st.Save())
	require.NoError(t, st.Close())

	// A fresh store over the same path serves the corpus after Load.
	reopened := testStore(t, svc, storage)
	require.NoError(t, reopened.Load(ctx))
	assert.Equal(t, want, reopened.ChunkCount())

	hits, err := reopened.HybridSearch(ctx, "sourdough starter", 5, sparseOnly())
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "sourdough.md", hits[0].Chunk.Metadata["filename"])
}

// scriptedGenerator returns a fixed answer and records what it was
// asked so tests can inspect the rendered prompt.
type scriptedGenerator struct {
	answer   string
	messages []prompt.ChatMessage
	params   rag.GenerationParams
}

func (g *scriptedGenerator) Complete(_ context.Context, messages []prompt.ChatMessage, params rag.GenerationParams) (string, error) {
	g.messages = messages
	g.params = params
	return g.answer, nil
}

func (g *scriptedGenerator) DefaultModel() string { return "scripted-llm" }

func (g *scriptedGenerator) Close() error { return nil }

func TestPipeline_RAGAnswersFromCorpus(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)
	st := testStore(t, svc, t.TempDir())
	ingestDir(t, st, writeCorpus(t, corpus))

	gen := &scriptedGenerator{answer: "Glacier meltwater feeds them."}
	engine, err := rag.NewEngine(rag.Config{}, st, nil, gen)
	require.NoError(t, err)

	resp, err := engine.Query(ctx, rag.Request{
		Query:          "What feeds the alpine lakes?",
		IncludeSources: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "Glacier meltwater feeds them.", resp.Answer)
	assert.Equal(t, "scripted-llm", resp.LLMModel)
	assert.Equal(t, "stub-embed", resp.EmbeddingModel)
	require.NotEmpty(t, resp.Sources)
	assert.NotEmpty(t, resp.Sources[0].Snippet)

	// The generator saw the retrieved context, numbered for citation.
	require.Len(t, gen.messages, 1)
	content := gen.messages[0].Content
	assert.Contains(t, content, "Question: What feeds the alpine lakes?")
	assert.Contains(t, content, "[1]")
	assert.Contains(t, content, "meltwater")
	assert.InDelta(t, rag.DefaultTemperature, gen.params.Temperature, 1e-6)
}
