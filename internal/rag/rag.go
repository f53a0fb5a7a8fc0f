// Package rag composes retrieval and generation: a question becomes a
// hybrid search, the hits become a numbered context prompt, and the
// prompt goes to an LLM generator that produces the answer with
// source attributions.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/prompt"
	"github.com/modularmind/modularmind/internal/vectorstore"
)

const (
	// DefaultContextLimit bounds how many chunks feed the prompt.
	DefaultContextLimit = 5

	// DefaultTemperature is the sampling temperature when neither the
	// engine config nor the request sets one.
	DefaultTemperature = 0.3

	// DefaultQATemplateID names the stored template the engine prefers
	// over its built-in prompt.
	DefaultQATemplateID = "question_answer"

	// snippetLength caps source snippets so responses never carry
	// full chunks.
	snippetLength = 100
)

// fallbackPrompt is the built-in prompt used when no question_answer
// template is stored.
const fallbackPrompt = "Use the following context to answer the question.\n" +
	"Context:\n%s\n\nQuestion: %s\n\nAnswer:"

// Request is one RAG query.
type Request struct {
	Query          string         `json:"query"`
	ContextLimit   int            `json:"context_limit,omitempty"`
	Filter         map[string]any `json:"filter,omitempty"`
	IncludeSources bool           `json:"include_sources,omitempty"`
	LLMModel       string         `json:"llm_model,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`

	// Temperature and TopP override the engine defaults when set. A
	// pointer keeps an explicit zero distinguishable from unset.
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
}

// Source attributes part of an answer to a chunk. Snippet is a
// truncated preview, never the full chunk text.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// Response is the answer plus its provenance.
type Response struct {
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources,omitempty"`
	LLMModel       string   `json:"llm_model"`
	EmbeddingModel string   `json:"embedding_model"`
}

// Config carries the engine defaults.
type Config struct {
	DefaultLLMModel string  `yaml:"default_llm_model" json:"default_llm_model,omitempty"`
	ContextLimit    int     `yaml:"context_limit" json:"context_limit,omitempty"`
	Temperature     float32 `yaml:"temperature" json:"temperature,omitempty"`
	QATemplateID    string  `yaml:"qa_template_id" json:"qa_template_id,omitempty"`
	Rerank          bool    `yaml:"rerank" json:"rerank,omitempty"`
}

// Engine runs the query pipeline over a vector store, an optional
// prompt store, and a generator.
type Engine struct {
	cfg       Config
	store     *vectorstore.Store
	prompts   *prompt.Store
	generator Generator
}

// NewEngine wires the pipeline. The prompt store may be nil, in which
// case the built-in prompt is always used.
func NewEngine(cfg Config, store *vectorstore.Store, prompts *prompt.Store, generator Generator) (*Engine, error) {
	if store == nil {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"rag engine requires a vector store")
	}
	if generator == nil {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"rag engine requires a generator")
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.QATemplateID == "" {
		cfg.QATemplateID = DefaultQATemplateID
	}
	return &Engine{cfg: cfg, store: store, prompts: prompts, generator: generator}, nil
}

// Query answers one question from the indexed corpus.
func (e *Engine) Query(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "query is empty")
	}
	limit := req.ContextLimit
	if limit <= 0 {
		limit = e.cfg.ContextLimit
	}

	hits, err := e.store.HybridSearch(ctx, req.Query, limit, vectorstore.HybridOptions{
		Filter:         req.Filter,
		EmbeddingModel: req.EmbeddingModel,
		Rerank:         e.cfg.Rerank,
	})
	if err != nil {
		return nil, err
	}

	llmModel := req.LLMModel
	if llmModel == "" {
		llmModel = e.cfg.DefaultLLMModel
	}
	if llmModel == "" {
		llmModel = e.generator.DefaultModel()
	}

	messages, err := e.buildMessages(buildContext(hits), req.Query, llmModel)
	if err != nil {
		return nil, err
	}

	params := GenerationParams{Model: llmModel, Temperature: e.cfg.Temperature}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		params.TopP = *req.TopP
	}

	answer, err := e.generator.Complete(ctx, messages, params)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Answer:         answer,
		LLMModel:       llmModel,
		EmbeddingModel: req.EmbeddingModel,
	}
	if resp.EmbeddingModel == "" {
		resp.EmbeddingModel = e.store.DefaultModel()
	}
	if req.IncludeSources {
		resp.Sources = sources(hits)
	}

	slog.Debug("rag_query_answered",
		slog.Int("hits", len(hits)),
		slog.String("llm_model", llmModel),
		slog.String("embedding_model", resp.EmbeddingModel))
	return resp, nil
}

// buildMessages renders the stored question template when one exists,
// falling back to the built-in prompt. Chat templates produce the full
// transcript; text templates become a single user message.
func (e *Engine) buildMessages(contextText, question, llmModel string) ([]prompt.ChatMessage, error) {
	if e.prompts != nil {
		tmpl, err := e.prompts.Get(e.cfg.QATemplateID)
		switch {
		case err == nil:
			params := map[string]any{"context": contextText, "question": question}
			if tmpl.Type == prompt.TypeChat {
				return e.prompts.RenderChat(e.cfg.QATemplateID, params, llmModel)
			}
			rendered, err := e.prompts.Render(e.cfg.QATemplateID, params, llmModel)
			if err != nil {
				return nil, err
			}
			return []prompt.ChatMessage{{Role: "user", Content: rendered}}, nil
		case !mmerrors.IsKind(err, mmerrors.KindNotFound):
			return nil, err
		}
	}
	return []prompt.ChatMessage{{
		Role:    "user",
		Content: fmt.Sprintf(fallbackPrompt, contextText, question),
	}}, nil
}

// buildContext numbers each hit so the generator can cite it.
func buildContext(hits []vectorstore.SearchResult) string {
	if len(hits) == 0 {
		return ""
	}
	blocks := make([]string, len(hits))
	for i, hit := range hits {
		blocks[i] = fmt.Sprintf("[%d] %s", i+1, hit.Chunk.Text)
	}
	return strings.Join(blocks, "\n\n")
}

func sources(hits []vectorstore.SearchResult) []Source {
	out := make([]Source, len(hits))
	for i, hit := range hits {
		out[i] = Source{
			ChunkID:    hit.Chunk.ID,
			DocumentID: hit.Chunk.DocumentID,
			Snippet:    hit.Chunk.Snippet(snippetLength),
			Score:      hit.Score,
		}
	}
	return out
}
