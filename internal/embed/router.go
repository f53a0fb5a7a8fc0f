package embed

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// Ensemble fusion methods.
const (
	EnsembleWeightedAverage = "weighted_average"
	EnsembleConcatenate     = "concatenate"
)

// minRoutableRunes is the text length below which routing is skipped.
const minRoutableRunes = 10

// maxEnsembleModels caps how many models an ensemble selects.
const maxEnsembleModels = 3

// maxConcatDims caps concatenated vectors; longer results are
// decimated down to this size.
const maxConcatDims = 5000

// domainVoteThreshold is the minimum keyword hits for a domain pick.
const domainVoteThreshold = 2

// domainKeywords maps each routable domain to its vote keywords.
var domainKeywords = map[string][]string{
	"finance": {"revenue", "profit", "invest", "investment", "investments", "stock", "stocks",
		"market", "markets", "bank", "loan", "interest", "dividend", "portfolio", "equity",
		"asset", "assets", "currency", "trading", "fiscal"},
	"legal": {"court", "law", "legal", "contract", "contracts", "plaintiff", "defendant",
		"statute", "clause", "liability", "jurisdiction", "attorney", "litigation",
		"regulation", "regulatory", "compliance", "tort"},
	"medical": {"patient", "patients", "diagnosis", "treatment", "clinical", "symptom",
		"symptoms", "disease", "therapy", "dosage", "prescription", "physician", "medical",
		"surgery", "vaccine", "dose"},
	"tech": {"software", "server", "servers", "database", "algorithm", "code", "compiler",
		"api", "network", "cloud", "deploy", "deployment", "kernel", "encryption",
		"protocol", "framework", "backend"},
}

var domainKeywordSets = buildDomainSets()

func buildDomainSets() map[string]map[string]struct{} {
	sets := make(map[string]map[string]struct{}, len(domainKeywords))
	for domain, words := range domainKeywords {
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			set[w] = struct{}{}
		}
		sets[domain] = set
	}
	return sets
}

// RouterConfig configures the model router.
type RouterConfig struct {
	DefaultModelID    string             `yaml:"default_model_id" json:"default_model_id"`
	FallbackModelID   string             `yaml:"fallback_model_id" json:"fallback_model_id,omitempty"`
	LanguageModels    map[string]string  `yaml:"language_models" json:"language_models,omitempty"`
	DomainModels      map[string]string  `yaml:"domain_models" json:"domain_models,omitempty"`
	EnableAutoRouting bool               `yaml:"enable_auto_routing" json:"enable_auto_routing"`
	EnableEnsemble    bool               `yaml:"enable_ensemble" json:"enable_ensemble"`
	EnsembleMethod    string             `yaml:"ensemble_method" json:"ensemble_method,omitempty"`
	ModelWeights      map[string]float64 `yaml:"model_weights" json:"model_weights,omitempty"`
}

// DefaultRouterConfig returns the router defaults: routing and
// ensembles off, weighted-average fusion when enabled.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{EnsembleMethod: EnsembleWeightedAverage}
}

// Validate checks the enumerated fields.
func (c RouterConfig) Validate() error {
	if c.EnsembleMethod != "" &&
		c.EnsembleMethod != EnsembleWeightedAverage &&
		c.EnsembleMethod != EnsembleConcatenate {
		return mmerrors.Newf(mmerrors.KindConfigInvalid,
			"unknown ensemble_method %q (valid: %s, %s)",
			c.EnsembleMethod, EnsembleWeightedAverage, EnsembleConcatenate)
	}
	return nil
}

// Router decides which model or models embed a given text.
type Router struct {
	config   RouterConfig
	service  *Service
	detector *LanguageDetector
}

// NewRouter builds a router over a service.
func NewRouter(config RouterConfig, service *Service) (*Router, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.EnsembleMethod == "" {
		config.EnsembleMethod = EnsembleWeightedAverage
	}
	return &Router{
		config:   config,
		service:  service,
		detector: NewLanguageDetector(),
	}, nil
}

// SelectModel returns the single model id for a text. The ladder:
// routing off or short text returns the default; then the language
// pick, the domain pick, the default, and finally the fallback. Picks
// naming an unregistered model are logged and skipped.
func (r *Router) SelectModel(text string) string {
	if !r.config.EnableAutoRouting {
		return r.config.DefaultModelID
	}
	if utf8.RuneCountInString(text) < minRoutableRunes {
		return r.config.DefaultModelID
	}
	if id := r.languagePick(text); id != "" {
		return id
	}
	if id := r.domainPick(text); id != "" {
		return id
	}
	if r.registered(r.config.DefaultModelID) {
		return r.config.DefaultModelID
	}
	if r.registered(r.config.FallbackModelID) {
		return r.config.FallbackModelID
	}
	return r.config.DefaultModelID
}

// SelectModelsForText returns the models an embed of this text should
// use. Outside ensemble mode this is the single routed model. In
// ensemble mode the language and domain picks are combined with the
// default until at least two distinct models are selected, capped at
// three.
func (r *Router) SelectModelsForText(text string) []string {
	if !r.config.EnableEnsemble {
		return []string{r.SelectModel(text)}
	}
	if !r.config.EnableAutoRouting || utf8.RuneCountInString(text) < minRoutableRunes {
		return []string{r.config.DefaultModelID}
	}

	var models []string
	add := func(id string) {
		if id == "" || len(models) >= maxEnsembleModels {
			return
		}
		for _, m := range models {
			if m == id {
				return
			}
		}
		models = append(models, id)
	}

	add(r.languagePick(text))
	add(r.domainPick(text))
	if len(models) < 2 && r.registered(r.config.DefaultModelID) {
		add(r.config.DefaultModelID)
	}
	if len(models) < 2 && r.registered(r.config.FallbackModelID) {
		add(r.config.FallbackModelID)
	}
	if len(models) == 0 {
		models = append(models, r.config.DefaultModelID)
	}
	return models
}

// EmbedText embeds a text through the routed model or ensemble.
func (r *Router) EmbedText(ctx context.Context, text string) ([]float32, error) {
	models := r.SelectModelsForText(text)
	if len(models) == 1 {
		return r.service.CreateEmbedding(ctx, text, models[0])
	}

	vecs := make([][]float32, len(models))
	for i, m := range models {
		vec, err := r.service.CreateEmbedding(ctx, text, m)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}

	if r.config.EnsembleMethod == EnsembleConcatenate {
		return fuseConcat(models, vecs), nil
	}
	return r.fuseWeightedAverage(models, vecs), nil
}

// languagePick maps the detected language to a configured model.
func (r *Router) languagePick(text string) string {
	lang := r.detector.Detect(text)
	if lang == LanguageUnknown {
		return ""
	}
	id := r.config.LanguageModels[lang]
	if id == "" {
		return ""
	}
	if !r.registered(id) {
		slog.Warn("router_language_model_unregistered",
			slog.String("language", lang),
			slog.String("model", id))
		return ""
	}
	return id
}

// domainPick maps the keyword-voted domain to a configured model.
func (r *Router) domainPick(text string) string {
	domain := detectDomain(text)
	if domain == "" {
		return ""
	}
	id := r.config.DomainModels[domain]
	if id == "" {
		return ""
	}
	if !r.registered(id) {
		slog.Warn("router_domain_model_unregistered",
			slog.String("domain", domain),
			slog.String("model", id))
		return ""
	}
	return id
}

func (r *Router) registered(id string) bool {
	return id != "" && r.service != nil && r.service.HasModel(id)
}

// detectDomain votes domain keywords over the text. The best domain
// wins when it reaches the threshold; ties resolve alphabetically.
func detectDomain(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	scores := make(map[string]int)
	for _, w := range words {
		for domain, set := range domainKeywordSets {
			if _, ok := set[w]; ok {
				scores[domain]++
			}
		}
	}

	domains := make([]string, 0, len(scores))
	for domain := range scores {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	best := ""
	bestScore := 0
	for _, domain := range domains {
		if scores[domain] > bestScore {
			best = domain
			bestScore = scores[domain]
		}
	}
	if bestScore < domainVoteThreshold {
		return ""
	}
	return best
}

// fuseWeightedAverage averages equal-dimension vectors under the
// configured weights and renormalises. Mixed dimensions cannot be
// averaged; the router logs and falls back to the largest single
// vector.
func (r *Router) fuseWeightedAverage(models []string, vecs [][]float32) []float32 {
	dims := len(vecs[0])
	for _, v := range vecs[1:] {
		if len(v) != dims {
			slog.Warn("ensemble_dimension_mismatch",
				slog.String("method", EnsembleWeightedAverage),
				slog.Int("models", len(models)))
			return largestVector(vecs)
		}
	}

	weights := make([]float64, len(models))
	var total float64
	for i, m := range models {
		w := 1.0
		if cw, ok := r.config.ModelWeights[m]; ok && cw > 0 {
			w = cw
		}
		weights[i] = w
		total += w
	}

	out := make([]float32, dims)
	for i, v := range vecs {
		w := float32(weights[i] / total)
		for j, x := range v {
			out[j] += w * x
		}
	}
	return normalizeVector(out)
}

// largestVector returns the vector with the most dimensions,
// preferring the earliest on ties.
func largestVector(vecs [][]float32) []float32 {
	best := vecs[0]
	for _, v := range vecs[1:] {
		if len(v) > len(best) {
			best = v
		}
	}
	return best
}

// fuseConcat concatenates vectors in model-id order, renormalises,
// and decimates oversized results by a uniform stride.
func fuseConcat(models []string, vecs [][]float32) []float32 {
	order := make([]int, len(models))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return models[order[a]] < models[order[b]] })

	var total int
	for _, v := range vecs {
		total += len(v)
	}
	out := make([]float32, 0, total)
	for _, idx := range order {
		out = append(out, vecs[idx]...)
	}

	if len(out) > maxConcatDims {
		stride := (len(out) + maxConcatDims - 1) / maxConcatDims
		decimated := make([]float32, 0, maxConcatDims)
		for i := 0; i < len(out); i += stride {
			decimated = append(decimated, out[i])
		}
		out = decimated
	}
	return normalizeVector(out)
}
