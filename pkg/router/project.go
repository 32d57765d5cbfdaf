package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/atmosphere-mesh/atmosphere/pkg/embedding"
)

const (
	// ProjectFallbackScore marks semantic matches too weak to trust;
	// callers should treat such routes as best-effort defaults.
	ProjectFallbackScore = 0.3

	// keywordBoost is added per domain keyword hit during semantic
	// project routing.
	keywordBoost = 0.1
)

// Project is one routable project namespace, loaded from the registry
// file.
type Project struct {
	Namespace    string   `json:"namespace"`
	Name         string   `json:"name"`
	Domain       string   `json:"domain"`
	Topics       []string `json:"topics"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Models       []string `json:"models"`
	Nodes        []string `json:"nodes"`
}

// Path returns the canonical namespace/name key.
func (p *Project) Path() string {
	return p.Namespace + "/" + p.Name
}

// embeddingText is the string embedded once per project. Domain and
// topics lead so they dominate the trigram features.
func (p *Project) embeddingText() string {
	parts := []string{p.Domain}
	parts = append(parts, p.Topics...)
	parts = append(parts, p.Description, p.Name)
	return strings.Join(parts, " ")
}

// Message is one chat turn handed to the project router.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ProjectMatch reports which project a model reference resolved to.
type ProjectMatch struct {
	Project  *Project `json:"project"`
	Score    float64  `json:"score"`
	Fallback bool     `json:"fallback"`
	Kind     string   `json:"kind"` // "path", "name", or "semantic"
}

// domainKeywords boosts semantic routing when prompt words name a
// domain directly. Hits add keywordBoost each on top of cosine
// similarity.
var domainKeywords = map[string][]string{
	"code":             {"code", "function", "bug", "compile", "refactor", "debug"},
	"writing":          {"write", "essay", "article", "story", "draft"},
	"vision":           {"image", "photo", "picture", "detect", "camera"},
	"audio":            {"audio", "sound", "speech", "transcribe", "voice"},
	"data":             {"data", "query", "table", "csv", "analyze"},
	"animals/camelids": {"llama", "alpaca", "fiber", "wool", "camelid", "herd"},
}

// FastProjectRouter resolves model references to projects without
// touching the embedding backend on the hot path. All project vectors
// are pre-computed into one matrix at construction.
type FastProjectRouter struct {
	embedder embedding.Embedder
	projects []*Project
	paths    map[string]*Project   // namespace/name -> project
	names    map[string][]*Project // bare name -> projects, load order
	domains  map[string][]*Project
	topics   map[string][]*Project
	caps     map[string][]*Project
	matrix   [][]float32 // row i embeds projects[i]
}

// LoadProjects reads a project registry file: a JSON array of project
// records.
func LoadProjects(path string) ([]*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project registry: %w", err)
	}
	var projects []*Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("failed to parse project registry: %w", err)
	}
	for _, p := range projects {
		if p.Namespace == "" || p.Name == "" {
			return nil, fmt.Errorf("project registry entry missing namespace or name")
		}
	}
	return projects, nil
}

// NewFastProjectRouter embeds every project once and builds the lookup
// indexes. When cachePath is non-empty, vectors are loaded from the
// binary cache if its path set matches, and rewritten otherwise.
func NewFastProjectRouter(ctx context.Context, embedder embedding.Embedder, projects []*Project, cachePath string) (*FastProjectRouter, error) {
	if embedder == nil {
		return nil, fmt.Errorf("project router requires an embedder")
	}
	fr := &FastProjectRouter{
		embedder: embedder,
		projects: projects,
		paths:    make(map[string]*Project),
		names:    make(map[string][]*Project),
		domains:  make(map[string][]*Project),
		topics:   make(map[string][]*Project),
		caps:     make(map[string][]*Project),
	}
	for _, p := range projects {
		if _, dup := fr.paths[p.Path()]; dup {
			return nil, fmt.Errorf("duplicate project path %s", p.Path())
		}
		fr.paths[p.Path()] = p
		fr.names[p.Name] = append(fr.names[p.Name], p)
		if p.Domain != "" {
			fr.domains[p.Domain] = append(fr.domains[p.Domain], p)
		}
		for _, t := range p.Topics {
			fr.topics[t] = append(fr.topics[t], p)
		}
		for _, c := range p.Capabilities {
			fr.caps[c] = append(fr.caps[c], p)
		}
	}

	if cachePath != "" {
		if matrix, err := loadVectorCache(cachePath, fr.pathSet(), embedder.Dimension()); err == nil {
			fr.matrix = matrix
			log.Printf("[Projects] loaded %d project vectors from cache", len(matrix))
			return fr, nil
		}
	}

	matrix := make([][]float32, len(projects))
	for i, p := range projects {
		vec, err := embedder.Embed(ctx, p.embeddingText())
		if err != nil {
			return nil, fmt.Errorf("failed to embed project %s: %w", p.Path(), err)
		}
		matrix[i] = vec
	}
	fr.matrix = matrix
	if cachePath != "" {
		if err := saveVectorCache(cachePath, fr.pathSet(), matrix); err != nil {
			log.Printf("[Projects] failed to write vector cache: %v", err)
		}
	}
	log.Printf("[Projects] embedded %d projects", len(projects))
	return fr, nil
}

// pathSet lists project paths in matrix row order.
func (fr *FastProjectRouter) pathSet() []string {
	paths := make([]string, len(fr.projects))
	for i, p := range fr.projects {
		paths[i] = p.Path()
	}
	return paths
}

// Projects returns the loaded registry in load order.
func (fr *FastProjectRouter) Projects() []*Project {
	return fr.projects
}

// ByDomain returns projects indexed under a domain.
func (fr *FastProjectRouter) ByDomain(domain string) []*Project {
	return fr.domains[domain]
}

// ByTopic returns projects indexed under a topic.
func (fr *FastProjectRouter) ByTopic(topic string) []*Project {
	return fr.topics[topic]
}

// ByCapability returns projects advertising a capability label.
func (fr *FastProjectRouter) ByCapability(cap string) []*Project {
	return fr.caps[cap]
}

// RouteModel resolves a model reference to a project.
//
// An explicit namespace/name path is an exact lookup. A bare name picks
// the first project registered under it. Anything else ("auto",
// "default", or empty) routes semantically on the last user turn.
func (fr *FastProjectRouter) RouteModel(ctx context.Context, model string, messages []Message) (*ProjectMatch, error) {
	if len(fr.projects) == 0 {
		return nil, fmt.Errorf("no projects loaded")
	}

	if strings.Contains(model, "/") {
		p, ok := fr.paths[model]
		if !ok {
			return nil, fmt.Errorf("unknown project path %s", model)
		}
		fr.recordRoute("path")
		return &ProjectMatch{Project: p, Score: 1.0, Kind: "path"}, nil
	}

	if model != "" && model != "auto" && model != "default" {
		if list, ok := fr.names[model]; ok {
			fr.recordRoute("name")
			return &ProjectMatch{Project: list[0], Score: 1.0, Kind: "name"}, nil
		}
		// Fall through: treat an unknown bare name as a semantic hint.
	}

	prompt := lastUserContent(messages)
	if prompt == "" {
		prompt = model
	}
	if prompt == "" {
		return nil, fmt.Errorf("nothing to route on: empty model and messages")
	}
	return fr.routeSemantic(ctx, prompt)
}

func (fr *FastProjectRouter) routeSemantic(ctx context.Context, prompt string) (*ProjectMatch, error) {
	vec, err := fr.embedder.Embed(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to embed prompt: %w", err)
	}
	sims := embedding.MatVec(fr.matrix, vec)

	boosts := domainBoosts(prompt)
	bestIdx := -1
	bestScore := -1.0
	for i, p := range fr.projects {
		score := float64(sims[i]) + boosts[p.Domain]
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil, fmt.Errorf("no projects loaded")
	}
	fr.recordRoute("semantic")
	match := &ProjectMatch{
		Project:  fr.projects[bestIdx],
		Score:    bestScore,
		Fallback: bestScore < ProjectFallbackScore,
		Kind:     "semantic",
	}
	if match.Fallback {
		log.Printf("[Projects] weak semantic match %s (score=%.2f), flagging fallback",
			match.Project.Path(), match.Score)
	}
	return match, nil
}

// domainBoosts counts keyword hits per domain in the prompt.
func domainBoosts(prompt string) map[string]float64 {
	words := strings.Fields(strings.ToLower(prompt))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[strings.Trim(w, ".,!?;:\"'()")] = true
	}
	boosts := make(map[string]float64, len(domainKeywords))
	for domain, keywords := range domainKeywords {
		hits := 0
		for _, kw := range keywords {
			if seen[kw] {
				hits++
			}
		}
		if hits > 0 {
			boosts[domain] = keywordBoost * float64(hits)
		}
	}
	return boosts
}

// lastUserContent extracts the most recent user turn.
func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

func (fr *FastProjectRouter) recordRoute(kind string) {
	metricProjectRoutes.Add(bgCtx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// sortedPaths is used by the vector cache key.
func sortedPaths(paths []string) []string {
	out := make([]string, len(paths))
	copy(out, paths)
	sort.Strings(out)
	return out
}
