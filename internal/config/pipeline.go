package config

import (
	"fmt"
	"time"
)

// Pipeline centralizes every tuning knob of the extraction pipeline.
// One value is built at startup and handed to each component.
type Pipeline struct {
	// Similarity gating (chapter vs rest of corpus).
	SkipSimilarity     float64 `yaml:"skip_similarity" env:"SKIP_SIMILARITY"`
	SemanticSimilarity float64 `yaml:"semantic_similarity" env:"SEMANTIC_SIMILARITY"`
	ConfidenceBoost    float64 `yaml:"confidence_boost" env:"CONFIDENCE_BOOST"`

	// Per-category dedup thresholds, keyed by story category name.
	TypeThresholds   map[string]float64 `yaml:"type_thresholds"`
	DefaultThreshold float64            `yaml:"default_threshold" env:"DEFAULT_THRESHOLD"`
	SemanticDedup    bool               `yaml:"semantic_dedup" env:"SEMANTIC_DEDUP"`

	// Chunker.
	MinChunkTokens        int     `yaml:"min_chunk_tokens" env:"MIN_CHUNK_TOKENS"`
	MaxChunkTokens        int     `yaml:"max_chunk_tokens" env:"MAX_CHUNK_TOKENS"`
	OverlapSentences      int     `yaml:"overlap_sentences" env:"OVERLAP_SENTENCES"`
	TokensPerWord         float64 `yaml:"tokens_per_word"`
	EligibleBoundaryScore float64 `yaml:"eligible_boundary_score"`
	ForceBoundaryScore    float64 `yaml:"force_boundary_score"`
	MaxMarkerWeight       float64 `yaml:"max_marker_weight"`
	EmbeddingDropWeight   float64 `yaml:"embedding_drop_weight"`

	// Embedding.
	EmbeddingDimension int           `yaml:"embedding_dimension"`
	EmbedInterval      time.Duration `yaml:"embed_interval" env:"EMBED_INTERVAL"`

	// Extraction.
	DefaultConfidence  float64       `yaml:"default_confidence"`
	ExtractionInterval time.Duration `yaml:"extraction_interval" env:"EXTRACTION_INTERVAL"`
	MaxBatchTokens     int           `yaml:"max_batch_tokens"`
	MaxAggregateTokens int           `yaml:"max_aggregate_tokens"`
	MaxContextItems    int           `yaml:"max_context_items"`

	// Retry policy for completion and embedding calls.
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RateLimitDelay time.Duration `yaml:"rate_limit_delay"`

	// Jobs.
	StaleJobAfter time.Duration `yaml:"stale_job_after" env:"STALE_JOB_AFTER"`
}

// Category thresholds. Relationships and threads paraphrase less than events do.
var defaultTypeThresholds = map[string]float64{
	"characters":        0.85,
	"relationships":     0.85,
	"timeline_events":   0.75,
	"plot_threads":      0.90,
	"plot_points":       0.80,
	"chapter_summaries": 0.90,
	"world_building":    0.80,
	"themes":            0.80,
}

// DefaultPipeline returns the tuned defaults.
func DefaultPipeline() Pipeline {
	thresholds := make(map[string]float64, len(defaultTypeThresholds))
	for k, v := range defaultTypeThresholds {
		thresholds[k] = v
	}
	return Pipeline{
		SkipSimilarity:     0.90,
		SemanticSimilarity: 0.80,
		ConfidenceBoost:    0.1,

		TypeThresholds:   thresholds,
		DefaultThreshold: 0.80,
		SemanticDedup:    true,

		MinChunkTokens:        100,
		MaxChunkTokens:        2000,
		OverlapSentences:      2,
		TokensPerWord:         1.3,
		EligibleBoundaryScore: 2,
		ForceBoundaryScore:    8,
		MaxMarkerWeight:       10,
		EmbeddingDropWeight:   6,

		EmbeddingDimension: 768,
		EmbedInterval:      100 * time.Millisecond,

		DefaultConfidence:  0.5,
		ExtractionInterval: time.Second,
		MaxBatchTokens:     6000,
		MaxAggregateTokens: 60000,
		MaxContextItems:    50,

		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		RateLimitDelay: 5 * time.Second,

		StaleJobAfter: 5 * time.Minute,
	}
}

// Threshold returns the dedup similarity threshold for a category.
func (p Pipeline) Threshold(category string) float64 {
	if t, ok := p.TypeThresholds[category]; ok && t > 0 {
		return t
	}
	return p.DefaultThreshold
}

// fillDefaults replaces zero values left by a partial YAML file.
func (p *Pipeline) fillDefaults() {
	d := DefaultPipeline()
	if p.TypeThresholds == nil {
		p.TypeThresholds = d.TypeThresholds
	}
	for k, v := range d.TypeThresholds {
		if _, ok := p.TypeThresholds[k]; !ok {
			p.TypeThresholds[k] = v
		}
	}
	setF := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	setI := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setD := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	setF(&p.SkipSimilarity, d.SkipSimilarity)
	setF(&p.SemanticSimilarity, d.SemanticSimilarity)
	setF(&p.ConfidenceBoost, d.ConfidenceBoost)
	setF(&p.DefaultThreshold, d.DefaultThreshold)
	setI(&p.MinChunkTokens, d.MinChunkTokens)
	setI(&p.MaxChunkTokens, d.MaxChunkTokens)
	setF(&p.TokensPerWord, d.TokensPerWord)
	setF(&p.EligibleBoundaryScore, d.EligibleBoundaryScore)
	setF(&p.ForceBoundaryScore, d.ForceBoundaryScore)
	setF(&p.MaxMarkerWeight, d.MaxMarkerWeight)
	setF(&p.EmbeddingDropWeight, d.EmbeddingDropWeight)
	setI(&p.EmbeddingDimension, d.EmbeddingDimension)
	setF(&p.DefaultConfidence, d.DefaultConfidence)
	setI(&p.MaxBatchTokens, d.MaxBatchTokens)
	setI(&p.MaxAggregateTokens, d.MaxAggregateTokens)
	setI(&p.MaxContextItems, d.MaxContextItems)
	setI(&p.MaxRetries, d.MaxRetries)
	setD(&p.InitialBackoff, d.InitialBackoff)
	setD(&p.MaxBackoff, d.MaxBackoff)
	setD(&p.StaleJobAfter, d.StaleJobAfter)
}

// Validate rejects settings the pipeline cannot honor.
func (p Pipeline) Validate() error {
	if p.SemanticSimilarity > p.SkipSimilarity {
		return fmt.Errorf("semantic_similarity (%.2f) must not exceed skip_similarity (%.2f)", p.SemanticSimilarity, p.SkipSimilarity)
	}
	if p.MinChunkTokens <= 0 || p.MaxChunkTokens <= p.MinChunkTokens {
		return fmt.Errorf("chunk token bounds invalid: min=%d max=%d", p.MinChunkTokens, p.MaxChunkTokens)
	}
	if p.OverlapSentences < 0 {
		return fmt.Errorf("overlap_sentences must be >= 0")
	}
	if p.EligibleBoundaryScore > p.ForceBoundaryScore {
		return fmt.Errorf("eligible_boundary_score must not exceed force_boundary_score")
	}
	for k, v := range p.TypeThresholds {
		if v < -1 || v > 1 {
			return fmt.Errorf("type threshold %s out of range: %.2f", k, v)
		}
	}
	if p.DefaultConfidence < 0 || p.DefaultConfidence > 1 {
		return fmt.Errorf("default_confidence out of range: %.2f", p.DefaultConfidence)
	}
	return nil
}
