package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

// ChunkerVersion identifies the chunking rules. Bump it when cut or overlap
// behaviour changes so IndexVersion changes with it.
const ChunkerVersion = "v2.0"

// IndexingCoverageStats summarizes what the ledger says has been indexed.
type IndexingCoverageStats struct {
	// FilesProcessed is the number of files with at least one committed pass.
	FilesProcessed int `json:"files_processed"`
	// FilesWith0Chunks is the number of processed files that produced no chunks yet.
	FilesWith0Chunks int `json:"files_with_0_chunks"`
	// ChunksEmbedded is the number of chunks embedded and stored.
	ChunksEmbedded int `json:"chunks_embedded"`
	// Anomalies counts skipped or reset input by kind.
	Anomalies map[string]int `json:"anomalies,omitempty"`
	// ChunkTokenStats contains statistics about token counts per chunk.
	ChunkTokenStats ChunkTokenStats `json:"chunk_token_stats"`
	ChunkerVersion  string          `json:"chunker_version"`
	// IndexVersion is a hash of chunker version, embedding model and chunking params.
	IndexVersion string `json:"index_version"`
}

// ChunkTokenStats contains statistics about token counts in chunks.
type ChunkTokenStats struct {
	Min  int     `json:"min"`
	Max  int     `json:"max"`
	Mean float64 `json:"mean"`
	P95  int     `json:"p95"`
}

// GetIndexingCoverageStats computes coverage statistics from the ledger.
func (p *Pipeline) GetIndexingCoverageStats(ctx context.Context) (*IndexingCoverageStats, error) {
	stats := &IndexingCoverageStats{
		ChunkerVersion: ChunkerVersion,
		IndexVersion:   p.IndexVersion(),
	}

	total, empty, err := p.deps.Chunks.CountFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}
	stats.FilesProcessed = total
	stats.FilesWith0Chunks = empty

	tokenCounts, err := p.deps.Chunks.TokenCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk token counts: %w", err)
	}
	stats.ChunksEmbedded = len(tokenCounts)
	stats.ChunkTokenStats = computeTokenStats(tokenCounts)

	anomalies, err := p.deps.Anomalies.CountsByKind(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count anomalies: %w", err)
	}
	stats.Anomalies = anomalies

	return stats, nil
}

// IndexVersion identifies the index build. Points written under a different
// version were cut or embedded differently.
func (p *Pipeline) IndexVersion() string {
	input := fmt.Sprintf("%s|%s|budget=%d|overlap=%d|tokenizer=%s",
		ChunkerVersion, p.deps.Embedder.Name(), p.opts.Chunking.Budget, p.opts.Chunking.Overlap, p.opts.Tokenizer.Name())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16]
}

// computeTokenStats computes min, max, mean, and p95 from token counts.
func computeTokenStats(tokenCounts []int) ChunkTokenStats {
	if len(tokenCounts) == 0 {
		return ChunkTokenStats{}
	}

	sorted := make([]int, len(tokenCounts))
	copy(sorted, tokenCounts)
	sort.Ints(sorted)

	sum := 0
	for _, count := range tokenCounts {
		sum += count
	}
	mean := float64(sum) / float64(len(tokenCounts))

	p95Index := int(math.Ceil(float64(len(sorted)) * 0.95))
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}

	return ChunkTokenStats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: math.Round(mean*100) / 100,
		P95:  sorted[p95Index],
	}
}
