package folio

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, it replaces the configured provider.
// Uses []float32 (not pgvector.Vector) so external consumers need no
// pgvector dependency. New wraps it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Acquirer fetches the source text of a document. It returns the text and
// the path of any artifact it wrote. Empty text fails the run.
type Acquirer interface {
	Acquire(ctx context.Context, url, documentID string) (text, artifactPath string, err error)
}

// Transformer rewrites text according to a prompt. Drafting and reviewing
// both use it.
type Transformer interface {
	Transform(ctx context.Context, text, prompt string) (string, error)
}

// Checkpointer lets a person approve or replace the candidate text before
// it is committed. rawText is the acquired original, for reference only.
type Checkpointer interface {
	Checkpoint(ctx context.Context, rawText, candidateText, documentID string) (string, error)
}
