package model

// IngestEnvelope carries one raw log line with source metadata.
// It is the transport contract between log sources and the analysis pipeline.
type IngestEnvelope struct {
	Source string
	Line   string

	// Oversized is set when the source truncated a line that exceeded its
	// maximum line size. Line then holds only the leading bytes.
	Oversized bool
}
