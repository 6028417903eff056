package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"convo-indexer/internal/chunker"
	"convo-indexer/internal/contextutil"
	"convo-indexer/internal/ledger"
	"convo-indexer/internal/scheduler"
	"convo-indexer/internal/state"
	"convo-indexer/internal/transcript"
	"convo-indexer/internal/vectorstore"
)

// Outcome describes one pass over a file.
type Outcome struct {
	Lines     int64 // complete lines consumed
	Bytes     int64
	Turns     int
	Metadata  int
	ToolCalls int // text-less tool calls folded into nearby turns
	Malformed int
	Oversized int
	Chunks    int   // chunks embedded and stored
	Offset    int64 // committed offset after the pass
	// More is set when the pass stopped at the byte budget with data left.
	More bool
}

// ProcessFile reads the unread tail of one file, stores its chunks and then
// commits the new offset. Nothing is committed if embedding or storage fails.
func (p *Pipeline) ProcessFile(ctx context.Context, item scheduler.WorkItem) (Outcome, error) {
	logger := contextutil.LoggerFromContext(ctx).With("path", item.Path, "tier", item.Tier.String())
	var out Outcome

	if err := p.deps.Monitor.WaitForCapacity(ctx, p.flushOnPressure(ctx)); err != nil {
		return out, err
	}
	if err := p.deps.Monitor.Throttle(ctx); err != nil {
		return out, err
	}

	collection := p.opts.Collections.For(item.Project)

	rec, known := p.deps.Store.Lookup(item.Path)
	if known && item.Reset && rec.Offset > item.Size {
		if err := p.resetFile(ctx, item, rec, collection); err != nil {
			return out, err
		}
		rec, _ = p.deps.Store.Lookup(item.Path)
	}
	if !known {
		rec = state.WatchedFile{
			Path:           item.Path,
			Project:        item.Project,
			ConversationID: item.ConversationID,
		}
	}

	reader, err := transcript.OpenAt(item.Path, rec.Offset, p.opts.MaxLineBytes)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.InfoContext(ctx, "file disappeared before processing")
			return out, nil
		}
		return out, err
	}
	defer reader.Close()

	ck := chunker.New(p.opts.Chunking, p.opts.Tokenizer, chunker.Source{
		FileID:         item.Path,
		Project:        rec.Project,
		ConversationID: rec.ConversationID,
	}, rec.NextSeq, rec.OverlapTail)

	// Storage runs on a context that survives shutdown for the grace period so
	// a batch that has started is not abandoned between embed and upsert.
	sctx, cancel := detach(ctx, p.opts.ShutdownGrace)
	defer cancel()

	var pending []chunker.Chunk
	// drained is set once the reader reaches the end of complete lines.
	drained := false
	flush := func() error {
		for len(pending) > 0 {
			n := min(len(pending), p.opts.EmbedBatchSize)
			if err := p.storeBatch(sctx, collection, pending[:n]); err != nil {
				return err
			}
			out.Chunks += n
			pending = pending[n:]
		}
		return nil
	}

	for {
		if ctx.Err() != nil {
			break
		}
		if out.Bytes >= p.opts.MaxBytesPerPass {
			out.More = reader.Offset() < item.Size
			break
		}

		line, err := reader.Next()
		if errors.Is(err, io.EOF) {
			drained = true
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read %s: %w", item.Path, err)
		}
		out.Lines++
		out.Bytes += line.Size
		lineNo := rec.Lines + reader.Lines()

		if line.Oversized {
			out.Oversized++
			p.counters.oversized.Add(1)
			p.anomaly(ctx, ledger.AnomalyOversizedLine, item.Path, fmt.Sprintf("line %d: %d bytes", lineNo, line.Size))
			continue
		}

		entry := transcript.Parse(line.Data)
		switch entry.Kind {
		case transcript.KindMalformed:
			out.Malformed++
			p.counters.malformed.Add(1)
			p.anomaly(ctx, ledger.AnomalyMalformedLine, item.Path, fmt.Sprintf("line %d: %v", lineNo, entry.Err))
			continue
		case transcript.KindMetadata:
			out.Metadata++
			p.counters.metadata.Add(1)
			continue
		case transcript.KindToolUse:
			out.ToolCalls++
			ck.Annotate(entry)
			continue
		}
		out.Turns++

		pending = append(pending, ck.Add(entry)...)
		if len(pending) >= p.opts.EmbedBatchSize {
			if err := flush(); err != nil {
				return out, err
			}
			if err := p.deps.Monitor.Throttle(ctx); err != nil {
				break
			}
		}
	}

	pending = append(pending, ck.Flush()...)
	if err := flush(); err != nil {
		return out, err
	}

	nextSeq, tail := ck.State()
	now := p.now()
	committed := state.WatchedFile{
		Path:           item.Path,
		Project:        rec.Project,
		ConversationID: rec.ConversationID,
		Offset:         reader.Offset(),
		Lines:          rec.Lines + reader.Lines(),
		Size:           max(item.Size, reader.Offset()),
		ModTime:        item.ModTime,
		NextSeq:        nextSeq,
		OverlapTail:    tail,
		LastIndexedAt:  now,
		Partial:        !drained,
	}
	if err := p.deps.Store.Commit(committed); err != nil {
		return out, err
	}
	if err := p.saveState(sctx); err != nil {
		return out, err
	}
	if err := p.deps.Chunks.RecordFile(sctx, &ledger.FileRecord{
		Path:           committed.Path,
		Project:        committed.Project,
		ConversationID: committed.ConversationID,
		Offset:         committed.Offset,
		Lines:          committed.Lines,
		LastIndexedAt:  now,
	}); err != nil {
		logger.WarnContext(ctx, "failed to record file in ledger", "error", err)
	}

	out.Offset = committed.Offset
	p.counters.filesProcessed.Add(1)
	p.counters.linesRead.Add(out.Lines)

	logger.InfoContext(ctx, "file processed",
		"lines", out.Lines,
		"turns", out.Turns,
		"metadata", out.Metadata,
		"tool_calls", out.ToolCalls,
		"malformed", out.Malformed,
		"oversized", out.Oversized,
		"chunks", out.Chunks,
		"offset", out.Offset,
		"more", out.More,
	)
	return out, nil
}

// storeBatch embeds chunks and writes them. Chunks are stored in sequence order.
func (p *Pipeline) storeBatch(ctx context.Context, collection string, chunks []chunker.Chunk) error {
	path := chunks[0].FileID
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	vecs, err := p.deps.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		p.anomaly(ctx, ledger.AnomalyEmbedFailed, path, err.Error())
		return fmt.Errorf("failed to embed %d chunks: %w", len(chunks), err)
	}

	now := p.now()
	points := make([]vectorstore.Point, len(chunks))
	records := make([]ledger.ChunkRecord, len(chunks))
	for i, ch := range chunks {
		id := vectorstore.PointID(ch.Key())
		points[i] = vectorstore.Point{
			ID:   id,
			Vec:  vecs[i],
			Meta: p.payload(ch, now),
		}
		records[i] = ledger.ChunkRecord{
			Key:            ch.Key(),
			ConversationID: ch.ConversationID,
			Project:        ch.Project,
			FilePath:       ch.FileID,
			Seq:            ch.Seq,
			Tokens:         ch.Tokens,
			Collection:     collection,
			PointID:        id,
			IndexedAt:      now,
		}
	}

	if err := p.deps.Writer.Upsert(ctx, collection, points); err != nil {
		p.anomaly(ctx, ledger.AnomalyStoreFailed, path, err.Error())
		return fmt.Errorf("failed to store %d chunks: %w", len(chunks), err)
	}
	p.counters.chunksStored.Add(int64(len(chunks)))

	if err := p.deps.Chunks.RecordChunks(ctx, records); err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to record chunks in ledger", "path", path, "error", err)
	}
	return nil
}

// payload is what the query side filters and ranks on.
func (p *Pipeline) payload(ch chunker.Chunk, now time.Time) map[string]any {
	return map[string]any{
		"chunk_key":       ch.Key(),
		"conversation_id": ch.ConversationID,
		"project":         ch.Project,
		"seq":             ch.Seq,
		"file_path":       ch.FileID,
		"text":            ch.Text,
		"tokens":          ch.Tokens,
		"roles":           ch.Roles,
		"concepts":        ch.Metadata.Concepts,
		"files":           ch.Metadata.Files,
		"tools":           ch.Metadata.Tools,
		"code_languages":  ch.Metadata.CodeLanguages,
		"first_timestamp": ch.FirstTimestamp,
		"last_timestamp":  ch.LastTimestamp,
		"indexed_at":      now,
		"embedding_model": p.deps.Embedder.Name(),
	}
}

// resetFile drops what was indexed from a file that shrank and rewinds it.
// Points go first so a crash in between leaves a record that still resets.
func (p *Pipeline) resetFile(ctx context.Context, item scheduler.WorkItem, rec state.WatchedFile, collection string) error {
	if err := p.deps.Writer.ResetConversation(ctx, collection, rec.ConversationID, 0); err != nil {
		return fmt.Errorf("failed to drop points of truncated file: %w", err)
	}
	p.deps.Store.Reset(item.Path, item.Size, item.ModTime)
	if err := p.deps.Chunks.DeleteConversationFrom(ctx, rec.ConversationID, 0); err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to drop ledger chunks", "path", item.Path, "error", err)
	}
	p.counters.truncations.Add(1)
	p.anomaly(ctx, ledger.AnomalyTruncated, item.Path, fmt.Sprintf("size %d below offset %d", item.Size, rec.Offset))
	return p.saveState(ctx)
}
