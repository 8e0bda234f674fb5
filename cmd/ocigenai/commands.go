package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acedergren/ocigenai/pkg/audio"
	"github.com/acedergren/ocigenai/pkg/provider/embeddings"
	"github.com/acedergren/ocigenai/pkg/provider/llm"
	"github.com/acedergren/ocigenai/pkg/provider/rerank"
	"github.com/acedergren/ocigenai/pkg/provider/stt"
	"github.com/acedergren/ocigenai/pkg/rag"
	"github.com/acedergren/ocigenai/pkg/realtime"
)

// audioChunk is how much audio each SendAudio call carries.
const audioChunk = 100 * time.Millisecond

// ── chat ─────────────────────────────────────────────────────────────────────

func runChat(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	system := fs.String("system", "", "system prompt")
	maxTokens := fs.Int("max-tokens", 0, "completion token limit (0 = backend default)")
	temperature := fs.Float64("temperature", 0, "sampling temperature (0 = backend default)")
	noStream := fs.Bool("no-stream", false, "wait for the complete reply instead of streaming")
	reasoning := fs.Bool("reasoning", false, "print reasoning deltas to stderr")
	raw := fs.Bool("raw", false, "print every raw stream payload to stderr")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	prompt, err := argsOrStdin(fs.Args())
	if err != nil {
		return err
	}
	if prompt == "" {
		return usagef("a prompt is required")
	}

	provider, err := e.chat()
	if err != nil {
		return err
	}
	req := llm.Request{
		SystemPrompt: *system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:    *maxTokens,
		Temperature:  *temperature,
		IncludeRaw:   *raw,
	}

	if *noStream {
		resp, err := provider.Generate(ctx, req)
		if err != nil {
			return err
		}
		if *reasoning && resp.Reasoning != "" {
			fmt.Fprintln(os.Stderr, resp.Reasoning)
		}
		fmt.Println(resp.Content)
		for _, tc := range resp.ToolCalls {
			fmt.Fprintf(os.Stderr, "tool call %s: %s(%s)\n", tc.ID, tc.Name, tc.Arguments)
		}
		e.log.Info("chat complete", "finish", resp.FinishReason, "total_tokens", resp.Usage.Total())
		return nil
	}

	s, err := provider.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer s.Close()
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for s.Next() {
		switch p := s.Part().(type) {
		case llm.TextDelta:
			out.WriteString(p.Text)
			out.Flush()
		case llm.ReasoningDelta:
			if *reasoning {
				fmt.Fprint(os.Stderr, p.Text)
			}
		case llm.ToolCallPart:
			fmt.Fprintf(os.Stderr, "\ntool call %s: %s(%s)\n", p.ToolCall.ID, p.ToolCall.Name, p.ToolCall.Arguments)
		case llm.Finish:
			e.log.Info("chat complete", "finish", p.Reason, "raw_finish", p.RawReason, "total_tokens", p.Usage.Total())
		case llm.Raw:
			fmt.Fprintf(os.Stderr, "raw: %s\n", p.Data)
		}
	}
	out.WriteString("\n")
	return s.Err()
}

// ── transcribe ───────────────────────────────────────────────────────────────

func runTranscribe(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	input := fs.String("file", "-", "WAV or raw audio file, or - for stdin")
	rate := fs.Int("rate", 0, "PCM sample rate, 8000 or 16000 (0 = configured encoding)")
	language := fs.String("language", "", "override realtime.language")
	partials := fs.Bool("partials", false, "print partial results to stderr")
	pace := fs.Bool("pace", false, "send audio at real-time speed")
	var vocab stringList
	fs.Var(&vocab, "vocabulary", "custom vocabulary OCID (repeatable)")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}

	settings := e.cfg.RealtimeSettings()
	bytesPerSecond := settings.BytesPerSecond()
	if *rate != 0 {
		bytesPerSecond = *rate * 2
	}

	in, err := openInput(*input)
	if err != nil {
		return err
	}
	defer in.Close()

	br := bufio.NewReader(in)
	var src io.Reader = br
	if audio.IsWAV(br) {
		f, err := audio.ReadWAVHeader(br)
		if err != nil {
			return err
		}
		if *rate == 0 {
			switch settings.Encoding {
			case realtime.EncodingPCM16k:
				*rate = 16000
			case realtime.EncodingPCM8k:
				*rate = 8000
			default:
				return usagef("WAV input needs a PCM encoding, configured %q", settings.Encoding)
			}
		}
		if src, err = audio.NewReader(br, f, *rate, e.log); err != nil {
			return err
		}
		bytesPerSecond = *rate * 2
	}

	provider, err := e.transcriber(settings)
	if err != nil {
		return err
	}
	sc := stt.StreamConfig{SampleRate: *rate, Channels: 1, Language: *language}
	for _, id := range vocab {
		sc.Vocabularies = append(sc.Vocabularies, stt.Vocabulary{ID: id})
	}
	h, err := provider.StartStream(ctx, sc)
	if err != nil {
		return err
	}
	defer h.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := pumpAudio(gctx, src, h, bytesPerSecond*int(audioChunk/time.Millisecond)/1000, *pace)
		// Close flushes the last final result and ends both channels.
		if cerr := h.Close(); err == nil {
			err = cerr
		}
		return err
	})
	g.Go(func() error {
		return printTranscripts(gctx, h, *partials)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := h.Err(); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		return err
	}
	return nil
}

func pumpAudio(ctx context.Context, r io.Reader, h stt.SessionHandle, chunkSize int, pace bool) error {
	buf := make([]byte, chunkSize)
	var tick <-chan time.Time
	if pace {
		t := time.NewTicker(audioChunk)
		defer t.Stop()
		tick = t.C
	}
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if serr := h.SendAudio(buf[:n]); serr != nil {
				return fmt.Errorf("transcribe: send audio: %w", serr)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transcribe: read audio: %w", err)
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func printTranscripts(ctx context.Context, h stt.SessionHandle, showPartials bool) error {
	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if showPartials {
				fmt.Fprintf(os.Stderr, "… %s\n", t.Text)
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			fmt.Printf("[%s] %s\n", t.Timestamp.Round(time.Millisecond), t.Text)
		}
	}
	return nil
}

// ── embed ────────────────────────────────────────────────────────────────────

func runEmbed(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	query := fs.Bool("query", false, "embed inputs as search queries")
	compat := fs.Bool("compat", false, "use the OpenAI-compatible endpoint")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	texts, err := argsOrLines(fs.Args())
	if err != nil {
		return err
	}
	if len(texts) == 0 {
		return usagef("at least one input is required")
	}

	p, err := e.embedder(*compat)
	if err != nil {
		return err
	}
	var vecs [][]float32
	if *query {
		for _, t := range texts {
			v, err := embeddings.EmbedQuery(ctx, p, t)
			if err != nil {
				return err
			}
			vecs = append(vecs, v)
		}
	} else if vecs, err = embeddings.EmbedAll(ctx, p, texts); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for i, v := range vecs {
		if err := enc.Encode(struct {
			Text      string    `json:"text"`
			Embedding []float32 `json:"embedding"`
		}{texts[i], v}); err != nil {
			return err
		}
	}
	e.log.Info("embedded", "model", p.ModelID(), "inputs", len(texts), "dimensions", p.Dimensions(),
		"estimated_tokens", embeddings.EstimateTokens(texts))
	return nil
}

// ── rerank ───────────────────────────────────────────────────────────────────

func runRerank(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("rerank", flag.ContinueOnError)
	query := fs.String("query", "", "query to rank documents against")
	top := fs.Int("top", 0, "return only the N best documents (0 = all)")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	docs, err := argsOrLines(fs.Args())
	if err != nil {
		return err
	}
	req := rerank.Request{Query: *query, Documents: docs, TopN: *top}
	if err := req.Validate(); err != nil {
		return usagef("%v", err)
	}

	p, err := e.reranker()
	if err != nil {
		return err
	}
	results, err := p.Rerank(ctx, req)
	if err != nil {
		return err
	}
	for i, r := range results {
		fmt.Printf("%d\t%.4f\t%d\t%s\n", i+1, r.Score, r.Index, docs[r.Index])
	}
	return nil
}

// ── rag ──────────────────────────────────────────────────────────────────────

func runRAGIndex(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("rag-index", flag.ContinueOnError)
	replace := fs.Bool("replace", true, "delete existing chunks of each file before indexing")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	if fs.NArg() == 0 {
		return usagef("at least one file is required")
	}

	ix, err := e.index(ctx)
	if err != nil {
		return err
	}
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if *replace {
			if _, err := ix.DeleteSource(ctx, path); err != nil {
				return err
			}
		}
		docs := rag.Split(path, string(data), e.cfg.RAG.ChunkSize, e.cfg.RAG.ChunkOverlap)
		if err := ix.Add(ctx, docs); err != nil {
			return fmt.Errorf("index %s: %w", path, err)
		}
		e.log.Info("indexed", "source", path, "chunks", len(docs))
	}
	return nil
}

func runRAGQuery(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("rag-query", flag.ContinueOnError)
	top := fs.Int("top", 5, "number of results")
	source := fs.String("source", "", "restrict results to one source")
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	query, err := argsOrStdin(fs.Args())
	if err != nil {
		return err
	}
	if query == "" {
		return usagef("a query is required")
	}

	ix, err := e.index(ctx)
	if err != nil {
		return err
	}
	matches, err := ix.Query(ctx, query, *top, rag.Filter{Source: *source})
	if err != nil {
		return err
	}
	for i, m := range matches {
		score := fmt.Sprintf("distance=%.4f", m.Distance)
		if m.Reranked {
			score = fmt.Sprintf("score=%.4f", m.Score)
		}
		fmt.Printf("%d. %s (%s)\n%s\n\n", i+1, m.Chunk.ID, score, m.Chunk.Content)
	}
	return nil
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// argsOrStdin joins args with spaces, or reads all of stdin when args is
// empty.
func argsOrStdin(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// argsOrLines returns args, or the non-blank lines of stdin when args is
// empty.
func argsOrLines(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	return readLines(os.Stdin)
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
