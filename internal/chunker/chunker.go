package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"convo-indexer/internal/transcript"
)

// Chunk is a bounded span of conversation text ready for embedding.
type Chunk struct {
	FileID         string
	Project        string
	ConversationID string
	Seq            int
	Text           string
	Tokens         int
	Roles          []string
	Metadata       Metadata
	FirstTimestamp time.Time
	LastTimestamp  time.Time
}

// Key is the stable identity of the chunk: "<conversation>#<seq>".
func (c Chunk) Key() string {
	return fmt.Sprintf("%s#%d", c.ConversationID, c.Seq)
}

// Config sets the token budget. Budget includes the carried overlap.
type Config struct {
	Budget  int
	Overlap int
}

// Source identifies where chunks come from.
type Source struct {
	FileID         string
	Project        string
	ConversationID string
}

type piece struct {
	text   string // includes leading whitespace
	tokens int
	turn   int // index into turns; -1 for restored overlap
}

type turnInfo struct {
	role      string
	timestamp time.Time
	tools     []string
	files     []string
}

var (
	pieceRe     = regexp.MustCompile(`\s*\S+`)
	paragraphRe = regexp.MustCompile(`\n[ \t]*\n`)
)

// Chunker turns conversation turns into chunks in sequence order. It keeps
// only the unemitted tail in memory, so a file is never held whole.
type Chunker struct {
	cfg       Config
	tok       Tokenizer
	src       Source
	nextSeq   int
	maxPiece  int
	buf       []piece
	bufTokens int
	fresh     int // pieces added since the last emitted chunk
	turns     map[int]turnInfo
	turnID    int
	// tool references seen before any unemitted text to attach them to
	heldTools []string
	heldFiles []string
}

// New creates a chunker that resumes at nextSeq with overlapTail carried in
// front of the next chunk.
func New(cfg Config, tok Tokenizer, src Source, nextSeq int, overlapTail string) *Chunker {
	if cfg.Budget <= 0 {
		cfg.Budget = 400
	}
	if cfg.Overlap < 0 || cfg.Overlap*2 >= cfg.Budget {
		cfg.Overlap = cfg.Budget / 5
	}
	maxPiece := (cfg.Budget - cfg.Overlap) / 2
	if maxPiece < 1 {
		maxPiece = 1
	}
	c := &Chunker{
		cfg:      cfg,
		tok:      tok,
		src:      src,
		nextSeq:  nextSeq,
		maxPiece: maxPiece,
		turns:    make(map[int]turnInfo),
	}
	if tail := strings.TrimSpace(overlapTail); tail != "" {
		for _, p := range c.split(tail, -1) {
			c.buf = append(c.buf, p)
			c.bufTokens += p.tokens
		}
		c.trimOverlap()
	}
	return c
}

// Add appends a conversational turn and returns any chunks that filled up.
// Non-turn entries are ignored.
func (c *Chunker) Add(e transcript.Entry) []Chunk {
	if e.Kind != transcript.KindTurn || strings.TrimSpace(e.Text) == "" {
		return nil
	}

	id := c.turnID
	c.turnID++
	c.turns[id] = turnInfo{
		role:      e.Role,
		timestamp: e.Timestamp,
		tools:     append(c.heldTools, e.Tools...),
		files:     append(c.heldFiles, e.Files...),
	}
	c.heldTools, c.heldFiles = nil, nil

	text := roleLabel(e.Role) + ": " + strings.TrimSpace(e.Text)
	if len(c.buf) > 0 {
		text = "\n\n" + text
	}

	var out []Chunk
	for _, p := range c.split(text, id) {
		c.buf = append(c.buf, p)
		c.bufTokens += p.tokens
		c.fresh++
		for c.bufTokens > c.cfg.Budget {
			out = append(out, c.cut())
		}
	}
	return out
}

// Annotate records the tools and files of a text-less tool call. They are
// attached to the newest unemitted turn, or held for the next one.
func (c *Chunker) Annotate(e transcript.Entry) {
	if len(e.Tools) == 0 && len(e.Files) == 0 {
		return
	}
	if c.fresh > 0 {
		if last := c.buf[len(c.buf)-1].turn; last >= 0 {
			t := c.turns[last]
			t.tools = append(t.tools, e.Tools...)
			t.files = append(t.files, e.Files...)
			c.turns[last] = t
			return
		}
	}
	c.heldTools = append(c.heldTools, e.Tools...)
	c.heldFiles = append(c.heldFiles, e.Files...)
}

// Flush emits whatever new text is buffered as a final, possibly short, chunk.
// The overlap is kept so a later Add continues the conversation.
func (c *Chunker) Flush() []Chunk {
	if c.fresh == 0 || len(c.buf) == 0 {
		return nil
	}
	return []Chunk{c.emit(len(c.buf))}
}

// State returns what must be persisted to resume after the last emitted chunk.
// Only valid right after Flush; unflushed text is not part of it.
func (c *Chunker) State() (nextSeq int, overlapTail string) {
	return c.nextSeq, strings.TrimSpace(joinPieces(c.buf[:len(c.buf)-c.fresh]))
}

// Pending reports whether text has been added since the last emitted chunk.
func (c *Chunker) Pending() bool {
	return c.fresh > 0
}

// cut emits one chunk from the front of an over-budget buffer.
func (c *Chunker) cut() Chunk {
	// prefix[k] is the token count of buf[:k].
	prefix := make([]int, len(c.buf)+1)
	for i, p := range c.buf {
		prefix[i+1] = prefix[i] + p.tokens
	}

	kmax := 0
	for k := 1; k <= len(c.buf); k++ {
		if prefix[k] > c.cfg.Budget {
			break
		}
		kmax = k
	}

	half := c.cfg.Budget / 2
	paragraph, sentence := 0, 0
	for k := kmax; k >= 1 && prefix[k] >= half; k-- {
		if paragraph == 0 && k < len(c.buf) && paragraphRe.MatchString(leadingSpace(c.buf[k].text)) {
			paragraph = k
		}
		if sentence == 0 && endsSentence(c.buf[k-1].text) {
			sentence = k
		}
		if paragraph != 0 {
			break
		}
	}

	k := kmax
	switch {
	case paragraph != 0:
		k = paragraph
	case sentence != 0:
		k = sentence
	}
	return c.emit(k)
}

// emit turns buf[:k] into a chunk and keeps the overlap plus the rest.
func (c *Chunker) emit(k int) Chunk {
	head := c.buf[:k]
	chunk := Chunk{
		FileID:         c.src.FileID,
		Project:        c.src.Project,
		ConversationID: c.src.ConversationID,
		Seq:            c.nextSeq,
		Text:           strings.TrimSpace(joinPieces(head)),
	}
	seen := make(map[int]bool)
	var tools, files []string
	for _, p := range head {
		chunk.Tokens += p.tokens
		if p.turn < 0 || seen[p.turn] {
			continue
		}
		seen[p.turn] = true
		t := c.turns[p.turn]
		chunk.Roles = appendUnique(chunk.Roles, t.role)
		tools = append(tools, t.tools...)
		files = append(files, t.files...)
		if !t.timestamp.IsZero() {
			if chunk.FirstTimestamp.IsZero() || t.timestamp.Before(chunk.FirstTimestamp) {
				chunk.FirstTimestamp = t.timestamp
			}
			if t.timestamp.After(chunk.LastTimestamp) {
				chunk.LastTimestamp = t.timestamp
			}
		}
	}
	chunk.Metadata = ExtractMetadata(chunk.Text, tools, files)
	c.nextSeq++

	// Carry the trailing overlap into the next chunk.
	start, carried := k, 0
	for start > 0 && carried+head[start-1].tokens <= c.cfg.Overlap {
		start--
		carried += head[start].tokens
	}
	rest := make([]piece, 0, k-start+len(c.buf)-k)
	rest = append(rest, c.buf[start:k]...)
	rest = append(rest, c.buf[k:]...)

	// Everything after the cut is unemitted text.
	freshLeft := len(c.buf) - k
	if freshLeft > c.fresh {
		freshLeft = c.fresh
	}
	c.buf = rest
	c.fresh = freshLeft
	c.bufTokens = 0
	for _, p := range c.buf {
		c.bufTokens += p.tokens
	}
	c.pruneTurns()
	return chunk
}

// split breaks text into word pieces, cutting any piece larger than the
// per-piece limit into rune runs.
func (c *Chunker) split(text string, turn int) []piece {
	var out []piece
	for _, m := range pieceRe.FindAllString(text, -1) {
		n := c.tok.Count(m)
		if n <= c.maxPiece {
			out = append(out, piece{text: m, tokens: n, turn: turn})
			continue
		}
		for _, part := range c.splitRunes(m) {
			out = append(out, piece{text: part, tokens: c.tok.Count(part), turn: turn})
		}
	}
	return out
}

func (c *Chunker) splitRunes(s string) []string {
	var parts []string
	for s != "" {
		n := utf8.RuneCountInString(s)
		size := n
		for size > 1 && c.tok.Count(prefixRunes(s, size)) > c.maxPiece {
			size = size * 3 / 4
		}
		head := prefixRunes(s, size)
		parts = append(parts, head)
		s = s[len(head):]
	}
	return parts
}

// trimOverlap drops restored text beyond the overlap budget, oldest first.
func (c *Chunker) trimOverlap() {
	for c.bufTokens > c.cfg.Overlap && len(c.buf) > 0 {
		c.bufTokens -= c.buf[0].tokens
		c.buf = c.buf[1:]
	}
}

func (c *Chunker) pruneTurns() {
	live := make(map[int]bool, len(c.turns))
	for _, p := range c.buf {
		live[p.turn] = true
	}
	for id := range c.turns {
		if !live[id] {
			delete(c.turns, id)
		}
	}
}

func joinPieces(ps []piece) string {
	var b strings.Builder
	for _, p := range ps {
		b.WriteString(p.text)
	}
	return b.String()
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t\r\n"))]
}

func endsSentence(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), `"')]*`+"`")
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "User"
	case "assistant":
		return "Assistant"
	case "":
		return "Unknown"
	default:
		r, size := utf8.DecodeRuneInString(role)
		return string(unicode.ToUpper(r)) + role[size:]
	}
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
