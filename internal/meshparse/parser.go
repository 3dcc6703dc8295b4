// Package meshparse recognises Wavefront OBJ blocks embedded in a live
// token stream. The parser runs one token per step with a four-token
// backtrack window, so blocks are identified while generation is still in
// flight; the actual prose/mesh split happens once, after the stream ends.
package meshparse

import (
	"encoding/json"
	"strings"
)

// starterLexemes are the line-leading keywords of the OBJ format. A token
// whose trimmed content equals one of these can open a mesh block.
var starterLexemes = map[string]struct{}{
	"v":      {},
	"vt":     {},
	"vn":     {},
	"f":      {},
	"g":      {},
	"o":      {},
	"mtllib": {},
	"s":      {},
	"usemtl": {},
	"#":      {},
}

// backtrackWindow is how many trailing tokens the parser retains. Four is
// exactly enough to recognise the fenced prefix ["```", "obj", "\n", starter].
const backtrackWindow = 4

// OutputIndexes locates one mesh block inside a token stream. ObjStart and
// ObjEnd bound the mesh content itself; ExcludeStart and ExcludeEnd bound
// the wider range removed from the prose, which additionally covers the
// fence markers when the block was fenced. All four are token offsets;
// start bounds are inclusive, end bounds exclusive.
type OutputIndexes struct {
	ObjStart     int
	ObjEnd       int
	ExcludeStart int
	ExcludeEnd   int
}

// MarshalJSON encodes the record as the wire 4-tuple
// [obj_start, obj_end, exclude_start, exclude_end].
func (oi OutputIndexes) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{oi.ObjStart, oi.ObjEnd, oi.ExcludeStart, oi.ExcludeEnd})
}

// UnmarshalJSON decodes the 4-tuple form produced by MarshalJSON.
func (oi *OutputIndexes) UnmarshalJSON(data []byte) error {
	var tuple [4]int
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	oi.ObjStart, oi.ObjEnd, oi.ExcludeStart, oi.ExcludeEnd = tuple[0], tuple[1], tuple[2], tuple[3]
	return nil
}

// Parser consumes a token stream one token at a time and records the index
// ranges of embedded mesh blocks.
//
// A block opens on any starter token while no block is open; it opens as
// fenced when the three preceding tokens are exactly "```", "obj", "\n". A
// block closes when the previous token ended with a newline and the current
// token is not mesh content (starter or whitespace). Blocks still open at
// end-of-stream are closed by Finish.
//
// Parser is not safe for concurrent use. Each stream gets its own instance.
type Parser struct {
	window  []string
	counter int

	open         bool
	objStart     int
	excludeStart int

	records []OutputIndexes
}

// NewParser returns a parser positioned before the first token.
func NewParser() *Parser {
	return &Parser{window: make([]string, 0, backtrackWindow)}
}

// Process advances the parser by one token.
func (p *Parser) Process(token string) {
	p.push(token)

	switch {
	case !p.open && isStarter(token):
		p.open = true
		p.objStart = p.counter
		if p.back(4) == "```" && p.back(3) == "obj" && p.back(2) == "\n" {
			p.excludeStart = p.counter - 3
		} else {
			p.excludeStart = p.counter
		}

	case p.open && strings.HasSuffix(p.back(2), "\n") && !isMeshContent(token):
		excludeEnd := p.counter
		if token == "```" {
			// Swallow the closing fence and the newline that follows it.
			excludeEnd = p.counter + 2
		}
		p.commit(p.counter, excludeEnd)
	}

	p.counter++
}

// Finish closes any block still open at end-of-stream and returns the
// completed records in stream order. The returned slice aliases parser
// state; callers must not retain it across Reset.
func (p *Parser) Finish() []OutputIndexes {
	if p.open {
		p.commit(p.counter, p.counter)
	}
	return p.records
}

// TokenCount reports how many tokens have been processed.
func (p *Parser) TokenCount() int {
	return p.counter
}

// Reset returns the parser to its initial state so it can run another
// stream.
func (p *Parser) Reset() {
	p.window = p.window[:0]
	p.counter = 0
	p.open = false
	p.objStart = 0
	p.excludeStart = 0
	p.records = nil
}

func (p *Parser) commit(objEnd, excludeEnd int) {
	p.records = append(p.records, OutputIndexes{
		ObjStart:     p.objStart,
		ObjEnd:       objEnd,
		ExcludeStart: p.excludeStart,
		ExcludeEnd:   excludeEnd,
	})
	p.open = false
	p.objStart = 0
	p.excludeStart = 0
}

func (p *Parser) push(token string) {
	if len(p.window) == backtrackWindow {
		copy(p.window, p.window[1:])
		p.window[backtrackWindow-1] = token
		return
	}
	p.window = append(p.window, token)
}

// back returns the i-th most recent token, 1 being the token just pushed.
// Returns "" while the window has not filled that far.
func (p *Parser) back(i int) string {
	if i > len(p.window) {
		return ""
	}
	return p.window[len(p.window)-i]
}

func isStarter(token string) bool {
	t := strings.TrimSpace(token)
	if t == "" {
		return false
	}
	_, ok := starterLexemes[t]
	return ok
}

// isMeshContent reports whether a token may appear inside an open block
// without closing it. Whitespace-only tokens count as content since OBJ
// documents allow blank lines.
func isMeshContent(token string) bool {
	t := strings.TrimSpace(token)
	if t == "" {
		return true
	}
	_, ok := starterLexemes[t]
	return ok
}

// Extracted is the post-stream split of a token sequence: the prose that
// remains after every exclude range is cut, and one document per mesh
// block.
type Extracted struct {
	MessageContent string
	ObjContents    []string
}

// Extract splits the full token list using the completed index records.
// Ranges are clamped to the token list; ExcludeEnd may point past the end
// when the closing fence was the stream's final token.
func Extract(tokens []string, records []OutputIndexes) Extracted {
	var msg strings.Builder
	objs := make([]string, 0, len(records))

	next := 0
	for _, r := range records {
		writeRange(&msg, tokens, next, r.ExcludeStart)

		var obj strings.Builder
		writeRange(&obj, tokens, r.ObjStart, r.ObjEnd)
		objs = append(objs, obj.String())

		next = r.ExcludeEnd
	}
	writeRange(&msg, tokens, next, len(tokens))

	return Extracted{MessageContent: msg.String(), ObjContents: objs}
}

func writeRange(b *strings.Builder, tokens []string, from, to int) {
	if from < 0 {
		from = 0
	}
	if to > len(tokens) {
		to = len(tokens)
	}
	for i := from; i < to; i++ {
		b.WriteString(tokens[i])
	}
}
