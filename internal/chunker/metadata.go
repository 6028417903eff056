package chunker

import (
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Metadata is extracted from a chunk for filtering at query time.
type Metadata struct {
	Concepts      []string `json:"concepts,omitempty"`
	Files         []string `json:"files,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	CodeLanguages []string `json:"code_languages,omitempty"`
}

var conceptPatterns = map[string]*regexp.Regexp{
	"testing":         regexp.MustCompile(`(?i)\b(tests?|testing|test cases?|assert\w*|pytest|go test|jest|coverage|mocks?)\b`),
	"debugging":       regexp.MustCompile(`(?i)\b(bug|stack ?trace|panic|exception|traceback|segfault|debug\w*|error)\b`),
	"performance":     regexp.MustCompile(`(?i)\b(performance|latency|throughput|benchmark\w*|profil\w+|memory leak|optimi[sz]\w*)\b`),
	"database":        regexp.MustCompile(`(?i)\b(sql|sqlite|postgres\w*|mysql|migration|schema|query|index(es)?)\b`),
	"deployment":      regexp.MustCompile(`(?i)\b(deploy\w*|docker\w*|kubernetes|k8s|helm|ci/cd|pipeline|release)\b`),
	"version_control": regexp.MustCompile(`(?i)\b(git|commit|branch|merge|rebase|pull request|cherry-pick)\b`),
	"api":             regexp.MustCompile(`(?i)\b(api|endpoint|http|rest|grpc|graphql|webhook)\b`),
	"security":        regexp.MustCompile(`(?i)\b(auth\w*|token|credential|secret|vulnerab\w+|encrypt\w*|permission)\b`),
	"refactoring":     regexp.MustCompile(`(?i)\b(refactor\w*|rename|clean ?up|extract (method|function)|simplif\w+)\b`),
	"configuration":   regexp.MustCompile(`(?i)\b(config\w*|env(ironment)? var\w*|\.env|yaml|toml|settings)\b`),
}

var filePathRe = regexp.MustCompile(`(?:^|[\s"'(\x60])((?:~|\.{1,2})?/?(?:[\w.@-]+/)*[\w@-][\w.@-]*\.(?:go|py|js|ts|tsx|jsx|rs|java|kt|rb|php|c|h|cc|cpp|hpp|cs|swift|md|json|jsonl|yaml|yml|toml|sql|sh|bash|css|scss|html|proto|mod|sum|txt|lock))\b`)

var markdown = goldmark.New()

// ExtractMetadata tags concepts by pattern, collects file references from text
// and tool inputs, and reads code fence languages from the markdown structure.
func ExtractMetadata(chunkText string, tools, files []string) Metadata {
	var md Metadata

	for name, re := range conceptPatterns {
		if re.MatchString(chunkText) {
			md.Concepts = append(md.Concepts, name)
		}
	}

	fileSet := make(map[string]struct{})
	for _, f := range files {
		fileSet[f] = struct{}{}
	}
	for _, m := range filePathRe.FindAllStringSubmatch(chunkText, -1) {
		fileSet[m[1]] = struct{}{}
	}

	langSet := make(map[string]struct{})
	source := []byte(chunkText)
	doc := markdown.Parser().Parse(text.NewReader(source))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			if lang := strings.ToLower(string(node.Language(source))); lang != "" {
				langSet[lang] = struct{}{}
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeSpan:
			// Inline code like `internal/config/config.go`
			span := strings.TrimSpace(codeSpanText(node, source))
			if m := filePathRe.FindStringSubmatch(" " + span); m != nil && m[1] == span {
				fileSet[span] = struct{}{}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	md.Files = sortedKeys(fileSet)
	md.CodeLanguages = sortedKeys(langSet)
	md.Tools = dedupe(tools)
	sort.Strings(md.Concepts)
	return md
}

func codeSpanText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
		}
	}
	return b.String()
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, v := range in {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return sortedKeys(set)
}
