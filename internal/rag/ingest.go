package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// IngestFile reads path and indexes its contents. Markdown files are
// reduced to plain text before chunking so formatting characters
// don't pollute embeddings; anything else is ingested verbatim.
func (e *Engine) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	content := string(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		content = markdownToPlain(data)
	}

	_, count, err := e.AddDocument(ctx, path, content)
	return count, err
}

// markdownToPlain extracts the readable text from a markdown
// document by walking its parsed AST.
func markdownToPlain(src []byte) string {
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			// Separate blocks so sentences from adjacent paragraphs
			// don't fuse into one.
			if n.Type() == ast.TypeBlock && b.Len() > 0 {
				b.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}

		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteString("\n")
			}
		case *ast.AutoLink:
			b.Write(t.URL(src))
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}
