// Package render converts assistant markdown into sanitized HTML with
// class-based syntax highlighting for fenced code.
package render

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	chromastyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

const defaultStyle = "monokai"

// Renderer is safe for concurrent use.
type Renderer struct {
	md        goldmark.Markdown
	policy    *bluemonday.Policy
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

// New builds a renderer using the named chroma style ("" for the default).
func New(styleName string) *Renderer {
	if styleName == "" {
		styleName = defaultStyle
	}
	style := chromastyles.Get(styleName)
	if style == nil {
		style = chromastyles.Fallback
	}
	formatter := chromahtml.New(chromahtml.WithClasses(true))

	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(
				util.Prioritized(&codeBlockRenderer{style: style, formatter: formatter}, 100),
			),
		),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").OnElements("code", "pre", "span")

	return &Renderer{md: md, policy: policy, style: style, formatter: formatter}
}

// Render returns sanitized HTML for markdown.
func (r *Renderer) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return r.policy.Sanitize(buf.String()), nil
}

// WriteCSS writes the stylesheet for the highlight classes.
func (r *Renderer) WriteCSS(w io.Writer) error {
	return r.formatter.WriteCSS(w, r.style)
}

type codeBlockRenderer struct {
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

func (c *codeBlockRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, c.renderFencedCode)
}

func (c *codeBlockRenderer) renderFencedCode(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	block := node.(*ast.FencedCodeBlock)

	var code strings.Builder
	lines := block.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}
	lang := string(block.Language(source))

	if err := c.highlight(w, code.String(), lang); err != nil {
		// plain block when the lexer or formatter gives up
		_, _ = w.WriteString("<pre><code>")
		_, _ = w.WriteString(html.EscapeString(code.String()))
		_, _ = w.WriteString("</code></pre>\n")
	}
	return ast.WalkSkipChildren, nil
}

func (c *codeBlockRenderer) highlight(w io.Writer, code, lang string) error {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := c.formatter.Format(&buf, c.style, iterator); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}
