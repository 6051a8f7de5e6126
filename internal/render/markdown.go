// Package render turns assistant markdown into sanitized HTML.
package render

import (
	"bytes"
	"log"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Renderer is safe for concurrent use.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
	pool   sync.Pool
}

func New() *Renderer {
	policy := bluemonday.UGCPolicy()
	// keep fenced-code language hints for client side highlighting
	policy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre")
	return &Renderer{
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy: policy,
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// HTML renders src; raw HTML in the input is stripped by the policy.
func (r *Renderer) HTML(src string) string {
	if src == "" {
		return ""
	}
	buf := r.pool.Get().(*bytes.Buffer)
	buf.Reset()
	defer r.pool.Put(buf)

	if err := r.md.Convert([]byte(src), buf); err != nil {
		log.Printf("render markdown failed: %v", err)
		return r.policy.Sanitize(src)
	}
	return string(r.policy.SanitizeBytes(buf.Bytes()))
}
