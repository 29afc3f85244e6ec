// Package htmlrewrite appends markup to the head and body of an HTML
// document in a single streaming pass.
package htmlrewrite

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Point names an insertion point.
type Point string

const (
	Head Point = "head"
	Body Point = "body"
)

// Pipeline appends fixed markup as the last children of <head> and <body>.
// Markup is written raw, without escaping. A Pipeline is immutable and safe
// for concurrent use.
type Pipeline struct {
	head     []byte
	body     []byte
	onInject func(Point)
}

// New returns a Pipeline appending head and body. onInject, when non-nil, is
// called after markup is written at a point.
func New(head, body []byte, onInject func(Point)) *Pipeline {
	return &Pipeline{head: head, body: body, onInject: onInject}
}

// Transform copies the document from r to w, appending the head markup just
// before the end of <head> and the body markup just before the end of <body>.
// Each original token is written byte for byte. When a document omits the
// closing tags, head markup goes in front of the <body> start tag and body
// markup goes at the end of the stream.
//
// Transform flushes w after the head markup when w is an http.Flusher, so the
// client sees the styled head before the rest of the document arrives.
func (p *Pipeline) Transform(w io.Writer, r io.Reader) error {
	z := html.NewTokenizer(r)
	var headDone, bodyOpen, bodyDone bool

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return fmt.Errorf("tokenize: %w", err)
			}
			break
		}

		raw := z.Raw()
		if tt == html.StartTagToken || tt == html.EndTagToken {
			// TagName lower-cases the tokenizer buffer in place.
			raw = append([]byte(nil), raw...)
		}
		switch tt {
		case html.StartTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Body {
				if !headDone {
					if err := p.inject(w, Head); err != nil {
						return err
					}
					headDone = true
				}
				bodyOpen = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Head:
				if !headDone {
					if err := p.inject(w, Head); err != nil {
						return err
					}
					headDone = true
				}
			case atom.Body:
				if !bodyDone {
					if err := p.inject(w, Body); err != nil {
						return err
					}
					bodyDone = true
				}
			}
		}

		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}

	if bodyOpen && !bodyDone {
		if err := p.inject(w, Body); err != nil {
			return err
		}
	}

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (p *Pipeline) inject(w io.Writer, at Point) error {
	markup := p.body
	if at == Head {
		markup = p.head
	}
	if _, err := w.Write(markup); err != nil {
		return fmt.Errorf("inject %s: %w", at, err)
	}
	if p.onInject != nil {
		p.onInject(at)
	}
	if at == Head {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	return nil
}
