package search

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/portfolio-rag/backend/pkg/logger"
)

const maxKeywords = 12

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "been": true,
	"but": true, "by": true, "can": true, "could": true, "did": true, "do": true, "does": true,
	"for": true, "from": true, "get": true, "got": true, "had": true, "has": true, "have": true,
	"how": true, "i": true, "in": true, "is": true, "it": true, "its": true, "me": true, "my": true,
	"of": true, "on": true, "or": true, "our": true, "please": true, "so": true, "tell": true,
	"that": true, "the": true, "their": true, "them": true, "there": true, "these": true,
	"this": true, "those": true, "to": true, "us": true, "use": true, "used": true, "using": true,
	"was": true, "we": true, "were": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "will": true, "with": true, "would": true, "you": true, "your": true,
	"about": true, "any": true, "some": true, "show": true, "give": true, "know": true,
}

// ExtractKeywords reduces a visitor question to the lowercase content words
// worth matching against the corpus: nouns, verbs, adjectives and numbers,
// minus stop words, in order of first appearance.
func ExtractKeywords(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	doc, err := prose.NewDocument(query,
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		logger.Warn("Tagging query failed, using plain tokens", zap.Error(err))
		return plainKeywords(query)
	}

	var keywords []string
	seen := make(map[string]bool)
	for _, tok := range doc.Tokens() {
		if !contentTag(tok.Tag) {
			continue
		}
		keywords = appendKeyword(keywords, seen, tok.Text)
		if len(keywords) == maxKeywords {
			break
		}
	}
	if len(keywords) == 0 {
		return plainKeywords(query)
	}
	return keywords
}

func contentTag(tag string) bool {
	switch {
	case strings.HasPrefix(tag, "NN"), strings.HasPrefix(tag, "VB"), strings.HasPrefix(tag, "JJ"):
		return true
	case tag == "CD", tag == "FW":
		return true
	}
	return false
}

func plainKeywords(query string) []string {
	var keywords []string
	seen := make(map[string]bool)
	for _, word := range strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#' && r != '.'
	}) {
		keywords = appendKeyword(keywords, seen, word)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}

func appendKeyword(keywords []string, seen map[string]bool, word string) []string {
	word = strings.ToLower(strings.Trim(word, ".,;:!?'\"()[]{}"))
	if len([]rune(word)) < 2 || stopWords[word] || seen[word] {
		return keywords
	}
	if !strings.ContainsFunc(word, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
		return keywords
	}
	seen[word] = true
	return append(keywords, word)
}
