// Package rag implements hybrid retrieval over the curated MIMIC-IV
// corpora: dense vector search (Qdrant or an embedded store) merged with
// BM25 and lexical overlap, plus the token-budgeted context builder that
// feeds the SQL agents.
package rag

import "strings"

// Tokenize splits text into lowercase ASCII-alphanumeric runs and CJK runs.
// Each CJK run of three or more characters additionally emits character
// bigrams so short Korean queries ("폐렴") still match longer compounds
// ("폐렴환자"). Everything else is a separator.
func Tokenize(s string) []string {
	var tokens []string
	var ascii, cjk []rune

	flushASCII := func() {
		if len(ascii) > 0 {
			tokens = append(tokens, string(ascii))
			ascii = ascii[:0]
		}
	}
	flushCJK := func() {
		if len(cjk) == 0 {
			return
		}
		tokens = append(tokens, string(cjk))
		if len(cjk) > 2 {
			for i := 0; i+1 < len(cjk); i++ {
				tokens = append(tokens, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range strings.ToLower(s) {
		switch {
		case isASCIIAlnum(r):
			flushCJK()
			ascii = append(ascii, r)
		case isCJK(r):
			flushASCII()
			cjk = append(cjk, r)
		default:
			flushASCII()
			flushCJK()
		}
	}
	flushASCII()
	flushCJK()
	return tokens
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// isCJK covers Hangul syllables and jamo, CJK unified ideographs, and the
// Japanese kana blocks.
func isCJK(r rune) bool {
	switch {
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul syllables
		return true
	case r >= 0x1100 && r <= 0x11FF: // Hangul jamo
		return true
	case r >= 0x3130 && r <= 0x318F: // Hangul compatibility jamo
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana + Katakana
		return true
	}
	return false
}

// Overlap returns |query ∩ doc| / |query| over unique query tokens. Zero
// when the query has no tokens.
func Overlap(queryTokens, docTokens []string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	docSet := make(map[string]struct{}, len(docTokens))
	for _, t := range docTokens {
		docSet[t] = struct{}{}
	}
	unique := make(map[string]struct{}, len(queryTokens))
	hits := 0
	for _, t := range queryTokens {
		if _, seen := unique[t]; seen {
			continue
		}
		unique[t] = struct{}{}
		if _, ok := docSet[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(unique))
}
