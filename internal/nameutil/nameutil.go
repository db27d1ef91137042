// Package nameutil normalizes counterparty and person names extracted from
// OCR text and CRM fields so they can be compared across scripts and widths.
//
// Two different strictness levels exist on purpose. Company matching for
// reconciliation is forgiving: bank statements carry katakana payer names,
// truncated forms, and legal-entity abbreviations, and all of that noise has
// to be ignored. Person matching for adverse-media review is strict: only
// width and whitespace are normalized, so names differing by a single kanji
// never compare equal.
package nameutil

import (
	"strings"

	"golang.org/x/text/width"
)

// legalSuffixes are legal-entity markers stripped before company comparison.
// Bank statements abbreviate these to katakana fragments like カ) and ユ).
var legalSuffixes = []string{
	"株式会社",
	"有限会社",
	"合同会社",
	"合資会社",
	"合名会社",
	"一般社団法人",
	"一般財団法人",
	"㈱",
	"㈲",
	"(株)",
	"(有)",
	"(同)",
	"カブシキガイシャ",
	"ユウゲンガイシャ",
	"カ)",
	"ユ)",
	"ド)",
	"シヤ)",
	"(カ",
	"(ユ",
	"(ド",
	"CO.,LTD.",
	"CO.,LTD",
	"CO.LTD",
	"INC.",
	"INC",
	"LTD.",
	"LTD",
	"K.K.",
	"LLC",
}

// NormalizeCompany reduces a company name to its comparison form: width
// folded, uppercased, whitespace and separator runes removed, legal-entity
// markers stripped from both ends, hiragana folded to katakana.
func NormalizeCompany(name string) string {
	s := fold(name)
	s = strings.ToUpper(s)
	s = stripSeparators(s)
	s = hiraganaToKatakana(s)

	// Entity markers can appear as prefix (bank statements) or suffix
	// (registry documents). Strip repeatedly: "カ)" wrapping "(株)" forms
	// show up in OCR output.
	for changed := true; changed; {
		changed = false
		for _, suf := range legalSuffixes {
			marker := stripSeparators(strings.ToUpper(fold(suf)))
			if marker == "" {
				continue
			}
			if strings.HasPrefix(s, marker) {
				s = s[len(marker):]
				changed = true
			}
			if strings.HasSuffix(s, marker) {
				s = s[:len(s)-len(marker)]
				changed = true
			}
		}
	}

	return s
}

// SameCompany reports whether two raw company names refer to the same
// counterparty. Truncation from OCR or bank-statement field limits is
// tolerated: a normalized name that is a prefix of the other (minimum four
// bytes of overlap) still matches.
func SameCompany(a, b string) bool {
	na, nb := NormalizeCompany(a), NormalizeCompany(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	// Truncation tolerance. Four bytes is a deliberate floor: it takes at
	// least two CJK runes of overlap before a prefix match means anything.
	shorter, longer := na, nb
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	return len(shorter) >= 4 && strings.HasPrefix(longer, shorter)
}

// MatchesAny reports whether raw matches the canonical name or any alias.
func MatchesAny(raw, name string, aliases []string) bool {
	if SameCompany(raw, name) {
		return true
	}
	for _, alias := range aliases {
		if SameCompany(raw, alias) {
			return true
		}
	}
	return false
}

// NormalizePerson reduces a person name to its strict comparison form:
// width folded and whitespace removed. Nothing else. Kanji are never fuzzy
// matched, visually similar or not.
func NormalizePerson(name string) string {
	s := fold(name)
	return stripSeparators(s)
}

// SamePerson reports whether two person names are the same modulo script
// width and whitespace only.
func SamePerson(a, b string) bool {
	na, nb := NormalizePerson(a), NormalizePerson(b)
	return na != "" && na == nb
}

// fold applies Unicode width folding: full-width ASCII to half-width,
// half-width katakana to full-width.
func fold(s string) string {
	return width.Fold.String(s)
}

// stripSeparators removes whitespace and the separator runes common in
// Japanese name fields.
func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '　', '・', '．', '.', ',', '、', '－', '-':
			return -1
		}
		return r
	}, s)
}

// hiraganaToKatakana folds hiragana runes to their katakana equivalents.
// Bank statements record payer names in katakana; CRM aliases are sometimes
// entered in hiragana.
func hiraganaToKatakana(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'ぁ' && r <= 'ゖ' {
			return r + 0x60
		}
		return r
	}, s)
}
