package intent

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Entity keys produced by the Extractor
const (
	EntityPhone    = "phone"
	EntityEmail    = "email"
	EntityPrice    = "price"
	EntityOrderID  = "order_id"
	EntityLocation = "location"
	EntityTime     = "time"
	EntityProduct  = "product"
)

var (
	phonePattern   = regexp.MustCompile(`(?:\+84|\b0)(?:[\s.\-]?\d){9,10}\b`)
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	pricePattern   = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)*)\s*(triệu|nghìn|ngàn|đồng|vnđ|vnd|usd|tr|k|đ)(?:[^\p{L}\p{N}]|$)`)
	dollarPattern  = regexp.MustCompile(`\$\s?\d+(?:[.,]\d+)*`)
	orderPattern   = regexp.MustCompile(`(?i)\b(?:ORD|ORDER|DH|DON)[\-_#]?\d{3,}\b`)
	clockPattern   = regexp.MustCompile(`(?i)\d{1,2}(?::\d{2})?\s*(?:giờ|am|pm|h)(?:[^\p{L}]|$)`)
	collapseSpaces = regexp.MustCompile(`\s+`)
)

// DefaultLocations are the place names recognized as location entities
var DefaultLocations = []string{
	"hà nội", "hồ chí minh", "sài gòn", "đà nẵng", "hải phòng", "cần thơ", "nha trang", "huế",
	"tp hcm", "hcm", "hanoi", "ho chi minh", "saigon", "da nang",
}

// DefaultTimePhrases are the relative time expressions recognized as time entities
var DefaultTimePhrases = []string{
	"hôm nay", "ngày mai", "tối nay", "sáng mai", "chiều nay", "tuần sau", "cuối tuần",
	"today", "tomorrow", "tonight", "next week", "this weekend",
}

// DefaultProducts are the product keywords recognized as product entities
var DefaultProducts = []string{
	"điện thoại", "tai nghe", "đồng hồ", "áo", "quần", "giày", "dép", "túi", "váy", "mũ",
	"laptop", "phone", "headphones", "shirt", "shoes", "bag", "dress", "watch",
}

// Extractor pulls structured values out of free text using fixed patterns
type Extractor struct {
	locations   []string
	timePhrases []string
	products    []string
}

// NewExtractor creates an extractor with the default keyword lists
func NewExtractor() *Extractor {
	return &Extractor{
		locations:   DefaultLocations,
		timePhrases: DefaultTimePhrases,
		products:    DefaultProducts,
	}
}

// SetProducts replaces the product keyword list
func (e *Extractor) SetProducts(products []string) {
	e.products = products
}

// Extract runs every entity check in order and returns what was found.
// Keys are absent for entities that did not match.
func (e *Extractor) Extract(text string) map[string]string {
	entities := map[string]string{}
	if strings.TrimSpace(text) == "" {
		return entities
	}
	lower := strings.ToLower(text)

	if m := phonePattern.FindString(text); m != "" {
		entities[EntityPhone] = stripSeparators(m)
	}
	if m := emailPattern.FindString(text); m != "" {
		entities[EntityEmail] = strings.ToLower(m)
	}
	if m := pricePattern.FindStringSubmatch(text); m != nil {
		entities[EntityPrice] = m[1] + strings.ToLower(m[2])
	} else if m := dollarPattern.FindString(text); m != "" {
		entities[EntityPrice] = strings.ReplaceAll(m, " ", "")
	}
	if m := orderPattern.FindString(text); m != "" {
		entities[EntityOrderID] = strings.ToUpper(m)
	}
	if loc := firstWord(lower, e.locations); loc != "" {
		entities[EntityLocation] = loc
	}
	if m := clockPattern.FindString(text); m != "" {
		entities[EntityTime] = strings.TrimRightFunc(collapseSpaces.ReplaceAllString(m, " "), isTrailing)
	} else if phrase := firstWord(lower, e.timePhrases); phrase != "" {
		entities[EntityTime] = phrase
	}

	var products []string
	for _, p := range e.products {
		if containsWord(lower, p) {
			products = append(products, p)
		}
	}
	if len(products) > 0 {
		entities[EntityProduct] = strings.Join(products, ",")
	}

	return entities
}

func isTrailing(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '.' || r == '-' {
			return -1
		}
		return r
	}, s)
}

func firstWord(text string, words []string) string {
	for _, w := range words {
		if containsWord(text, w) {
			return w
		}
	}
	return ""
}

// containsWord reports whether word occurs in text delimited by non-alphanumeric runes
func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for start := 0; start < len(text); {
		i := strings.Index(text[start:], word)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(word)
		if boundaryBefore(text, i) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		start = i + size
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}
