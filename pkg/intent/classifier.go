package intent

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/savaki/replyrouter/pkg/models"
)

// Built-in intents
const (
	IntentGeneralChat    = "general_chat"
	IntentOrderInquiry   = "order_inquiry"
	IntentContactInfo    = "contact_info_provided"
	IntentPriceInquiry   = "price_inquiry"
	IntentProductInquiry = "product_inquiry"
	IntentGreeting       = "greeting"

	followupSuffix = "_followup"
)

// Message types
const (
	TypeQuestion   = "question"
	TypeGreeting   = "greeting"
	TypeShortReply = "short_reply"
	TypeStatement  = "statement"
)

// shortReplyLimit is the rune count below which a marker-bearing reply counts as a follow-up
const shortReplyLimit = 20

// IntentPattern maps one intent to the patterns that signal it
type IntentPattern struct {
	Intent   string
	Patterns []*regexp.Regexp
}

// NewIntentPattern compiles the expressions for an intent, panicking on invalid input
func NewIntentPattern(intent string, exprs ...string) IntentPattern {
	p := IntentPattern{Intent: intent}
	for _, expr := range exprs {
		p.Patterns = append(p.Patterns, regexp.MustCompile(expr))
	}
	return p
}

// DefaultIntentTable is evaluated in order; the first matching entry wins among pattern intents
func DefaultIntentTable() []IntentPattern {
	return []IntentPattern{
		NewIntentPattern(IntentGreeting,
			`(?i)^\s*(?:xin chào|chào|hello|hi|hey|alo)(?:[^\p{L}]|$)`,
			`(?i)chào (?:bạn|shop|anh|chị|em)`,
		),
		NewIntentPattern("human_request",
			`(?i)(?:gặp|nói chuyện với|kết nối|chuyển) (?:nhân viên|người thật|tư vấn viên)`,
			`(?i)\b(?:human|real person|live agent)\b`,
		),
		NewIntentPattern(IntentOrderInquiry,
			`(?i)đơn hàng`,
			`(?i)(?:kiểm tra|tra cứu) đơn`,
			`(?i)\b(?:order|my order)\b`,
		),
		NewIntentPattern("shipping_inquiry",
			`(?i)giao hàng`,
			`(?i)vận chuyển`,
			`(?i)\b(?:ship|shipping|delivery)\b`,
		),
		NewIntentPattern(IntentPriceInquiry,
			`(?i)giá`,
			`(?i)bao nhiêu tiền`,
			`(?i)\b(?:price|cost|how much)\b`,
		),
		NewIntentPattern(IntentProductInquiry,
			`(?i)còn hàng`,
			`(?i)sản phẩm`,
			`(?i)\b(?:in stock|product|available)\b`,
		),
		NewIntentPattern("complaint",
			`(?i)khiếu nại`,
			`(?i)(?:hàng lỗi|bị hỏng|quá chậm|tệ quá)`,
			`(?i)\b(?:complain|complaint|broken|terrible)\b`,
		),
		NewIntentPattern("thanks",
			`(?i)(?:cảm ơn|cám ơn)`,
			`(?i)\b(?:thanks|thank you)\b`,
		),
		NewIntentPattern("goodbye",
			`(?i)tạm biệt`,
			`(?i)\b(?:bye|goodbye)\b`,
		),
	}
}

var replyMarkers = []string{
	"có", "không", "ko", "ok", "oke", "vâng", "dạ", "ừ", "ừm", "đúng", "sai", "được", "chưa", "rồi",
	"yes", "no", "yeah", "yep", "nope", "sure",
}

var questionWords = []string{
	"không", "sao", "bao nhiêu", "bao giờ", "khi nào", "ở đâu", "thế nào", "như thế nào", "gì",
	"what", "how", "when", "where", "why", "which", "can", "do you",
}

var englishWords = []string{
	"the", "is", "are", "what", "how", "hello", "hi", "please", "thanks", "order", "price", "my", "i", "you",
}

// Classifier assigns a primary intent, confidence and complexity to inbound text
type Classifier struct {
	extractor       *Extractor
	table           []IntentPattern
	defaultLanguage string
}

// Option configures a Classifier
type Option func(*Classifier)

// WithIntentTable replaces the pattern table
func WithIntentTable(table []IntentPattern) Option {
	return func(c *Classifier) {
		c.table = table
	}
}

// WithDefaultLanguage sets the language used when detection is inconclusive
func WithDefaultLanguage(lang string) Option {
	return func(c *Classifier) {
		c.defaultLanguage = lang
	}
}

// WithExtractor replaces the entity extractor
func WithExtractor(e *Extractor) Option {
	return func(c *Classifier) {
		c.extractor = e
	}
}

// NewClassifier creates a classifier with the default table and extractor
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		extractor:       NewExtractor(),
		table:           DefaultIntentTable(),
		defaultLanguage: "vi",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze classifies text. previousIntent is the last turn's intent and may be empty.
func (c *Classifier) Analyze(text, previousIntent string) models.AnalysisResult {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	entities := c.extractor.Extract(trimmed)
	entityIntents := impliedIntents(entities)

	var patternIntents []string
	ratios := map[string]float64{}
	for _, entry := range c.table {
		if len(entry.Patterns) == 0 {
			continue
		}
		hits := 0
		for _, p := range entry.Patterns {
			if p.MatchString(trimmed) {
				hits++
			}
		}
		if hits > 0 {
			patternIntents = append(patternIntents, entry.Intent)
			if _, seen := ratios[entry.Intent]; !seen {
				ratios[entry.Intent] = float64(hits) / float64(len(entry.Patterns))
			}
		}
	}

	shortReply := isShortReply(lower)

	var primary string
	switch {
	case len(entityIntents) > 0:
		primary = entityIntents[0]
	case len(patternIntents) > 0:
		primary = patternIntents[0]
	case previousIntent != "" && shortReply:
		primary = strings.TrimSuffix(previousIntent, followupSuffix) + followupSuffix
	default:
		primary = IntentGeneralChat
	}

	detected := len(entityIntents) + len(patternIntents)
	all := make([]string, 0, detected+1)
	all = append(all, entityIntents...)
	all = append(all, patternIntents...)
	if len(all) == 0 {
		all = append(all, primary)
	}

	length := utf8.RuneCountInString(trimmed)

	return models.AnalysisResult{
		PrimaryIntent: primary,
		Confidence:    confidence(len(entities), ratios[primary], length),
		AllIntents:    all,
		Entities:      entities,
		MessageType:   messageType(lower, primary, shortReply),
		Complexity:    complexity(length, len(entities), detected, strings.ContainsAny(trimmed, "?？")),
		Language:      c.detectLanguage(lower),
	}
}

func impliedIntents(entities map[string]string) []string {
	var out []string
	if _, ok := entities[EntityOrderID]; ok {
		out = append(out, IntentOrderInquiry)
	}
	_, phone := entities[EntityPhone]
	_, email := entities[EntityEmail]
	if phone || email {
		out = append(out, IntentContactInfo)
	}
	if _, ok := entities[EntityPrice]; ok {
		out = append(out, IntentPriceInquiry)
	}
	if _, ok := entities[EntityProduct]; ok {
		out = append(out, IntentProductInquiry)
	}
	return out
}

// confidence = 0.5 + up to 0.2 for entities (capped at 3) + up to 0.3 for the pattern hit ratio
// + 0.1 for texts longer than 10 runes, clamped to [0, 1]
func confidence(entityCount int, patternRatio float64, length int) float64 {
	score := 0.5
	score += 0.2 * float64(min(entityCount, 3)) / 3
	score += 0.3 * clamp(patternRatio)
	if length > 10 {
		score += 0.1
	}
	return clamp(score)
}

// complexity scores a message; each length threshold counts once it is reached
func complexity(length, entityCount, intentCount int, question bool) string {
	score := 0
	if length >= 50 {
		score++
	}
	if length >= 100 {
		score++
	}
	score += min(entityCount, 3)
	score += min(intentCount, 2)
	if question {
		score++
	}

	switch {
	case score <= 2:
		return models.ComplexityLow
	case score <= 4:
		return models.ComplexityMedium
	default:
		return models.ComplexityHigh
	}
}

func messageType(lower, primary string, shortReply bool) string {
	if strings.ContainsAny(lower, "?？") {
		return TypeQuestion
	}
	if primary == IntentGreeting {
		return TypeGreeting
	}
	if shortReply {
		return TypeShortReply
	}
	for _, w := range questionWords {
		if containsWord(lower, w) {
			return TypeQuestion
		}
	}
	return TypeStatement
}

func isShortReply(lower string) bool {
	if utf8.RuneCountInString(lower) >= shortReplyLimit {
		return false
	}
	for _, m := range replyMarkers {
		if containsWord(lower, m) {
			return true
		}
	}
	return false
}

func (c *Classifier) detectLanguage(lower string) string {
	ascii := true
	letters := false
	for _, r := range lower {
		if unicode.IsLetter(r) {
			letters = true
			if r > unicode.MaxASCII {
				ascii = false
				if unicode.In(r, unicode.Latin) {
					return "vi"
				}
			}
		}
	}
	if letters && ascii {
		for _, w := range englishWords {
			if containsWord(lower, w) {
				return "en"
			}
		}
	}
	return c.defaultLanguage
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
