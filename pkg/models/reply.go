package models

// PartType is the kind of an outgoing reply part
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ReplyPart is one outgoing unit: a text (optionally with quick replies) or an image
type ReplyPart struct {
	Type         PartType     `json:"type"`
	Content      string       `json:"content"`
	QuickReplies []QuickReply `json:"quickReplies,omitempty"`
}

// ReplySet is the ordered output of a rule, template or provider
type ReplySet []ReplyPart

// TextReply builds a single-part text reply set
func TextReply(text string) ReplySet {
	return ReplySet{{Type: PartText, Content: text}}
}

// Empty reports whether the set contains no deliverable content
func (s ReplySet) Empty() bool {
	for _, p := range s {
		if p.Content != "" {
			return false
		}
	}
	return true
}

// BuildReplySet assembles text, quick replies and attachments in delivery order
func BuildReplySet(text string, quickReplies []QuickReply, attachments []Attachment) ReplySet {
	var set ReplySet
	if text != "" {
		set = append(set, ReplyPart{Type: PartText, Content: text, QuickReplies: quickReplies})
	}
	for _, a := range attachments {
		if a.URL == "" {
			continue
		}
		if a.Type == "image" {
			set = append(set, ReplyPart{Type: PartImage, Content: a.URL})
			continue
		}
		set = append(set, ReplyPart{Type: PartText, Content: a.URL})
	}
	return set
}

// Complexity tiers
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// AnalysisResult is the output of intent analysis for one inbound text
type AnalysisResult struct {
	PrimaryIntent string            `json:"primaryIntent"`
	Confidence    float64           `json:"confidence"`
	AllIntents    []string          `json:"allIntents"`
	Entities      map[string]string `json:"entities"`
	MessageType   string            `json:"messageType"`
	Complexity    string            `json:"complexity"`
	Language      string            `json:"language"`
}
