package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/savaki/replyrouter/pkg/models"
	slackclient "github.com/savaki/replyrouter/pkg/slack"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// ChannelSlack is the messaging channel name recorded on connections
const ChannelSlack = "slack"

// ErrMalformedPayload means the request body could not be decoded
var ErrMalformedPayload = errors.New("malformed slack payload")

// Envelope is the result of decoding one Slack request. Exactly one of
// Challenge or Event is meaningful; Event.Kind is KindUnknown for events the
// router has no use for.
type Envelope struct {
	Challenge string
	Event     models.InboundEvent
}

// NormalizeOptions tunes normalization
type NormalizeOptions struct {
	// BotUserID marks messages posted by this user as echoes
	BotUserID string
}

// NormalizeEventsAPI decodes an Events API request body. The token check is
// skipped because requests are authenticated by signature.
func NormalizeEventsAPI(body []byte, opts NormalizeOptions) (*Envelope, error) {
	if !json.Valid(body) {
		return nil, ErrMalformedPayload
	}

	outer, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		if outer.Type == "unmarshalling_error" || outer.Type == "" {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		// inner event types slackevents doesn't model
		return &Envelope{Event: models.InboundEvent{Kind: models.KindUnknown, ConnectionID: outer.TeamID}}, nil
	}

	switch outer.Type {
	case slackevents.URLVerification:
		verification, ok := outer.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !ok {
			return nil, ErrMalformedPayload
		}
		return &Envelope{Challenge: verification.Challenge}, nil

	case slackevents.CallbackEvent:
		callback, ok := outer.Data.(*slackevents.EventsAPICallbackEvent)
		if !ok {
			return nil, ErrMalformedPayload
		}
		evt := normalizeInner(callback, outer.InnerEvent, opts)
		return &Envelope{Event: models.NewInboundEvent(evt)}, nil
	}

	return &Envelope{Event: models.InboundEvent{Kind: models.KindUnknown, ConnectionID: outer.TeamID}}, nil
}

func normalizeInner(callback *slackevents.EventsAPICallbackEvent, inner slackevents.EventsAPIInnerEvent, opts NormalizeOptions) models.InboundEvent {
	evt := models.InboundEvent{
		MessageID:    callback.EventID,
		ConnectionID: callback.TeamID,
		Kind:         models.KindUnknown,
		Metadata: map[string]string{
			"api_app_id": callback.APIAppID,
		},
	}

	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		evt.SenderID = ev.User
		evt.Channel = ev.Channel
		evt.Text = ev.Text
		evt.Timestamp = parseTS(ev.TimeStamp)
		evt.Kind = messageKind(ev, opts)
		evt.Attachments = fileAttachments(ev.Files)
		if evt.MessageID == "" {
			evt.MessageID = firstNonEmpty(ev.ClientMsgID, ev.Channel+":"+ev.TimeStamp)
		}
		setMeta(evt.Metadata, "ts", ev.TimeStamp)
		setMeta(evt.Metadata, "thread_ts", ev.ThreadTimeStamp)
		setMeta(evt.Metadata, "channel_type", ev.ChannelType)

	case *slackevents.AppMentionEvent:
		evt.SenderID = ev.User
		evt.Channel = ev.Channel
		evt.Text = stripMentions(ev.Text)
		evt.Timestamp = parseTS(ev.TimeStamp)
		evt.Kind = models.KindText
		if ev.BotID != "" || (opts.BotUserID != "" && ev.User == opts.BotUserID) {
			evt.Kind = models.KindEcho
		}
		if evt.MessageID == "" {
			evt.MessageID = ev.Channel + ":" + ev.TimeStamp
		}
		setMeta(evt.Metadata, "ts", ev.TimeStamp)
		// mentions in channels are answered in a thread
		setMeta(evt.Metadata, "thread_ts", firstNonEmpty(ev.ThreadTimeStamp, ev.TimeStamp))

	case *slackevents.ReactionAddedEvent:
		evt.SenderID = ev.User
		evt.Channel = ev.Item.Channel
		evt.Kind = models.KindReaction
		evt.Text = ev.Reaction
	}

	return evt
}

func messageKind(ev *slackevents.MessageEvent, opts NormalizeOptions) models.EventKind {
	if ev.BotID != "" || ev.SubType == "bot_message" || (opts.BotUserID != "" && ev.User == opts.BotUserID) {
		return models.KindEcho
	}
	switch ev.SubType {
	case "", "thread_broadcast":
	case "file_share":
		return models.KindAttachment
	default:
		// edits, deletions, joins and the like
		return models.KindUnknown
	}
	if len(ev.Files) > 0 {
		return models.KindAttachment
	}
	return models.KindText
}

func fileAttachments(files []slackevents.File) []models.Attachment {
	var out []models.Attachment
	for _, f := range files {
		kind := "file"
		switch {
		case strings.HasPrefix(f.Mimetype, "image/"):
			kind = "image"
		case strings.HasPrefix(f.Mimetype, "video/"):
			kind = "video"
		case strings.HasPrefix(f.Mimetype, "audio/"):
			kind = "audio"
		}
		out = append(out, models.Attachment{Type: kind, URL: f.URLPrivate, Name: f.Name})
	}
	return out
}

// NormalizeInteraction decodes a form-encoded interaction request. Button
// clicks on quick replies become quick_reply events; other block actions
// become postbacks.
func NormalizeInteraction(body []byte) (*Envelope, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	payload := form.Get("payload")
	if payload == "" {
		return nil, ErrMalformedPayload
	}

	var callback slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &callback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	evt := models.InboundEvent{
		ConnectionID: callback.Team.ID,
		SenderID:     callback.User.ID,
		Channel:      firstNonEmpty(callback.Channel.ID, callback.Container.ChannelID),
		Kind:         models.KindUnknown,
		Metadata:     map[string]string{},
	}
	setMeta(evt.Metadata, "thread_ts", callback.Container.ThreadTs)
	setMeta(evt.Metadata, "message_ts", callback.Container.MessageTs)

	if callback.Type != slack.InteractionTypeBlockActions || len(callback.ActionCallback.BlockActions) == 0 {
		return &Envelope{Event: evt}, nil
	}

	action := callback.ActionCallback.BlockActions[0]
	evt.MessageID = firstNonEmpty(callback.TriggerID, callback.User.ID+":"+action.ActionTs)
	evt.Payload = action.Value
	evt.Text = action.Text.Text
	evt.Timestamp = parseTS(action.ActionTs)
	evt.Kind = models.KindPostback
	if strings.HasPrefix(action.ActionID, slackclient.QuickReplyActionPrefix) {
		evt.Kind = models.KindQuickReply
	}

	return &Envelope{Event: models.NewInboundEvent(evt)}, nil
}

// parseTS converts a Slack "seconds.micros" timestamp
func parseTS(ts string) time.Time {
	if ts == "" {
		return time.Time{}
	}
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}

// stripMentions removes <@U123> tokens addressed to the bot
func stripMentions(text string) string {
	var out []string
	for _, field := range strings.Fields(text) {
		if strings.HasPrefix(field, "<@") && strings.HasSuffix(field, ">") {
			continue
		}
		out = append(out, field)
	}
	return strings.Join(out, " ")
}

func setMeta(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
