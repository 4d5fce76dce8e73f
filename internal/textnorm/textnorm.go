// Package textnorm turns raw chat messages into text that a speech engine can
// read aloud.
//
// [Normalizer.Normalize] applies, in order: trimming, custom and unicode
// emoji removal, NFKC normalisation, ignore-prefix filtering, mention
// expansion, URL handling and truncation. The result says whether to speak
// text, play one of the fixed clips, or stay silent.
package textnorm

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/forPelevin/gomoji"
	"golang.org/x/text/unicode/norm"
)

// Defaults used when the corresponding [Config] field is zero.
const (
	DefaultMaxLength        = 40
	DefaultTruncationSuffix = "以下省略"
)

// MentionPrefix is spoken in front of a mentioned user or role name.
const MentionPrefix = "アットマーク"

var (
	customEmojiRe = regexp.MustCompile(`<a?:\w+:\d+>`)
	userMentionRe = regexp.MustCompile(`<@!?(\d+)>`)
	roleMentionRe = regexp.MustCompile(`<@&(\d+)>`)
	urlRe         = regexp.MustCompile(`https?://\S+`)
)

// Kind classifies the outcome of [Normalizer.Normalize].
type Kind int

const (
	// KindSkip means nothing should be played.
	KindSkip Kind = iota
	// KindSpeak means Result.Text should be synthesized.
	KindSpeak
	// KindURL means the message was a lone link; play the url clip.
	KindURL
	// KindAttachment means the message carried files; play the attachment clip.
	KindAttachment
)

// String returns a lowercase name used in logs.
func (k Kind) String() string {
	switch k {
	case KindSkip:
		return "skip"
	case KindSpeak:
		return "speak"
	case KindURL:
		return "url"
	case KindAttachment:
		return "attachment"
	default:
		return "unknown"
	}
}

// Message is the input to the pipeline.
type Message struct {
	Content string
	// Users maps mentioned user ids to display names.
	Users map[string]string
	// Roles maps mentioned role ids to role names.
	Roles          map[string]string
	HasAttachments bool
}

// Result is the outcome of normalising one [Message].
type Result struct {
	Kind Kind
	Text string
	// Reason explains a KindSkip result.
	Reason string
}

// Config holds the tunable parts of the pipeline.
type Config struct {
	MaxLength        int
	TruncationSuffix string
	IgnorePrefixes   []string
}

func (c Config) withDefaults() Config {
	if c.MaxLength <= 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.TruncationSuffix == "" {
		c.TruncationSuffix = DefaultTruncationSuffix
	}
	prefixes := make([]string, 0, len(c.IgnorePrefixes))
	for _, p := range c.IgnorePrefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	c.IgnorePrefixes = prefixes
	return c
}

// Normalizer applies the pipeline. Its configuration can be swapped at
// runtime with [Normalizer.Update]; it is safe for concurrent use.
type Normalizer struct {
	mu  sync.RWMutex
	cfg Config
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	return &Normalizer{cfg: cfg.withDefaults()}
}

// Update replaces the configuration.
func (n *Normalizer) Update(cfg Config) {
	cfg = cfg.withDefaults()
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
}

// Config returns the active configuration.
func (n *Normalizer) Config() Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg
}

// Normalize runs the pipeline over msg.
func (n *Normalizer) Normalize(msg Message) Result {
	cfg := n.Config()

	raw := strings.TrimSpace(msg.Content)
	text := customEmojiRe.ReplaceAllString(raw, "")
	text = gomoji.RemoveEmojis(text)
	text = norm.NFKC.String(text)

	lower := strings.ToLower(strings.TrimSpace(text))
	for _, p := range cfg.IgnorePrefixes {
		if strings.HasPrefix(lower, p) {
			return Result{Kind: KindSkip, Reason: "ignored prefix"}
		}
	}

	if msg.HasAttachments {
		return Result{Kind: KindAttachment}
	}

	text = expandMentions(text, msg.Users, msg.Roles)

	if urlRe.FindString(raw) == raw && raw != "" {
		return Result{Kind: KindURL}
	}
	text = urlRe.ReplaceAllString(text, "URL")
	text = strings.TrimSpace(text)

	if utf8.RuneCountInString(text) > cfg.MaxLength {
		text = string([]rune(text)[:cfg.MaxLength]) + cfg.TruncationSuffix
	}
	if text == "" {
		return Result{Kind: KindSkip, Reason: "empty"}
	}
	return Result{Kind: KindSpeak, Text: text}
}

// expandMentions replaces user and role mentions with a spoken form. Ids
// missing from the maps lose their raw markup and keep only the prefix.
func expandMentions(text string, users, roles map[string]string) string {
	text = userMentionRe.ReplaceAllStringFunc(text, func(m string) string {
		return spoken(users[userMentionRe.FindStringSubmatch(m)[1]])
	})
	return roleMentionRe.ReplaceAllStringFunc(text, func(m string) string {
		return spoken(roles[roleMentionRe.FindStringSubmatch(m)[1]])
	})
}

func spoken(name string) string {
	if name == "" {
		return MentionPrefix
	}
	return MentionPrefix + " " + name
}
