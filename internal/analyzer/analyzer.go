// Package analyzer turns request text into an utterance descriptor: sentence
// segments with timing hints, emphasis markers, emotion, language and subject.
// Analysis is deterministic and has no side effects.
package analyzer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// Emotion drives the face expression.
type Emotion string

const (
	EmotionNeutral     Emotion = "neutral"
	EmotionHappy       Emotion = "happy"
	EmotionSad         Emotion = "sad"
	EmotionExcited     Emotion = "excited"
	EmotionCalm        Emotion = "calm"
	EmotionQuestioning Emotion = "questioning"
)

// Language is a two-letter language code.
type Language string

const (
	LanguageEnglish    Language = "en"
	LanguagePortuguese Language = "pt"
	LanguageSpanish    Language = "es"
)

// Segment is one sentence of the utterance.
type Segment struct {
	Text        string
	Start       int // rune offset into Descriptor.Text
	End         int
	EstimatedMS int // speaking time hint, excluding the trailing pause
	PauseMS     int
	Emphasis    bool
	Emotion     Emotion
}

// Descriptor is the structured breakdown of a request's text.
type Descriptor struct {
	Text        string
	Language    Language
	Emotion     Emotion
	Subject     string
	Segments    []Segment
	EstimatedMS int
}

// Analyzer holds the sentence tokenizer, which is expensive to build.
type Analyzer struct {
	tokenizer *sentences.DefaultSentenceTokenizer
}

func New() (*Analyzer, error) {
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("load sentence tokenizer: %w", err)
	}
	return &Analyzer{tokenizer: tokenizer}, nil
}

// Analyze builds the descriptor for text. languageHint may be empty or any of
// the accepted spellings ("pt-br", "portuguese", "en-US", ...); unknown hints
// fall back to detection.
func (a *Analyzer) Analyze(text, languageHint string) Descriptor {
	text = strings.TrimSpace(text)
	desc := Descriptor{
		Text:     text,
		Emotion:  DetectEmotion(text),
		Subject:  ExtractSubject(text),
		Segments: a.segment(text),
	}
	if lang, ok := NormalizeLanguage(languageHint); ok {
		desc.Language = lang
	} else {
		desc.Language = DetectLanguage(text)
	}
	for _, seg := range desc.Segments {
		desc.EstimatedMS += seg.EstimatedMS + seg.PauseMS
	}
	return desc
}

func (a *Analyzer) segment(text string) []Segment {
	if text == "" {
		return nil
	}
	var parts []string
	for _, s := range a.tokenizer.Tokenize(text) {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		parts = []string{text}
	}

	segments := make([]Segment, 0, len(parts))
	cursor := 0 // byte offset
	for i, part := range parts {
		idx := strings.Index(text[cursor:], part)
		start := cursor
		if idx >= 0 {
			start = cursor + idx
		}
		end := start + len(part)
		if end > len(text) {
			end = len(text)
		}
		cursor = end

		seg := Segment{
			Text:        part,
			Start:       utf8.RuneCountInString(text[:start]),
			End:         utf8.RuneCountInString(text[:end]),
			EstimatedMS: estimateSpeech(part),
			Emphasis:    hasEmphasis(part),
			Emotion:     DetectEmotion(part),
		}
		if i < len(parts)-1 {
			seg.PauseMS = pauseAfter(part)
		}
		segments = append(segments, seg)
	}
	return segments
}

// estimateSpeech approximates speaking time from letters: vowels are held
// longer than consonants and fricatives sit between.
func estimateSpeech(s string) int {
	ms := 0
	for _, r := range strings.ToLower(s) {
		switch {
		case strings.ContainsRune("aeiouáéíóúãõâêôà", r):
			ms += 100
		case strings.ContainsRune("szfv", r):
			ms += 80
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			ms += 60
		case unicode.IsSpace(r):
			ms += 80
		case r == ',' || r == ';' || r == ':':
			ms += 100
		}
	}
	return ms
}

func pauseAfter(sentence string) int {
	last, _ := utf8.DecodeLastRuneInString(sentence)
	switch last {
	case '.', '!', '?':
		return 150
	case ',', ';', ':':
		return 100
	}
	return 80
}

func hasEmphasis(s string) bool {
	if strings.HasSuffix(s, "!") {
		return true
	}
	for _, word := range strings.Fields(s) {
		w := strings.TrimFunc(word, unicode.IsPunct)
		if len(word) > 2 && strings.HasPrefix(word, "*") && strings.Contains(word[1:], "*") {
			return true
		}
		if utf8.RuneCountInString(w) > 1 && strings.ToUpper(w) == w && strings.ToLower(w) != w {
			return true
		}
	}
	return false
}

var (
	happyWords = []string{"happy", "great", "excellent", "wonderful", "feliz", "ótimo", "excelente", "maravilhoso", "genial"}
	sadWords   = []string{"sad", "sorry", "unhappy", "disappointed", "triste", "desculpe", "lamento", "perdón"}
	calmWords  = []string{"calm", "peace", "relax", "quiet", "calma", "paz", "tranquilo"}
)

// DetectEmotion picks an emotion with keyword rules; questions win over
// everything else and exclamations only count when no keyword matched.
func DetectEmotion(text string) Emotion {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "?"):
		return EmotionQuestioning
	case containsAny(lower, happyWords):
		return EmotionHappy
	case containsAny(lower, sadWords):
		return EmotionSad
	case strings.Contains(lower, "!") || strings.Contains(lower, "excited"):
		return EmotionExcited
	case containsAny(lower, calmWords):
		return EmotionCalm
	}
	return EmotionNeutral
}

func containsAny(s string, list []string) bool {
	for _, w := range list {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// NormalizeLanguage maps a client supplied language code to a Language.
func NormalizeLanguage(code string) (Language, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "", false
	}
	base, _, _ := strings.Cut(strings.ReplaceAll(code, "_", "-"), "-")
	switch base {
	case "pt", "portuguese", "português":
		return LanguagePortuguese, true
	case "es", "spanish", "espanol", "español":
		return LanguageSpanish, true
	case "en", "english":
		return LanguageEnglish, true
	}
	return "", false
}
