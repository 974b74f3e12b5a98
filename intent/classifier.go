package intent

import (
	"regexp"
	"strings"
)

// 意图标签
const (
	Greeting       = "greeting"
	Thanks         = "thanks"
	Goodbye        = "goodbye"
	Certified      = "certified"
	Interpretation = "interpretation"
	Localization   = "localization"
	Pricing        = "pricing"
	Turnaround     = "turnaround"
	Languages      = "languages"
	Contact        = "contact"
	Hours          = "hours"
	Location       = "location"
	Careers        = "careers"
	Services       = "services"
	Ack            = "ack"
	Unknown        = "unknown"
)

// UnknownConfidence 无规则命中时的置信度
const UnknownConfidence = 0.2

// shortGreetingMaxWords 短问候判定：不超过 5 个词且没有问号
const shortGreetingMaxWords = 5

// Result 分类结果
type Result struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Rule 一条有序规则。Contains 做子串匹配，Words 做词边界匹配，Match 为自定义谓词。
// 置信度是作者预先定好的常量，不根据匹配强度计算
type Rule struct {
	Intent     string
	Confidence float64
	Contains   []string
	Words      []string
	Match      func(normalized string) bool

	wordPatterns []*regexp.Regexp
}

func (r *Rule) compile() {
	r.wordPatterns = make([]*regexp.Regexp, 0, len(r.Words))
	for _, w := range r.Words {
		r.wordPatterns = append(r.wordPatterns, PhrasePattern(w))
	}
}

func (r *Rule) matches(normalized string) bool {
	if r.Match != nil && r.Match(normalized) {
		return true
	}
	for _, phrase := range r.Contains {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	for _, p := range r.wordPatterns {
		if p.MatchString(normalized) {
			return true
		}
	}
	return false
}

// PhrasePattern 按词边界匹配短语（支持非拉丁字母）
func PhrasePattern(phrase string) *regexp.Regexp {
	return regexp.MustCompile(`(^|[^\p{L}\p{N}])` + regexp.QuoteMeta(phrase) + `($|[^\p{L}\p{N}])`)
}

// 英语 / 法语 / 斯瓦希里语 / 卢旺达语问候词
var greetingWords = []string{
	"hi", "hello", "hey", "hiya", "greetings",
	"good morning", "good afternoon", "good evening", "morning",
	"bonjour", "bonsoir", "salut", "coucou",
	"habari", "jambo", "mambo", "hujambo", "salama",
	"muraho", "mwaramutse", "mwiriwe", "amakuru",
}

var greetingPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(greetingWords))
	for _, w := range greetingWords {
		out = append(out, PhrasePattern(w))
	}
	return out
}()

func isShortGreeting(normalized string) bool {
	if normalized == "" || strings.Contains(normalized, "?") {
		return false
	}
	if len(strings.Fields(normalized)) > shortGreetingMaxWords {
		return false
	}
	for _, p := range greetingPatterns {
		if p.MatchString(normalized) {
			return true
		}
	}
	return false
}

// 顺序即优先级：问候/感谢/告别在业务意图之前，ack 放在最后
var rules = compileRules([]Rule{
	{Intent: Greeting, Confidence: 0.95, Match: isShortGreeting},
	{Intent: Thanks, Confidence: 0.9, Contains: []string{"thank", "merci", "asante", "murakoze"}, Words: []string{"thx", "ty"}},
	{Intent: Goodbye, Confidence: 0.9, Words: []string{"bye", "goodbye", "see you", "au revoir", "kwaheri", "murabeho", "tchao"}},
	{Intent: Certified, Confidence: 0.9, Contains: []string{"certified", "sworn", "notariz", "notaris", "official translation", "legalis", "legaliz", "apostille"}},
	{Intent: Interpretation, Confidence: 0.9, Contains: []string{"interpret", "simultaneous", "consecutive", "conference interpreting"}},
	{Intent: Localization, Confidence: 0.85, Contains: []string{"locali", "subtitl", "transcri", "voice over", "voice-over", "website translation", "app translation"}},
	{Intent: Pricing, Confidence: 0.9, Contains: []string{"price", "pricing", "how much", "quotation"}, Words: []string{"cost", "costs", "rate", "rates", "fee", "fees", "quote", "budget", "tarif", "bei"}},
	{Intent: Turnaround, Confidence: 0.85, Contains: []string{"how long", "turnaround", "deadline", "how fast", "how quickly", "delivery time", "urgent"}, Words: []string{"asap", "rush"}},
	{Intent: Languages, Confidence: 0.9, Contains: []string{"language", "langue", "lugha", "indimi", "language pair"}, Words: []string{"kinyarwanda", "swahili", "kiswahili", "french", "lingala", "luganda"}},
	{Intent: Contact, Confidence: 0.9, Contains: []string{"contact", "phone number", "call you", "reach you", "whatsapp", "email address"}},
	{Intent: Hours, Confidence: 0.85, Contains: []string{"opening hours", "working hours", "business hours", "are you open", "open on", "office hours"}},
	{Intent: Location, Confidence: 0.85, Contains: []string{"where are you", "located", "location", "address", "your office", "visit you"}, Words: []string{"kigali"}},
	{Intent: Careers, Confidence: 0.85, Contains: []string{"career", "vacanc", "freelance", "hiring", "work with you", "join your team"}, Words: []string{"job", "jobs", "cv", "resume"}},
	{Intent: Services, Confidence: 0.85, Contains: []string{"service", "what do you do", "what do you offer", "translate", "translation", "proofread", "editing"}},
	{Intent: Ack, Confidence: 0.85, Words: []string{"ok", "okay", "k", "cool", "great", "alright", "got it", "sure", "perfect", "noted", "d'accord", "sawa", "yego"}},
})

func compileRules(in []Rule) []Rule {
	out := make([]Rule, len(in))
	for i := range in {
		out[i] = in[i]
		out[i].compile()
	}
	return out
}

var whitespace = regexp.MustCompile(`\s+`)

// Normalize 小写、合并空白、去首尾空白
func Normalize(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.ToLower(text), " "))
}

// Classify 按规则顺序匹配，第一条命中的规则胜出
func Classify(text string) Result {
	normalized := Normalize(text)
	if normalized == "" {
		return Result{Intent: Unknown, Confidence: UnknownConfidence}
	}
	for i := range rules {
		if rules[i].matches(normalized) {
			return Result{Intent: rules[i].Intent, Confidence: rules[i].Confidence}
		}
	}
	return Result{Intent: Unknown, Confidence: UnknownConfidence}
}
