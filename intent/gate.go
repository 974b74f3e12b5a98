package intent

import "strings"

// Threshold 本地直接作答的最低置信度
const Threshold = 0.75

// MinTokens 远程搜索/留言前要求的最少词数
const MinTokens = 2

// Decision 本地决策结果
type Decision struct {
	OK         bool    `json:"ok"`
	Answer     string  `json:"answer,omitempty"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Decide 分类后查表；答案存在且置信度达到阈值才允许本地作答
func Decide(text string) Decision {
	res := Classify(text)
	answer, found := Respond(res.Intent, text)
	d := Decision{Intent: res.Intent, Confidence: res.Confidence}
	if found && answer != "" && res.Confidence >= Threshold {
		d.OK = true
		d.Answer = answer
	}
	return d
}

// Meaningful 至少两个以空白分隔的词
func Meaningful(text string) bool {
	return len(strings.Fields(text)) >= MinTokens
}
