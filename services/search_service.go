package services

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"khisima/intent"
	"khisima/logger"
	"khisima/metrics"
	"khisima/protocol"

	"gopkg.in/yaml.v3"
)

// KnowledgeEntry 知识库条目：任一短语命中即可作答
type KnowledgeEntry struct {
	ID      string   `yaml:"id"`
	Phrases []string `yaml:"phrases"`
	Answer  string   `yaml:"answer"`

	patterns []*regexp.Regexp
}

type KnowledgeBase struct {
	Entries []KnowledgeEntry `yaml:"entries"`
}

// LoadKnowledgeBase 文件不存在时返回空知识库
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &KnowledgeBase{}, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseKnowledgeBase(raw)
}

func ParseKnowledgeBase(raw []byte) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := yaml.Unmarshal(raw, &kb); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	for i := range kb.Entries {
		e := &kb.Entries[i]
		if strings.TrimSpace(e.Answer) == "" {
			return nil, fmt.Errorf("knowledge entry %q has no answer", e.ID)
		}
		for _, p := range e.Phrases {
			if p = intent.Normalize(p); p != "" {
				e.patterns = append(e.patterns, intent.PhrasePattern(p))
			}
		}
	}
	return &kb, nil
}

// Match 命中短语最多的条目胜出，平局取靠前的
func (kb *KnowledgeBase) Match(text string) (string, bool) {
	if kb == nil {
		return "", false
	}
	normalized := intent.Normalize(text)
	best, bestHits := -1, 0
	for i, e := range kb.Entries {
		hits := 0
		for _, p := range e.patterns {
			if p.MatchString(normalized) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		return "", false
	}
	return kb.Entries[best].Answer, true
}

// Recorder 把搜索问答写入房间记录并推送给管理员
type Recorder interface {
	RecordForAdmins(room string, event string, role protocol.Role, text string)
}

type SearchService struct {
	kb       *KnowledgeBase
	recorder Recorder
	log      *logger.Logger
}

func NewSearchService(kb *KnowledgeBase, recorder Recorder, log *logger.Logger) *SearchService {
	if log == nil {
		log = logger.Nop()
	}
	return &SearchService{kb: kb, recorder: recorder, log: log.With("component", "SearchService")}
}

// Search 先走本地决策，再查知识库；无答案返回空字符串
func (s *SearchService) Search(ctx context.Context, text, room string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if room != "" && !ValidRoomID(room) {
		return "", ErrInvalidRoom
	}

	if d := intent.Decide(text); d.OK {
		metrics.SearchDecisions.WithLabelValues("local").Inc()
		return d.Answer, nil
	}
	answer, ok := s.kb.Match(text)
	if !ok {
		metrics.SearchDecisions.WithLabelValues("miss").Inc()
		return "", nil
	}
	metrics.SearchDecisions.WithLabelValues("knowledge").Inc()

	if room != "" && s.recorder != nil {
		s.recorder.RecordForAdmins(room, protocol.EventUserMessage, protocol.RoleUser, text)
		s.recorder.RecordForAdmins(room, protocol.EventAgentReply, protocol.RoleAgent, answer)
	}
	s.log.Debug("knowledge answer", "room", room)
	return answer, nil
}
