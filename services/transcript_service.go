package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"khisima/logger"
	"khisima/protocol"
)

const defaultTranscriptSubject = "Chat transcript"

type Transcript struct {
	Room     string             `json:"room"`
	Email    string             `json:"email,omitempty"`
	Messages []protocol.Message `json:"messages"`
}

// Render 纯文本邮件正文
func (t Transcript) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s\n", t.Room)
	if t.Email != "" {
		fmt.Fprintf(&b, "Visitor email: %s\n", t.Email)
	}
	b.WriteString("\n")
	for _, m := range t.Messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.TS.UTC().Format(time.RFC3339), m.Role, m.Text)
	}
	return b.String()
}

// TranscriptJob transcript 主题的消息体
type TranscriptJob struct {
	To         string     `json:"to"`
	Subject    string     `json:"subject"`
	Transcript Transcript `json:"transcript"`
}

type Mail struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// LogMailer 只记录日志，未接入邮件网关时使用
type LogMailer struct {
	log *logger.Logger
}

func NewLogMailer(log *logger.Logger) *LogMailer {
	if log == nil {
		log = logger.Nop()
	}
	return &LogMailer{log: log.With("component", "LogMailer")}
}

func (m *LogMailer) Send(_ context.Context, mail Mail) error {
	m.log.Info("mail queued", "to", mail.To, "subject", mail.Subject, "bytes", len(mail.Body))
	return nil
}

// Flusher 转发前等待该房间排队中的消息落库
type Flusher interface {
	Flush(ctx context.Context, room string) error
}

type TranscriptService struct {
	rooms     *RoomService
	flusher   Flusher
	publisher EventPublisher
	topic     string
	mailer    Mailer
	from      string
	log       *logger.Logger
}

func NewTranscriptService(rooms *RoomService, flusher Flusher, publisher EventPublisher, topic string, mailer Mailer, from string, log *logger.Logger) *TranscriptService {
	if log == nil {
		log = logger.Nop()
	}
	return &TranscriptService{
		rooms:     rooms,
		flusher:   flusher,
		publisher: publisher,
		topic:     topic,
		mailer:    mailer,
		from:      from,
		log:       log.With("component", "TranscriptService"),
	}
}

// Forward 配置了 Kafka 时投递到 transcript 主题，否则直接发信
func (s *TranscriptService) Forward(ctx context.Context, room string, req protocol.ForwardRequest) error {
	to := strings.TrimSpace(req.To)
	if !protocol.ValidEmail(to) {
		return ErrInvalidEmail
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		subject = defaultTranscriptSubject
	}
	if s.flusher != nil {
		if err := s.flusher.Flush(ctx, room); err != nil {
			return err
		}
	}
	transcript, err := s.rooms.Transcript(ctx, room)
	if err != nil {
		return err
	}
	job := TranscriptJob{To: to, Subject: subject, Transcript: transcript}

	if s.publisher != nil && s.topic != "" {
		value, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := s.publisher.Publish(ctx, s.topic, room, value); err != nil {
			return fmt.Errorf("publish transcript: %w", err)
		}
		s.log.Info("transcript queued", "room", room, "to", to)
		return nil
	}
	return s.Deliver(ctx, job)
}

// Deliver 渲染并发送，Kafka 消费端也调用这里
func (s *TranscriptService) Deliver(ctx context.Context, job TranscriptJob) error {
	if s.mailer == nil {
		return fmt.Errorf("no mailer configured")
	}
	mail := Mail{
		From:    s.from,
		To:      job.To,
		ReplyTo: job.Transcript.Email,
		Subject: job.Subject,
		Body:    job.Transcript.Render(),
	}
	if err := s.mailer.Send(ctx, mail); err != nil {
		return fmt.Errorf("send transcript: %w", err)
	}
	return nil
}

// HandleTranscriptMessage Kafka 消费端回调
func (s *TranscriptService) HandleTranscriptMessage(ctx context.Context, value []byte) error {
	var job TranscriptJob
	if err := json.Unmarshal(value, &job); err != nil {
		return fmt.Errorf("decode transcript job: %w", err)
	}
	return s.Deliver(ctx, job)
}
