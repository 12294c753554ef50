package tutor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/tutorchat/internal/model"
	"github.com/pavelanni/tutorchat/internal/tutor/prompts"
)

const defaultTemperature = 0.7

// llmReply is the JSON object the model is asked to produce.
type llmReply struct {
	Answer          string           `json:"answer"`
	QuestionsTitle  string           `json:"questionsTitle"`
	Questions       []model.Question `json:"questions"`
	CitedParagraphs []string         `json:"citedParagraphs"`
}

// llmSession is the tutor-side memory of one conversation.
type llmSession struct {
	history   []openai.ChatCompletionMessage
	questions map[string]model.Question
	nextQ     int
}

// LLMClient is a tutor backed directly by an OpenAI-compatible API.
type LLMClient struct {
	api         *openai.Client
	model       string
	temperature float32
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*llmSession
}

// NewLLMClient creates a tutor that calls the LLM at cfg.LLMURL.
func NewLLMClient(cfg model.ClientConfig, logger *slog.Logger) (*LLMClient, error) {
	if err := prompts.Load(prompts.Templates); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	config := openai.DefaultConfig(cfg.LLMKey)
	if cfg.LLMURL != "" {
		config.BaseURL = cfg.LLMURL
	}
	temperature := float32(defaultTemperature)
	if cfg.Temperature != nil {
		temperature = float32(*cfg.Temperature)
	}
	return &LLMClient{
		api:         openai.NewClientWithConfig(config),
		model:       cfg.LLMModel,
		temperature: temperature,
		logger:      logger,
		sessions:    make(map[string]*llmSession),
	}, nil
}

// Ask answers one tutor request, remembering the session's earlier turns.
func (c *LLMClient) Ask(ctx context.Context, req model.TutorRequest) (*model.TutorResponse, error) {
	c.mu.Lock()
	sess := c.session(req.SessionID)
	system, err := prompts.BuildSystemPrompt(prompts.SystemData{
		NextQuestionNumber: sess.nextQ,
		Context:            req.Context,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("build system prompt: %w", err)
	}
	turn, err := prompts.BuildTurn(prompts.TurnData{
		Message: req.Question,
		Answers: answerLines(sess, req.QuestionAnswers),
	})
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("build turn: %w", err)
	}
	userMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn}
	chatMsgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}
	chatMsgs = append(chatMsgs, sess.history...)
	chatMsgs = append(chatMsgs, userMsg)
	c.mu.Unlock()

	temperature := c.temperature
	if req.Temperature != nil {
		temperature = float32(*req.Temperature)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: chatMsgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	c.logger.Debug("LLM response", "raw", raw)

	reply, err := parseReply(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	reply = c.normalizeQuestions(sess, reply)
	sess.history = append(sess.history, userMsg, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: raw,
	})

	modelUsed := resp.Model
	if modelUsed == "" {
		modelUsed = c.model
	}
	tokens := resp.Usage.TotalTokens
	return &model.TutorResponse{
		Answer:          reply.Answer,
		ModelUsed:       modelUsed,
		TokensUsed:      &tokens,
		Questions:       reply.Questions,
		QuestionsTitle:  reply.QuestionsTitle,
		CitedParagraphs: reply.CitedParagraphs,
	}, nil
}

// Health reports whether the LLM endpoint answers and serves the model.
func (c *LLMClient) Health(ctx context.Context) (*model.Health, error) {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	h := &model.Health{Status: "healthy"}
	for _, m := range list.Models {
		if m.ID == c.model {
			h.ModelLoaded = true
			break
		}
	}
	return h, nil
}

// Models lists the models served by the LLM endpoint.
func (c *LLMClient) Models(ctx context.Context) ([]model.ModelInfo, error) {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	out := make([]model.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		info := model.ModelInfo{ID: m.ID, Name: m.ID}
		if m.OwnedBy != "" {
			info.Description = "owned by " + m.OwnedBy
		}
		out = append(out, info)
	}
	return out, nil
}

// session returns the session state for id. c.mu must be held.
func (c *LLMClient) session(id string) *llmSession {
	sess, ok := c.sessions[id]
	if !ok {
		sess = &llmSession{questions: make(map[string]model.Question), nextQ: 1}
		c.sessions[id] = sess
	}
	return sess
}

// normalizeQuestions gives the model's questions session-unique ids q<N>,
// drops questions without a correct option, and rewrites inline references
// in the answer text. c.mu must be held.
func (c *LLMClient) normalizeQuestions(sess *llmSession, reply llmReply) llmReply {
	var kept []model.Question
	var renames []string
	seen := make(map[string]bool)
	for _, q := range reply.Questions {
		if _, ok := q.CorrectOption(); !ok || len(q.Options) < 2 {
			c.logger.Warn("dropping malformed question from LLM", "id", q.ID, "options", len(q.Options))
			continue
		}
		id := fmt.Sprintf("q%d", sess.nextQ)
		sess.nextQ++
		// References in the text point at the first question using an id.
		if q.ID != "" && !seen[q.ID] {
			seen[q.ID] = true
			if q.ID != id {
				renames = append(renames, "["+q.ID+"]", "["+id+"]")
			}
		}
		q.ID = id
		sess.questions[id] = q
		kept = append(kept, q)
	}
	if len(renames) > 0 {
		// One pass, so a new id never gets renamed again.
		reply.Answer = strings.NewReplacer(renames...).Replace(reply.Answer)
	}
	reply.Questions = kept
	if len(kept) == 0 {
		reply.QuestionsTitle = ""
	}
	return reply
}

func parseReply(raw string) (llmReply, error) {
	var reply llmReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return reply, fmt.Errorf("parse LLM response: %w", err)
	}
	if strings.TrimSpace(reply.Answer) == "" && len(reply.Questions) == 0 {
		return reply, ErrEmptyAnswer
	}
	return reply, nil
}

func answerLines(sess *llmSession, answers []model.QuestionAnswer) []prompts.AnswerLine {
	lines := make([]prompts.AnswerLine, 0, len(answers))
	for _, a := range answers {
		line := prompts.AnswerLine{QuestionID: a.QuestionID, OptionID: a.SelectedOptionID}
		if q, ok := sess.questions[a.QuestionID]; ok {
			line.Known = true
			if correct, ok := q.CorrectOption(); ok {
				line.CorrectID = correct.ID
				line.Correct = correct.ID == a.SelectedOptionID
			}
		}
		lines = append(lines, line)
	}
	return lines
}
