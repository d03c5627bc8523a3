package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/math12studio/assistant/internal/config"
	"github.com/math12studio/assistant/internal/model/chat"
)

// ErrStreamingDisabled is returned by the streaming calls when ARK_STREAM is off.
var ErrStreamingDisabled = errors.New("streaming disabled in configuration")

// Service answers math questions through an eino chain.
type Service struct {
	chatModel model.BaseChatModel
	cfg       config.AIConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
	system    string
}

// NewService creates a new AI service instance backed by Ark
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg)
}

// NewServiceWithModel builds the chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		chain:     runnable,
		system:    DefaultTutorTemplate.BuildSystemPrompt(cfg.SystemPrompt),
	}, nil
}

// StreamingEnabled 指示是否开启流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// GenerateResponse returns the whole answer to prompt.
func (s *Service) GenerateResponse(ctx context.Context, messages []chat.Message, prompt string) (string, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(messages, prompt))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Printf("[ai] generated response, history=%d, length=%d", len(messages), len(response.Content))
	return response.Content, nil
}

// StreamResponse streams answer chunks via the configured chain.
func (s *Service) StreamResponse(ctx context.Context, messages []chat.Message, prompt string) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, ErrStreamingDisabled
	}

	stream, err := s.chain.Stream(ctx, s.buildChainInput(messages, prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

// OpenTextStream exposes the streamed answer as raw text. Closing the reader
// stops the model stream.
func (s *Service) OpenTextStream(ctx context.Context, messages []chat.Message, prompt string) (io.ReadCloser, error) {
	stream, err := s.StreamResponse(ctx, messages, prompt)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				pw.Close()
				return
			}
			if err != nil {
				log.Printf("[ai] stream receive error: %v", err)
				pw.CloseWithError(err)
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			if _, err := io.WriteString(pw, chunk.Content); err != nil {
				// reader closed
				return
			}
		}
	}()
	return pr, nil
}

// GetChatModel 返回底层的聊天模型
func (s *Service) GetChatModel() model.BaseChatModel {
	return s.chatModel
}

func (s *Service) buildChainInput(messages []chat.Message, prompt string) map[string]any {
	return map[string]any{
		"system":  s.system,
		"history": s.buildHistoryMessages(messages),
		"query":   prompt,
	}
}

func (s *Service) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	historyLimit := s.cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = config.DefaultHistoryLimit
	}

	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}
