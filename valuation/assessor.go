package valuation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"bookswap/book"
)

const (
	MinPoints = 5
	MaxPoints = 20
)

// Input is what an assessor sees of a book.
type Input struct {
	Title     string
	Author    string
	Condition book.Condition
	// Demand counts recent requests for books with the same title.
	Demand int
	// Copies counts listed, non-deleted books with the same title.
	Copies int
}

// Assessor prices a book. Results outside [MinPoints, MaxPoints] are clamped
// by the caller.
type Assessor interface {
	Assess(ctx context.Context, in Input) (int, error)
}

// Clamp bounds points to the valuation range.
func Clamp(points int) int {
	if points < MinPoints {
		return MinPoints
	}
	if points > MaxPoints {
		return MaxPoints
	}
	return points
}

// HeuristicAssessor is a deterministic formula over condition, demand and
// rarity. It never fails and backs every other assessor.
type HeuristicAssessor struct{}

var conditionBase = map[book.Condition]int{
	book.ConditionNew:     14,
	book.ConditionLikeNew: 12,
	book.ConditionGood:    10,
	book.ConditionFair:    8,
	book.ConditionPoor:    6,
}

func (HeuristicAssessor) Assess(_ context.Context, in Input) (int, error) {
	points, ok := conditionBase[in.Condition]
	if !ok {
		points = conditionBase[book.ConditionGood]
	}

	demand := in.Demand
	if demand > 4 {
		demand = 4
	}
	if demand > 0 {
		points += demand
	}

	switch {
	case in.Copies <= 1:
		points += 2
	case in.Copies <= 3:
		points++
	}
	return Clamp(points), nil
}

// ChatCompleter is the subset of *openai.Client the assessor uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIAssessor asks a chat model to price the book.
type OpenAIAssessor struct {
	client ChatCompleter
	model  string
}

var ErrNoValuation = errors.New("valuation: model returned no usable number")

func NewOpenAIAssessor(client ChatCompleter, model string) *OpenAIAssessor {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIAssessor{client: client, model: model}
}

const systemPrompt = "You price second-hand books for a members-only swap. " +
	"Answer with a single integer between 5 and 20 and nothing else."

func (a *OpenAIAssessor) Assess(ctx context.Context, in Input) (int, error) {
	prompt := fmt.Sprintf(
		"Title: %s\nAuthor: %s\nCondition: %s\nRecent requests for this title: %d\nCopies listed: %d\nPoints:",
		in.Title, in.Author, in.Condition, in.Demand, in.Copies,
	)
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   4,
		Temperature: 0,
	})
	if err != nil {
		return 0, fmt.Errorf("valuation: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, ErrNoValuation
	}
	return parsePoints(resp.Choices[0].Message.Content)
}

var firstInt = regexp.MustCompile(`-?\d+`)

func parsePoints(content string) (int, error) {
	m := firstInt.FindString(strings.TrimSpace(content))
	if m == "" {
		return 0, ErrNoValuation
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, ErrNoValuation
	}
	return n, nil
}
