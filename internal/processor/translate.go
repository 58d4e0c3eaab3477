// Package processor consumes content work items: normalize language,
// fetch a knowledge answer, deliver it back to the originating thread.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	bedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/translate"
)

const translatorSystemPrompt = "You are a highly skilled translator with expertise in many languages. " +
	"Your task is to identify the language of the text user provides and directly translate it into the requested " +
	"language while preserving the meaning, tone, and nuance of the original text. Please maintain proper grammar, " +
	"spelling, and punctuation. Do not try to understand the content, just put the result in <res></res>. " +
	"Never talk to user starting with \"I apologize\", just give the translated text."

type BedrockClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type TranslateClient interface {
	TranslateText(ctx context.Context, params *translate.TranslateTextInput, optFns ...func(*translate.Options)) (*translate.TranslateTextOutput, error)
}

// Translator prefers the Bedrock model and falls back to the managed
// translate service when the model call fails or returns an unusable
// shape. Both paths failing is reported so the caller can degrade.
type Translator struct {
	bedrock   BedrockClient
	translate TranslateClient
	modelID   string
}

func NewTranslator(bedrock BedrockClient, translateClient TranslateClient) (*Translator, error) {
	if bedrock == nil && translateClient == nil {
		return nil, errors.New("processor: translator needs at least one backend")
	}
	return &Translator{
		bedrock:   bedrock,
		translate: translateClient,
		modelID:   strings.TrimSpace(os.Getenv("BEDROCK_MODEL_ID")),
	}, nil
}

// ToLanguage translates text into the target language code ("en", "zh"…).
func (t *Translator) ToLanguage(ctx context.Context, text, target string) (string, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return "", errors.New("processor: empty target language")
	}

	if t.bedrock != nil && t.modelID != "" {
		out, err := t.bedrockTranslate(ctx, text, target)
		if err == nil {
			return out, nil
		}
	}

	if t.translate != nil {
		out, err := t.translate.TranslateText(ctx, &translate.TranslateTextInput{
			Text:               aws.String(text),
			SourceLanguageCode: aws.String("auto"),
			TargetLanguageCode: aws.String(target),
		})
		if err != nil {
			return "", fmt.Errorf("processor: translate fallback: %w", err)
		}
		return aws.ToString(out.TranslatedText), nil
	}

	return "", errors.New("processor: all translation backends failed")
}

func (t *Translator) bedrockTranslate(ctx context.Context, text, target string) (string, error) {
	prompt := fmt.Sprintf("%q -> %s", text, strings.ToUpper(target))

	payload := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        2000,
		"system":            translatorSystemPrompt,
		"temperature":       0,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
				},
			},
		},
	}
	body, _ := json.Marshal(payload)

	out, err := t.bedrock.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(t.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("processor: bedrock InvokeModel: %w", err)
	}

	var raw struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Body, &raw); err != nil {
		return "", fmt.Errorf("processor: bedrock response unmarshal: %w", err)
	}

	var combined string
	for _, c := range raw.Content {
		if c.Type == "text" {
			combined += c.Text
		}
	}

	res, ok := extractResult(combined)
	if !ok {
		return "", errors.New("processor: bedrock output missing <res> block")
	}
	return res, nil
}

// extractResult pulls the translated text out of the model's
// <res>...</res> wrapper.
func extractResult(s string) (string, bool) {
	start := strings.Index(s, "<res>")
	if start < 0 {
		return "", false
	}
	rest := s[start+len("<res>"):]
	end := strings.Index(rest, "</res>")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
