// Package adapters defines the common interface and normalized types used by
// all upstream provider implementations (OpenAI, Anthropic, Gemini, and
// OpenAI-compatible services).
//
// Each provider lives in its own sub-package and implements Adapter plus the
// capability interfaces it supports. Callers check capability support with
// SupportsCapability before asserting the capability interface.
package adapters

import (
	"context"
)

// Capability identifies one upstream operation family.
type Capability string

const (
	CapabilityChat          Capability = "chat"
	CapabilityResponses     Capability = "responses"
	CapabilityEmbeddings    Capability = "embeddings"
	CapabilityModeration    Capability = "moderation"
	CapabilityImages        Capability = "images"
	CapabilityImageEdits    Capability = "image_edits"
	CapabilitySpeech        Capability = "speech"
	CapabilityTranscription Capability = "transcription"
	CapabilityVideo         Capability = "video"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats as reported upstream. Zero fields mean the
	// upstream did not report them; callers fall back to length estimates.
	Usage struct {
		InputTokens     int64
		OutputTokens    int64
		ReasoningTokens int64
	}

	// StreamEvent is a single event delivered during a streaming response.
	// Exactly one of Content/Reasoning is usually set; Err terminates the
	// stream when non-nil.
	StreamEvent struct {
		Content      string
		Reasoning    string
		FinishReason string
		Usage        *Usage
		Err          error
	}

	// ChatRequest — normalized chat completion request.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		TopP        float64
		MaxTokens   int64
		Stop        []string
		User        string
	}

	// ChatResponse — normalized chat completion response. Stream is non-nil
	// only for streaming requests; the sync fields are then unset.
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		Reasoning    string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamEvent
	}

	// ResponsesRequest — normalized request for the responses API.
	ResponsesRequest struct {
		Model           string
		Input           []Message
		Instructions    string
		Stream          bool
		Temperature     float64
		MaxOutputTokens int64
	}

	// ResponsesResponse — normalized responses API result.
	ResponsesResponse struct {
		ID         string
		Model      string
		OutputText string
		Reasoning  string
		Usage      Usage
		Stream     <-chan StreamEvent
	}

	// EmbeddingsRequest — normalized embedding request. Input always has at
	// least one element.
	EmbeddingsRequest struct {
		Model string
		Input []string
	}

	// Embedding — a single embedding vector.
	Embedding struct {
		Index  int       `json:"index"`
		Vector []float32 `json:"embedding"`
	}

	// EmbeddingsResponse — normalized embedding response.
	EmbeddingsResponse struct {
		Model string
		Data  []Embedding
		Usage Usage
	}

	// ModerationResult maps category names to scores, with the aggregate
	// flagged verdict.
	ModerationResult struct {
		Flagged bool
		Scores  map[string]float64
	}

	// ImageRequest — normalized image generation request.
	ImageRequest struct {
		Model   string
		Prompt  string
		N       int64
		Size    string
		Quality string
	}

	// ImageEditRequest — image edit with source image and optional mask.
	ImageEditRequest struct {
		Model  string
		Prompt string
		N      int64
		Size   string
		Image  []byte
		Mask   []byte
	}

	// ImageDatum is one generated image, as a URL or inline base64.
	ImageDatum struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	}

	// ImageResponse — normalized image generation response.
	ImageResponse struct {
		Created int64
		Data    []ImageDatum
	}

	// SpeechRequest — text-to-speech request.
	SpeechRequest struct {
		Model  string
		Input  string
		Voice  string
		Format string
	}

	// TranscriptionRequest — audio transcription request. Filename carries
	// the extension the upstream uses to sniff the container format.
	TranscriptionRequest struct {
		Model    string
		File     []byte
		Filename string
		Language string
	}

	// TranscriptionResponse — normalized transcription result.
	TranscriptionResponse struct {
		Text string
	}

	// VideoRequest — video generation request.
	VideoRequest struct {
		Model   string
		Prompt  string
		Seconds string
		Size    string
	}

	// VideoJob is the state of an async video generation job.
	VideoJob struct {
		ID        string
		Model     string
		Status    string
		Progress  int64
		CreatedAt int64
	}
)

// Adapter is the base interface every upstream implements. WithKey returns a
// derived adapter bound to a tenant credential and model mapping; the derived
// adapter is request-scoped so credentials never leak across tenants.
type Adapter interface {
	Name() string
	SupportsModel(model string) bool
	SupportsCapability(c Capability) bool
	// MappedModel translates an advertised model id to the upstream id.
	// Identity when no mapping entry exists.
	MappedModel(model string) string
	WithKey(apiKey string, mapping map[string]string) Adapter
}

// ChatAdapter serves chat completions.
type ChatAdapter interface {
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ResponsesAdapter serves the responses API.
type ResponsesAdapter interface {
	CreateResponse(ctx context.Context, req *ResponsesRequest) (*ResponsesResponse, error)
}

// EmbeddingsAdapter serves vector embeddings.
type EmbeddingsAdapter interface {
	CreateEmbeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error)
}

// ModerationAdapter serves content moderation.
type ModerationAdapter interface {
	ModerateContent(ctx context.Context, input, model string) (*ModerationResult, error)
}

// ImageAdapter serves image generation and editing.
type ImageAdapter interface {
	GenerateImages(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
	EditImages(ctx context.Context, req *ImageEditRequest) (*ImageResponse, error)
}

// SpeechAdapter serves text-to-speech.
type SpeechAdapter interface {
	TextToSpeech(ctx context.Context, req *SpeechRequest) ([]byte, error)
}

// TranscriptionAdapter serves audio transcription.
type TranscriptionAdapter interface {
	AudioTranscription(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error)
}

// VideoAdapter serves async video generation.
type VideoAdapter interface {
	CreateVideo(ctx context.Context, req *VideoRequest) (*VideoJob, error)
	GetVideoStatus(ctx context.Context, id string) (*VideoJob, error)
	DownloadVideo(ctx context.Context, id string) ([]byte, error)
	ListVideos(ctx context.Context, limit int64) ([]*VideoJob, error)
	DeleteVideo(ctx context.Context, id string) error
	RemixVideo(ctx context.Context, id, prompt string) (*VideoJob, error)
}

// StatusCoder is implemented by provider errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// MapModel applies a model mapping, returning model unchanged when no entry
// exists.
func MapModel(mapping map[string]string, model string) string {
	if mapped, ok := mapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}
