package orchestrator

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
)

const (
	maxImagePromptChars = 4000
	maxEmbeddingInputs  = 2048
	maxModerationChars  = 32768
	maxAudioBytes       = 25 << 20
)

var allowedAudioExts = map[string]bool{
	"mp3": true, "mp4": true, "mpeg": true, "mpga": true,
	"m4a": true, "wav": true, "webm": true, "flac": true,
}

// MediaResult carries the billing outcome shared by the non-chat pipelines.
type MediaResult struct {
	RequestID string
	Provider  string
	Tokens    int64
	Credits   int64
}

// EmbeddingsParams is one embeddings call.
type EmbeddingsParams struct {
	User   *store.User
	Client ClientInfo
	Model  string
	Input  []string
}

// Embeddings runs one embeddings call.
func (o *Orchestrator) Embeddings(ctx context.Context, p *EmbeddingsParams) (*adapters.EmbeddingsResponse, *MediaResult, error) {
	if len(p.Input) == 0 {
		return nil, nil, errInvalid("input must not be empty")
	}
	if len(p.Input) > maxEmbeddingInputs {
		return nil, nil, errInvalid("input exceeds %d entries", maxEmbeddingInputs)
	}

	var estInput int64
	for _, in := range p.Input {
		estInput += catalog.EstimateTokens(in)
	}
	adm, err := o.admit(ctx, admitParams{
		user:       p.User,
		client:     p.Client,
		modelID:    p.Model,
		capability: adapters.CapabilityEmbeddings,
		endpoint:   catalog.EndpointEmbeddings,
		estInput:   estInput,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := o.open(ctx, adm); err != nil {
		return nil, nil, err
	}

	req := &adapters.EmbeddingsRequest{Model: p.Model, Input: p.Input}
	resp, att, err := invoke(ctx, o, adm, maxAttemptsOther,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (*adapters.EmbeddingsResponse, int64, error) {
			ea, ok := a.(adapters.EmbeddingsAdapter)
			if !ok {
				return nil, 0, errUnsupported
			}
			r, err := ea.CreateEmbeddings(ctx, req)
			if err != nil {
				return nil, 0, err
			}
			return r, r.Usage.InputTokens, nil
		})
	if err != nil {
		o.fail(ctx, adm, att, err)
		return nil, nil, err
	}

	tokens := adm.estInput
	if resp.Usage.InputTokens > 0 {
		tokens = resp.Usage.InputTokens
	}
	credits := o.finalize(ctx, adm, att, tokens, int64(len(resp.Data)))
	return resp, &MediaResult{
		RequestID: adm.requestID,
		Provider:  att.OpaqueID(),
		Tokens:    tokens,
		Credits:   credits,
	}, nil
}

// ModerationsParams is one moderation call.
type ModerationsParams struct {
	User   *store.User
	Client ClientInfo
	Model  string
	Input  string
}

// Moderations runs one moderation call.
func (o *Orchestrator) Moderations(ctx context.Context, p *ModerationsParams) (*adapters.ModerationResult, *MediaResult, error) {
	if p.Input == "" {
		return nil, nil, errInvalid("input must not be empty")
	}
	if len(p.Input) > maxModerationChars {
		return nil, nil, errInvalid("input exceeds %d characters", maxModerationChars)
	}

	adm, err := o.admit(ctx, admitParams{
		user:       p.User,
		client:     p.Client,
		modelID:    p.Model,
		capability: adapters.CapabilityModeration,
		endpoint:   catalog.EndpointModerations,
		estInput:   catalog.EstimateTokens(p.Input),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := o.open(ctx, adm); err != nil {
		return nil, nil, err
	}

	resp, att, err := invoke(ctx, o, adm, maxAttemptsOther,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (*adapters.ModerationResult, int64, error) {
			ma, ok := a.(adapters.ModerationAdapter)
			if !ok {
				return nil, 0, errUnsupported
			}
			r, err := ma.ModerateContent(ctx, p.Input, p.Model)
			if err != nil {
				return nil, 0, err
			}
			return r, 0, nil
		})
	if err != nil {
		o.fail(ctx, adm, att, err)
		return nil, nil, err
	}

	credits := o.finalize(ctx, adm, att, adm.estInput, 0)
	return resp, &MediaResult{
		RequestID: adm.requestID,
		Provider:  att.OpaqueID(),
		Tokens:    adm.estInput,
		Credits:   credits,
	}, nil
}

// ImagesParams is one image generation call.
type ImagesParams struct {
	User    *store.User
	Client  ClientInfo
	Model   string
	Prompt  string
	N       int64
	Size    string
	Quality string
}

// Images runs one image generation call. The prompt is screened with the
// stricter image thresholds.
func (o *Orchestrator) Images(ctx context.Context, p *ImagesParams) (*adapters.ImageResponse, *MediaResult, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, nil, errInvalid("prompt must not be empty")
	}
	if len(p.Prompt) > maxImagePromptChars {
		return nil, nil, errInvalid("prompt exceeds %d characters", maxImagePromptChars)
	}

	adm, err := o.admit(ctx, admitParams{
		user:          p.User,
		client:        p.Client,
		modelID:       p.Model,
		capability:    adapters.CapabilityImages,
		endpoint:      catalog.EndpointImages,
		screenContent: p.Prompt,
		screenImage:   true,
		estInput:      catalog.EstimateTokens(p.Prompt),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := o.open(ctx, adm); err != nil {
		return nil, nil, err
	}

	req := &adapters.ImageRequest{
		Model: p.Model, Prompt: p.Prompt, N: p.N,
		Size: p.Size, Quality: p.Quality,
	}
	resp, att, err := invoke(ctx, o, adm, maxAttemptsOther,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (*adapters.ImageResponse, int64, error) {
			ia, ok := a.(adapters.ImageAdapter)
			if !ok {
				return nil, 0, errUnsupported
			}
			r, err := ia.GenerateImages(ctx, req)
			if err != nil {
				return nil, 0, err
			}
			return r, 0, nil
		})
	if err != nil {
		o.fail(ctx, adm, att, err)
		return nil, nil, err
	}

	credits := o.finalize(ctx, adm, att, adm.estInput, int64(len(resp.Data)))
	return resp, &MediaResult{
		RequestID: adm.requestID,
		Provider:  att.OpaqueID(),
		Tokens:    adm.estInput,
		Credits:   credits,
	}, nil
}

// ImageEditsParams is one image edit call.
type ImageEditsParams struct {
	User   *store.User
	Client ClientInfo
	Model  string
	Prompt string
	N      int64
	Size   string
	Image  []byte
	Mask   []byte
}

// ImageEdits runs one image edit call.
func (o *Orchestrator) ImageEdits(ctx context.Context, p *ImageEditsParams) (*adapters.ImageResponse, *MediaResult, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, nil, errInvalid("prompt must not be empty")
	}
	if len(p.Prompt) > maxImagePromptChars {
		return nil, nil, errInvalid("prompt exceeds %d characters", maxImagePromptChars)
	}
	if len(p.Image) == 0 {
		return nil, nil, errInvalid("image is required")
	}

	adm, err := o.admit(ctx, admitParams{
		user:          p.User,
		client:        p.Client,
		modelID:       p.Model,
		capability:    adapters.CapabilityImageEdits,
		endpoint:      catalog.EndpointImageEdits,
		screenContent: p.Prompt,
		screenImage:   true,
		estInput:      catalog.EstimateTokens(p.Prompt),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := o.open(ctx, adm); err != nil {
		return nil, nil, err
	}

	req := &adapters.ImageEditRequest{
		Model: p.Model, Prompt: p.Prompt, N: p.N,
		Size: p.Size, Image: p.Image, Mask: p.Mask,
	}
	resp, att, err := invoke(ctx, o, adm, maxAttemptsOther,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (*adapters.ImageResponse, int64, error) {
			ia, ok := a.(adapters.ImageAdapter)
			if !ok {
				return nil, 0, errUnsupported
			}
			r, err := ia.EditImages(ctx, req)
			if err != nil {
				return nil, 0, err
			}
			return r, 0, nil
		})
	if err != nil {
		o.fail(ctx, adm, att, err)
		return nil, nil, err
	}

	credits := o.finalize(ctx, adm, att, adm.estInput, int64(len(resp.Data)))
	return resp, &MediaResult{
		RequestID: adm.requestID,
		Provider:  att.OpaqueID(),
		Tokens:    adm.estInput,
		Credits:   credits,
	}, nil
}

// SpeechParams is one text-to-speech call.
type SpeechParams struct {
	User   *store.User
	Client ClientInfo
	Model  string
	Input  string
	Voice  string
	Format string
}

// Speech runs one text-to-speech call. Returns the raw audio bytes.
func (o *Orchestrator) Speech(ctx context.Context, p *SpeechParams) ([]byte, *MediaResult, error) {
	if strings.TrimSpace(p.Input) == "" {
		return nil, nil, errInvalid("input must not be empty")
	}

	adm, err := o.admit(ctx, admitParams{
		user:       p.User,
		client:     p.Client,
		modelID:    p.Model,
		capability: adapters.CapabilitySpeech,
		endpoint:   catalog.EndpointSpeech,
		estInput:   catalog.EstimateTokens(p.Input),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := o.open(ctx, adm); err != nil {
		return nil, nil, err
	}

	req := &adapters.SpeechRequest{
		Model: p.Model, Input: p.Input, Voice: p.Voice, Format: p.Format,
	}
	audio, att, err := invoke(ctx, o, adm, maxAttemptsOther,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) ([]byte, int64, error) {
			sa, ok := a.(adapters.SpeechAdapter)
			if !ok {
				return nil, 0, errUnsupported
			}
			b, err := sa.TextToSpeech(ctx, req)
			if err != nil {
				return nil, 0, err
			}
			return b, 0, nil
		})
	if err != nil {
		o.fail(ctx, adm, att, err)
		return nil, nil, err
	}

	credits := o.finalize(ctx, adm, att, adm.estInput, int64(len(audio)))
	return audio, &MediaResult{
		RequestID: adm.requestID,
		Provider:  att.OpaqueID(),
		Tokens:    adm.estInput,
		Credits:   credits,
	}, nil
}

// TranscriptionParams is one audio transcription call.
type TranscriptionParams struct {
	User     *store.User
	Client   ClientInfo
	Model    string
	File     []byte
	Filename string
	Language string
}

func validateAudioFile(file []byte, filename string) error {
	if len(file) == 0 {
		return errInvalid("audio file is required")
	}
	if len(file) > maxAudioBytes {
		return errInvalid("audio file exceeds 25 MB")
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !allowedAudioExts[ext] {
		return errInvalid("unsupported audio format %q", ext)
	}
	return nil
}

// Transcription runs one audio transcription call.
func (o *Orchestrator) Transcription(ctx context.Context, p *TranscriptionParams) (*adapters.TranscriptionResponse, *MediaResult, error) {
	if err := validateAudioFile(p.File, p.Filename); err != nil {
		return nil, nil, err
	}

	adm, err := o.admit(ctx, admitParams{
		user:       p.User,
		client:     p.Client,
		modelID:    p.Model,
		capability: adapters.CapabilityTranscription,
		endpoint:   catalog.EndpointTranscriptions,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := o.open(ctx, adm); err != nil {
		return nil, nil, err
	}

	req := &adapters.TranscriptionRequest{
		Model: p.Model, File: p.File, Filename: p.Filename, Language: p.Language,
	}
	resp, att, err := invoke(ctx, o, adm, maxAttemptsOther,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (*adapters.TranscriptionResponse, int64, error) {
			ta, ok := a.(adapters.TranscriptionAdapter)
			if !ok {
				return nil, 0, errUnsupported
			}
			r, err := ta.AudioTranscription(ctx, req)
			if err != nil {
				return nil, 0, err
			}
			return r, 0, nil
		})
	if err != nil {
		o.fail(ctx, adm, att, err)
		return nil, nil, err
	}

	tokens := catalog.EstimateTokens(resp.Text)
	credits := o.finalize(ctx, adm, att, tokens, int64(len(resp.Text)))
	return resp, &MediaResult{
		RequestID: adm.requestID,
		Provider:  att.OpaqueID(),
		Tokens:    tokens,
		Credits:   credits,
	}, nil
}

// VideoParams is one video generation call.
type VideoParams struct {
	User    *store.User
	Client  ClientInfo
	Model   string
	Prompt  string
	Seconds string
	Size    string
}

// Video starts one async video generation job.
func (o *Orchestrator) Video(ctx context.Context, p *VideoParams) (*adapters.VideoJob, *MediaResult, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, nil, errInvalid("prompt must not be empty")
	}

	adm, err := o.admit(ctx, admitParams{
		user:          p.User,
		client:        p.Client,
		modelID:       p.Model,
		capability:    adapters.CapabilityVideo,
		endpoint:      catalog.EndpointVideos,
		screenContent: p.Prompt,
		screenImage:   true,
		estInput:      catalog.EstimateTokens(p.Prompt),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := o.open(ctx, adm); err != nil {
		return nil, nil, err
	}

	req := &adapters.VideoRequest{
		Model: p.Model, Prompt: p.Prompt, Seconds: p.Seconds, Size: p.Size,
	}
	job, att, err := invoke(ctx, o, adm, maxAttemptsOther,
		func(ctx context.Context, a adapters.Adapter, _ *balancer.Selection) (*adapters.VideoJob, int64, error) {
			va, ok := a.(adapters.VideoAdapter)
			if !ok {
				return nil, 0, errUnsupported
			}
			j, err := va.CreateVideo(ctx, req)
			if err != nil {
				return nil, 0, err
			}
			return j, 0, nil
		})
	if err != nil {
		o.fail(ctx, adm, att, err)
		return nil, nil, err
	}

	credits := o.finalize(ctx, adm, att, adm.estInput, 0)
	return job, &MediaResult{
		RequestID: adm.requestID,
		Provider:  att.OpaqueID(),
		Tokens:    adm.estInput,
		Credits:   credits,
	}, nil
}

// VideoOp is a follow-up operation on an existing video job. These are
// pass-through calls billed nowhere; the job was billed at creation.
func (o *Orchestrator) videoAdapter(ctx context.Context, model string) (adapters.VideoAdapter, *balancer.Selection, error) {
	sel := o.balancer.Select(ctx, &balancer.Request{
		Model:          model,
		RequireHealthy: true,
		Capability:     adapters.CapabilityVideo,
	})
	if sel == nil {
		return nil, nil, errNoCapacity()
	}
	var apiKey string
	var mapping map[string]string
	if sel.SubProvider != nil {
		key, err := o.subs.DecryptKey(sel.SubProvider.ID)
		if err != nil {
			return nil, nil, err
		}
		apiKey = key
		mapping = o.subs.ModelMapping(sel.SubProvider.ID)
	}
	a, err := o.registry.DeriveWithKey(sel.Provider.Name, apiKey, mapping)
	if err != nil {
		return nil, nil, err
	}
	va, ok := a.(adapters.VideoAdapter)
	if !ok {
		return nil, nil, errUnsupported
	}
	return va, sel, nil
}

// VideoStatus fetches the state of an existing job.
func (o *Orchestrator) VideoStatus(ctx context.Context, model, jobID string) (*adapters.VideoJob, error) {
	va, _, err := o.videoAdapter(ctx, model)
	if err != nil {
		return nil, err
	}
	return va.GetVideoStatus(ctx, jobID)
}

// VideoDownload returns the rendered video bytes.
func (o *Orchestrator) VideoDownload(ctx context.Context, model, jobID string) ([]byte, error) {
	va, _, err := o.videoAdapter(ctx, model)
	if err != nil {
		return nil, err
	}
	return va.DownloadVideo(ctx, jobID)
}

// VideoList lists recent jobs.
func (o *Orchestrator) VideoList(ctx context.Context, model string, limit int64) ([]*adapters.VideoJob, error) {
	va, _, err := o.videoAdapter(ctx, model)
	if err != nil {
		return nil, err
	}
	return va.ListVideos(ctx, limit)
}

// VideoDelete removes a job.
func (o *Orchestrator) VideoDelete(ctx context.Context, model, jobID string) error {
	va, _, err := o.videoAdapter(ctx, model)
	if err != nil {
		return err
	}
	return va.DeleteVideo(ctx, jobID)
}

// VideoRemix starts a remix of an existing job.
func (o *Orchestrator) VideoRemix(ctx context.Context, model, jobID, prompt string) (*adapters.VideoJob, error) {
	va, _, err := o.videoAdapter(ctx, model)
	if err != nil {
		return nil, err
	}
	return va.RemixVideo(ctx, jobID, prompt)
}
