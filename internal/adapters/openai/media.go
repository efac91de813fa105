package openai

import (
	"bytes"
	"context"
	"io"

	openaiSDK "github.com/openai/openai-go/v3"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
)

// CreateEmbeddings implements adapters.EmbeddingsAdapter.
func (a *Adapter) CreateEmbeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(a.MappedModel(req.Model)),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	resp, err := a.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	data := make([]adapters.Embedding, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		data[i] = adapters.Embedding{Index: int(d.Index), Vector: vec}
	}

	return &adapters.EmbeddingsResponse{
		Model: resp.Model,
		Data:  data,
		Usage: adapters.Usage{InputTokens: resp.Usage.PromptTokens},
	}, nil
}

// ModerateContent implements adapters.ModerationAdapter.
func (a *Adapter) ModerateContent(ctx context.Context, input, model string) (*adapters.ModerationResult, error) {
	params := openaiSDK.ModerationNewParams{
		Input: openaiSDK.ModerationNewParamsInputUnion{
			OfString: openaiSDK.String(input),
		},
	}
	if model != "" {
		params.Model = openaiSDK.ModerationModel(a.MappedModel(model))
	}

	resp, err := a.client.Moderations.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}
	if len(resp.Results) == 0 {
		return &adapters.ModerationResult{Scores: map[string]float64{}}, nil
	}

	r := resp.Results[0]
	cs := r.CategoryScores
	return &adapters.ModerationResult{
		Flagged: r.Flagged,
		Scores: map[string]float64{
			"harassment":             cs.Harassment,
			"harassment/threatening": cs.HarassmentThreatening,
			"hate":                   cs.Hate,
			"hate/threatening":       cs.HateThreatening,
			"illicit":                cs.Illicit,
			"illicit/violent":        cs.IllicitViolent,
			"self-harm":              cs.SelfHarm,
			"self-harm/instructions": cs.SelfHarmInstructions,
			"self-harm/intent":       cs.SelfHarmIntent,
			"sexual":                 cs.Sexual,
			"sexual/minors":          cs.SexualMinors,
			"violence":               cs.Violence,
			"violence/graphic":       cs.ViolenceGraphic,
		},
	}, nil
}

// GenerateImages implements adapters.ImageAdapter.
func (a *Adapter) GenerateImages(ctx context.Context, req *adapters.ImageRequest) (*adapters.ImageResponse, error) {
	params := openaiSDK.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openaiSDK.ImageModel(a.MappedModel(req.Model)),
	}
	if req.N > 0 {
		params.N = openaiSDK.Int(req.N)
	}
	if req.Size != "" {
		params.Size = openaiSDK.ImageGenerateParamsSize(req.Size)
	}
	if req.Quality != "" {
		params.Quality = openaiSDK.ImageGenerateParamsQuality(req.Quality)
	}

	resp, err := a.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}
	return toImageResponse(resp), nil
}

// EditImages implements adapters.ImageAdapter.
func (a *Adapter) EditImages(ctx context.Context, req *adapters.ImageEditRequest) (*adapters.ImageResponse, error) {
	params := openaiSDK.ImageEditParams{
		Prompt: req.Prompt,
		Model:  openaiSDK.ImageModel(a.MappedModel(req.Model)),
		Image: openaiSDK.ImageEditParamsImageUnion{
			OfFile: openaiSDK.File(bytes.NewReader(req.Image), "image.png", "image/png"),
		},
	}
	if req.N > 0 {
		params.N = openaiSDK.Int(req.N)
	}
	if req.Size != "" {
		params.Size = openaiSDK.ImageEditParamsSize(req.Size)
	}
	if len(req.Mask) > 0 {
		params.Mask = openaiSDK.File(bytes.NewReader(req.Mask), "mask.png", "image/png")
	}

	resp, err := a.client.Images.Edit(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}
	return toImageResponse(resp), nil
}

func toImageResponse(resp *openaiSDK.ImagesResponse) *adapters.ImageResponse {
	out := &adapters.ImageResponse{Created: resp.Created}
	for _, d := range resp.Data {
		out.Data = append(out.Data, adapters.ImageDatum{
			URL:     d.URL,
			B64JSON: d.B64JSON,
		})
	}
	return out
}

// TextToSpeech implements adapters.SpeechAdapter.
func (a *Adapter) TextToSpeech(ctx context.Context, req *adapters.SpeechRequest) ([]byte, error) {
	params := openaiSDK.AudioSpeechNewParams{
		Model: openaiSDK.SpeechModel(a.MappedModel(req.Model)),
		Input: req.Input,
		Voice: openaiSDK.AudioSpeechNewParamsVoice(req.Voice),
	}
	if req.Format != "" {
		params.ResponseFormat = openaiSDK.AudioSpeechNewParamsResponseFormat(req.Format)
	}

	resp, err := a.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, toAdapterError(err)
	}
	return audio, nil
}

// AudioTranscription implements adapters.TranscriptionAdapter.
func (a *Adapter) AudioTranscription(ctx context.Context, req *adapters.TranscriptionRequest) (*adapters.TranscriptionResponse, error) {
	params := openaiSDK.AudioTranscriptionNewParams{
		Model: openaiSDK.AudioModel(a.MappedModel(req.Model)),
		File:  openaiSDK.File(bytes.NewReader(req.File), req.Filename, "application/octet-stream"),
	}
	if req.Language != "" {
		params.Language = openaiSDK.String(req.Language)
	}

	resp, err := a.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}
	return &adapters.TranscriptionResponse{Text: resp.Text}, nil
}

// CreateVideo implements adapters.VideoAdapter.
func (a *Adapter) CreateVideo(ctx context.Context, req *adapters.VideoRequest) (*adapters.VideoJob, error) {
	params := openaiSDK.VideoNewParams{
		Model:  openaiSDK.VideoModel(a.MappedModel(req.Model)),
		Prompt: req.Prompt,
	}
	if req.Seconds != "" {
		params.Seconds = openaiSDK.VideoSeconds(req.Seconds)
	}
	if req.Size != "" {
		params.Size = openaiSDK.VideoSize(req.Size)
	}

	resp, err := a.client.Videos.New(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}
	return toVideoJob(resp), nil
}

// GetVideoStatus implements adapters.VideoAdapter.
func (a *Adapter) GetVideoStatus(ctx context.Context, id string) (*adapters.VideoJob, error) {
	resp, err := a.client.Videos.Get(ctx, id)
	if err != nil {
		return nil, toAdapterError(err)
	}
	return toVideoJob(resp), nil
}

// DownloadVideo implements adapters.VideoAdapter.
func (a *Adapter) DownloadVideo(ctx context.Context, id string) ([]byte, error) {
	resp, err := a.client.Videos.DownloadContent(ctx, id, openaiSDK.VideoDownloadContentParams{})
	if err != nil {
		return nil, toAdapterError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, toAdapterError(err)
	}
	return data, nil
}

// ListVideos implements adapters.VideoAdapter.
func (a *Adapter) ListVideos(ctx context.Context, limit int64) ([]*adapters.VideoJob, error) {
	params := openaiSDK.VideoListParams{}
	if limit > 0 {
		params.Limit = openaiSDK.Int(limit)
	}

	page, err := a.client.Videos.List(ctx, params)
	if err != nil {
		return nil, toAdapterError(err)
	}

	out := make([]*adapters.VideoJob, 0, len(page.Data))
	for i := range page.Data {
		out = append(out, toVideoJob(&page.Data[i]))
	}
	return out, nil
}

// DeleteVideo implements adapters.VideoAdapter.
func (a *Adapter) DeleteVideo(ctx context.Context, id string) error {
	if _, err := a.client.Videos.Delete(ctx, id); err != nil {
		return toAdapterError(err)
	}
	return nil
}

// RemixVideo implements adapters.VideoAdapter.
func (a *Adapter) RemixVideo(ctx context.Context, id, prompt string) (*adapters.VideoJob, error) {
	resp, err := a.client.Videos.Remix(ctx, id, openaiSDK.VideoRemixParams{Prompt: prompt})
	if err != nil {
		return nil, toAdapterError(err)
	}
	return toVideoJob(resp), nil
}

func toVideoJob(v *openaiSDK.Video) *adapters.VideoJob {
	return &adapters.VideoJob{
		ID:        v.ID,
		Model:     string(v.Model),
		Status:    string(v.Status),
		Progress:  v.Progress,
		CreatedAt: v.CreatedAt,
	}
}
