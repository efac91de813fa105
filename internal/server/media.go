package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/analytics"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/orchestrator"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/pkg/apierr"
)

func writeInvalid(ctx *fasthttp.RequestCtx, format string, args ...any) {
	apierr.Write(ctx, fasthttp.StatusBadRequest,
		fmt.Sprintf(format, args...),
		apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

// recordMedia emits the shared analytics/metrics for a billed media call.
func (s *Server) recordMedia(u *store.User, res *orchestrator.MediaResult, model, endpoint string) {
	if s.metrics != nil {
		s.metrics.AddCredits(model, res.Credits)
	}
	s.record(analytics.Event{
		RequestID:   res.RequestID,
		UserID:      u.ID,
		Provider:    res.Provider,
		Model:       model,
		Endpoint:    endpoint,
		Status:      fasthttp.StatusOK,
		InputTokens: uint32(res.Tokens),
		Credits:     res.Credits,
	})
}

// stringList accepts a string or an array of strings.
func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx, u *store.User) {
	var req struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeInvalid(ctx, "invalid JSON: %s", err.Error())
		return
	}
	if req.Model == "" {
		writeInvalid(ctx, "field 'model' is required")
		return
	}

	resp, res, err := s.orch.Embeddings(ctx, &orchestrator.EmbeddingsParams{
		User:   u,
		Client: clientInfo(ctx),
		Model:  req.Model,
		Input:  stringList(req.Input),
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	s.recordMedia(u, res, req.Model, catalog.EndpointEmbeddings)

	type datum struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	data := make([]datum, len(resp.Data))
	for i, e := range resp.Data {
		data[i] = datum{Object: "embedding", Index: e.Index, Embedding: e.Vector}
	}
	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage": map[string]int64{
			"prompt_tokens": res.Tokens,
			"total_tokens":  res.Tokens,
		},
	})
}

func (s *Server) handleModerations(ctx *fasthttp.RequestCtx, u *store.User) {
	var req struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeInvalid(ctx, "invalid JSON: %s", err.Error())
		return
	}
	if req.Model == "" {
		req.Model = "omni-moderation-latest"
	}
	var input string
	for i, part := range stringList(req.Input) {
		if i > 0 {
			input += "\n"
		}
		input += part
	}

	result, res, err := s.orch.Moderations(ctx, &orchestrator.ModerationsParams{
		User:   u,
		Client: clientInfo(ctx),
		Model:  req.Model,
		Input:  input,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	s.recordMedia(u, res, req.Model, catalog.EndpointModerations)

	categories := make(map[string]bool, len(result.Scores))
	for cat, score := range result.Scores {
		categories[cat] = score >= 0.5
	}
	writeJSON(ctx, map[string]any{
		"id":    "modr-" + res.RequestID,
		"model": req.Model,
		"results": []map[string]any{
			{
				"flagged":         result.Flagged,
				"categories":      categories,
				"category_scores": result.Scores,
			},
		},
	})
}

func imageEnvelope(resp *adapters.ImageResponse) map[string]any {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	return map[string]any{"created": created, "data": resp.Data}
}

func (s *Server) handleImages(ctx *fasthttp.RequestCtx, u *store.User) {
	var req struct {
		Model   string `json:"model"`
		Prompt  string `json:"prompt"`
		N       int64  `json:"n"`
		Size    string `json:"size"`
		Quality string `json:"quality"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeInvalid(ctx, "invalid JSON: %s", err.Error())
		return
	}
	if req.Model == "" {
		writeInvalid(ctx, "field 'model' is required")
		return
	}

	resp, res, err := s.orch.Images(ctx, &orchestrator.ImagesParams{
		User:    u,
		Client:  clientInfo(ctx),
		Model:   req.Model,
		Prompt:  req.Prompt,
		N:       req.N,
		Size:    req.Size,
		Quality: req.Quality,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	s.recordMedia(u, res, req.Model, catalog.EndpointImages)
	writeJSON(ctx, imageEnvelope(resp))
}

// formFile reads one uploaded file from a multipart form. Returns nil bytes
// when the field is absent.
func formFile(form *multipart.Form, field string) ([]byte, string, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, "", nil
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return data, files[0].Filename, nil
}

func formValue(form *multipart.Form, field string) string {
	if vs := form.Value[field]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (s *Server) handleImageEdits(ctx *fasthttp.RequestCtx, u *store.User) {
	form, err := ctx.MultipartForm()
	if err != nil {
		writeInvalid(ctx, "expected multipart/form-data: %s", err.Error())
		return
	}
	image, _, err := formFile(form, "image")
	if err != nil {
		writeInvalid(ctx, "read image: %s", err.Error())
		return
	}
	mask, _, err := formFile(form, "mask")
	if err != nil {
		writeInvalid(ctx, "read mask: %s", err.Error())
		return
	}
	model := formValue(form, "model")
	if model == "" {
		writeInvalid(ctx, "field 'model' is required")
		return
	}
	var n int64
	if v := formValue(form, "n"); v != "" {
		n, _ = strconv.ParseInt(v, 10, 64)
	}

	resp, res, err := s.orch.ImageEdits(ctx, &orchestrator.ImageEditsParams{
		User:   u,
		Client: clientInfo(ctx),
		Model:  model,
		Prompt: formValue(form, "prompt"),
		N:      n,
		Size:   formValue(form, "size"),
		Image:  image,
		Mask:   mask,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	s.recordMedia(u, res, model, catalog.EndpointImageEdits)
	writeJSON(ctx, imageEnvelope(resp))
}

// audioContentTypes maps speech output formats to MIME types.
var audioContentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"pcm":  "audio/pcm",
}

func (s *Server) handleSpeech(ctx *fasthttp.RequestCtx, u *store.User) {
	var req struct {
		Model          string `json:"model"`
		Input          string `json:"input"`
		Voice          string `json:"voice"`
		ResponseFormat string `json:"response_format"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeInvalid(ctx, "invalid JSON: %s", err.Error())
		return
	}
	if req.Model == "" {
		writeInvalid(ctx, "field 'model' is required")
		return
	}

	audio, res, err := s.orch.Speech(ctx, &orchestrator.SpeechParams{
		User:   u,
		Client: clientInfo(ctx),
		Model:  req.Model,
		Input:  req.Input,
		Voice:  req.Voice,
		Format: req.ResponseFormat,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	s.recordMedia(u, res, req.Model, catalog.EndpointSpeech)

	contentType := audioContentTypes[req.ResponseFormat]
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	ctx.SetContentType(contentType)
	ctx.SetBody(audio)
}

func (s *Server) handleTranscriptions(ctx *fasthttp.RequestCtx, u *store.User) {
	form, err := ctx.MultipartForm()
	if err != nil {
		writeInvalid(ctx, "expected multipart/form-data: %s", err.Error())
		return
	}
	file, filename, err := formFile(form, "file")
	if err != nil {
		writeInvalid(ctx, "read file: %s", err.Error())
		return
	}
	model := formValue(form, "model")
	if model == "" {
		writeInvalid(ctx, "field 'model' is required")
		return
	}

	resp, res, err := s.orch.Transcription(ctx, &orchestrator.TranscriptionParams{
		User:     u,
		Client:   clientInfo(ctx),
		Model:    model,
		File:     file,
		Filename: filename,
		Language: formValue(form, "language"),
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	s.recordMedia(u, res, model, catalog.EndpointTranscriptions)
	writeJSON(ctx, map[string]string{"text": resp.Text})
}

func videoEnvelope(job *adapters.VideoJob) map[string]any {
	return map[string]any{
		"id":         job.ID,
		"object":     "video",
		"model":      job.Model,
		"status":     job.Status,
		"progress":   job.Progress,
		"created_at": job.CreatedAt,
	}
}

// videoModel resolves the model a video follow-up call routes through.
func videoModel(ctx *fasthttp.RequestCtx) string {
	if m := string(ctx.QueryArgs().Peek("model")); m != "" {
		return m
	}
	return "sora-2"
}

func (s *Server) handleVideoCreate(ctx *fasthttp.RequestCtx, u *store.User) {
	var req struct {
		Model   string `json:"model"`
		Prompt  string `json:"prompt"`
		Seconds string `json:"seconds"`
		Size    string `json:"size"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeInvalid(ctx, "invalid JSON: %s", err.Error())
		return
	}
	if req.Model == "" {
		req.Model = "sora-2"
	}

	job, res, err := s.orch.Video(ctx, &orchestrator.VideoParams{
		User:    u,
		Client:  clientInfo(ctx),
		Model:   req.Model,
		Prompt:  req.Prompt,
		Seconds: req.Seconds,
		Size:    req.Size,
	})
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	s.recordMedia(u, res, req.Model, catalog.EndpointVideos)
	writeJSON(ctx, videoEnvelope(job))
}

func (s *Server) handleVideoStatus(ctx *fasthttp.RequestCtx, _ *store.User) {
	id, _ := ctx.UserValue("id").(string)
	job, err := s.orch.VideoStatus(ctx, videoModel(ctx), id)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	writeJSON(ctx, videoEnvelope(job))
}

func (s *Server) handleVideoDownload(ctx *fasthttp.RequestCtx, _ *store.User) {
	id, _ := ctx.UserValue("id").(string)
	data, err := s.orch.VideoDownload(ctx, videoModel(ctx), id)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	ctx.SetContentType("video/mp4")
	ctx.SetBody(data)
}

func (s *Server) handleVideoList(ctx *fasthttp.RequestCtx, _ *store.User) {
	var limit int64 = 20
	if v := string(ctx.QueryArgs().Peek("limit")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	jobs, err := s.orch.VideoList(ctx, videoModel(ctx), limit)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	data := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		data[i] = videoEnvelope(j)
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleVideoDelete(ctx *fasthttp.RequestCtx, _ *store.User) {
	id, _ := ctx.UserValue("id").(string)
	if err := s.orch.VideoDelete(ctx, videoModel(ctx), id); err != nil {
		s.writeError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "object": "video", "deleted": true})
}

func (s *Server) handleVideoRemix(ctx *fasthttp.RequestCtx, _ *store.User) {
	id, _ := ctx.UserValue("id").(string)
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeInvalid(ctx, "invalid JSON: %s", err.Error())
		return
	}
	job, err := s.orch.VideoRemix(ctx, videoModel(ctx), id, req.Prompt)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	writeJSON(ctx, videoEnvelope(job))
}
