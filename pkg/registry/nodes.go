package registry

import (
	"github.com/dukex/genflow/pkg/models"
	"github.com/dukex/genflow/pkg/queue"
)

// Node types.
const (
	TypePrompt       = "prompt"
	TypeImageInput   = "imageInput"
	TypeVideoInput   = "videoInput"
	TypeAudioInput   = "audioInput"
	TypeOutput       = "output"
	TypeLLM          = "llm"
	TypeImageGen     = "imageGen"
	TypeImageEdit    = "imageEdit"
	TypeUpscale      = "upscale"
	TypeVideoGen     = "videoGen"
	TypeImageToVideo = "imageToVideo"
	TypeSpeech       = "speech"
	TypeTranscode    = "transcode"
	TypeSubtitle     = "subtitle"
)

// RegisterDefaultNodes registers the built-in catalog.
func (r *Registry) RegisterDefaultNodes() {
	r.registerPassthrough(TypePrompt, map[string]string{"output": "text", "text": "text", "prompt": "text"})
	r.registerPassthrough(TypeImageInput, map[string]string{"output": "imageUrl", "image": "imageUrl", "imageUrl": "imageUrl"})
	r.registerPassthrough(TypeVideoInput, map[string]string{"output": "videoUrl", "video": "videoUrl", "videoUrl": "videoUrl"})
	r.registerPassthrough(TypeAudioInput, map[string]string{"output": "audioUrl", "audio": "audioUrl", "audioUrl": "audioUrl"})

	r.Register(NodeSpec{
		Type:     TypeOutput,
		Queue:    queue.Orchestrator,
		Priority: queue.PriorityHigh,
		Kind:     models.JobKindLiteral,
	})

	r.Register(NodeSpec{
		Type:          TypeLLM,
		Queue:         queue.LLM,
		Priority:      queue.PriorityHigh,
		Kind:          models.JobKindPrediction,
		EstimatedCost: 0.002,
		Model:         "meta/meta-llama-3-8b-instruct",
		OutputField:   "text",
		Schema: objectSchema(map[string]any{
			"inputPrompt":  stringSchema(),
			"systemPrompt": stringSchema(),
			"temperature":  map[string]any{"type": "number", "minimum": 0, "maximum": 2},
			"maxTokens":    map[string]any{"type": "integer", "minimum": 1},
		}),
	})

	imageSchema := objectSchema(map[string]any{
		"inputPrompt": stringSchema(),
		"images":      map[string]any{"type": "array"},
		"aspectRatio": map[string]any{"type": "string", "enum": []any{"1:1", "16:9", "9:16", "4:3", "3:4"}},
		"numOutputs":  map[string]any{"type": "integer", "minimum": 1, "maximum": 4},
	})

	r.Register(NodeSpec{
		Type:          TypeImageGen,
		Queue:         queue.Image,
		Priority:      queue.PriorityNormal,
		Kind:          models.JobKindPrediction,
		EstimatedCost: 0.04,
		Model:         "black-forest-labs/flux-schnell",
		OutputField:   "imageUrl",
		Schema:        imageSchema,
	})

	r.Register(NodeSpec{
		Type:          TypeImageEdit,
		Queue:         queue.Image,
		Priority:      queue.PriorityNormal,
		Kind:          models.JobKindPrediction,
		EstimatedCost: 0.04,
		Model:         "black-forest-labs/flux-kontext-pro",
		OutputField:   "imageUrl",
		Schema:        imageSchema,
	})

	r.Register(NodeSpec{
		Type:          TypeUpscale,
		Queue:         queue.Image,
		Priority:      queue.PriorityNormal,
		Kind:          models.JobKindPrediction,
		EstimatedCost: 0.02,
		Model:         "nightmareai/real-esrgan",
		OutputField:   "imageUrl",
		Schema: objectSchema(map[string]any{
			"imageUrl": stringSchema(),
			"scale":    map[string]any{"type": "integer", "minimum": 2, "maximum": 8},
		}),
	})

	videoSchema := objectSchema(map[string]any{
		"inputPrompt": stringSchema(),
		"imageUrl":    stringSchema(),
		"duration":    map[string]any{"type": "number", "minimum": 1, "maximum": 60},
	})

	r.Register(NodeSpec{
		Type:          TypeVideoGen,
		Queue:         queue.Video,
		Priority:      queue.PriorityBackground,
		Kind:          models.JobKindPrediction,
		EstimatedCost: 0.5,
		Model:         "minimax/video-01",
		OutputField:   "videoUrl",
		Schema:        videoSchema,
	})

	r.Register(NodeSpec{
		Type:          TypeImageToVideo,
		Queue:         queue.Video,
		Priority:      queue.PriorityBackground,
		Kind:          models.JobKindPrediction,
		EstimatedCost: 0.5,
		Model:         "minimax/video-01-live",
		OutputField:   "videoUrl",
		Schema:        videoSchema,
	})

	r.Register(NodeSpec{
		Type:          TypeSpeech,
		Queue:         queue.Processing,
		Priority:      queue.PriorityLow,
		Kind:          models.JobKindProcessing,
		EstimatedCost: 0.01,
		Model:         "jaaari/kokoro-82m",
		OutputField:   "audioUrl",
		Schema: objectSchema(map[string]any{
			"text":  stringSchema(),
			"voice": stringSchema(),
		}),
	})

	r.Register(NodeSpec{
		Type:        TypeTranscode,
		Queue:       queue.Processing,
		Priority:    queue.PriorityLow,
		Kind:        models.JobKindProcessing,
		Model:       "fofr/video-transcode",
		OutputField: "videoUrl",
		Schema: objectSchema(map[string]any{
			"videoUrl": stringSchema(),
			"format":   map[string]any{"type": "string", "enum": []any{"mp4", "webm", "gif"}},
		}),
	})

	r.Register(NodeSpec{
		Type:          TypeSubtitle,
		Queue:         queue.Processing,
		Priority:      queue.PriorityLow,
		Kind:          models.JobKindProcessing,
		EstimatedCost: 0.005,
		Model:         "openai/whisper",
		OutputField:   "text",
		Schema: objectSchema(map[string]any{
			"videoUrl": stringSchema(),
			"audioUrl": stringSchema(),
			"language": stringSchema(),
		}),
	})
}

func (r *Registry) registerPassthrough(nodeType string, outputFields map[string]string) {
	r.Register(NodeSpec{
		Type:         nodeType,
		Queue:        queue.Orchestrator,
		Priority:     queue.PriorityHigh,
		Kind:         models.JobKindLiteral,
		Passthrough:  true,
		OutputFields: outputFields,
	})
}

func objectSchema(properties map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

func stringSchema() map[string]any {
	return map[string]any{"type": "string"}
}
