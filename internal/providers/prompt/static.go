package prompt

import (
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// modelProfile captures per-model prompt shaping rules: how long a prompt may
// be, which suffix the model responds to, and the default negative prompt.
type modelProfile struct {
	maxLength       int
	styleSuffix     string
	negativeDefault string
}

var modelProfiles = map[string]modelProfile{
	"dalle3": {
		maxLength:       4000,
		styleSuffix:     ", highly detailed, professional quality",
		negativeDefault: "blurry, low quality, distorted, deformed, ugly, bad anatomy",
	},
	"midjourney": {
		maxLength:   6000,
		styleSuffix: " --q 2 --s 750",
	},
	"stable-diffusion": {
		maxLength:       380,
		styleSuffix:     ", masterpiece, best quality, highly detailed",
		negativeDefault: "lowres, bad anatomy, bad hands, text, error, missing fingers",
	},
	"flux": {
		maxLength:       2000,
		styleSuffix:     ", ultra high quality, photorealistic",
		negativeDefault: "blurry, low resolution, artifacts",
	},
}

const defaultModel = "dalle3"

// defaultParameters returns the model-specific tuning knobs attached to every
// generated prompt.
func defaultParameters(model string) map[string]any {
	switch model {
	case "dalle3":
		return map[string]any{"quality": "hd", "style": "vivid", "size": "1024x1024"}
	case "midjourney":
		return map[string]any{"quality": "--q 2", "stylize": "--s 750", "ar_suffix": "--ar 1:1"}
	case "stable-diffusion":
		return map[string]any{"steps": 30, "cfg_scale": 7.5, "width": 1024, "height": 1024}
	case "flux":
		return map[string]any{"guidance_scale": 3.5, "num_inference_steps": 50}
	default:
		return map[string]any{}
	}
}

// StaticGenerator builds prompts locally without calling the prompt service.
// It backs the HTTP generator as a fallback and keeps the worker operational
// in environments without the service.
type StaticGenerator struct{}

func NewStaticGenerator() *StaticGenerator {
	return &StaticGenerator{}
}

func (s *StaticGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := req.Provider
	profile, ok := modelProfiles[model]
	if !ok {
		model = defaultModel
		profile = modelProfiles[model]
	}

	parts := []string{"book illustration of " + condense(req.Text)}
	if req.Style != "" {
		c := cases.Title(language.English)
		parts = append(parts, c.String(strings.ReplaceAll(req.Style, "_", " "))+" style")
	}
	enhanced := strings.Join(parts, ", ")
	if len(enhanced) > profile.maxLength-len(profile.styleSuffix) {
		cut := profile.maxLength - len(profile.styleSuffix) - 3
		if cut < 0 {
			cut = 0
		}
		// Back up to a rune boundary so multi-byte text is not split.
		for cut > 0 && !utf8.RuneStart(enhanced[cut]) {
			cut--
		}
		enhanced = enhanced[:cut] + "..."
	}
	enhanced += profile.styleSuffix

	return &Result{
		EnhancedPrompt: enhanced,
		NegativePrompt: profile.negativeDefault,
		TargetModel:    model,
		Style:          req.Style,
		Parameters:     defaultParameters(model),
	}, nil
}

// condense collapses whitespace and trims the source text to a scene-sized
// excerpt so an over-long page never dominates the prompt.
func condense(text string) string {
	fields := strings.Fields(text)
	const maxWords = 120
	if len(fields) > maxWords {
		fields = fields[:maxWords]
	}
	return strings.Join(fields, " ")
}

var _ Generator = (*StaticGenerator)(nil)
