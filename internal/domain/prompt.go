package domain

// TargetModel enumerates the image models a prompt can be shaped for.
type TargetModel string

const (
	ModelDalle3          TargetModel = "dalle3"
	ModelMidjourney      TargetModel = "midjourney"
	ModelStableDiffusion TargetModel = "stable-diffusion"
	ModelFlux            TargetModel = "flux"
)

// Style enumerates the preset visualization styles.
type Style string

const (
	StyleRealistic   Style = "realistic"
	StyleFantasy     Style = "fantasy"
	StyleManga       Style = "manga"
	StyleAnime       Style = "anime"
	StyleComic       Style = "comic"
	StylePainterly   Style = "painterly"
	StyleSketch      Style = "sketch"
	StyleCinematic   Style = "cinematic"
	StyleWatercolor  Style = "watercolor"
	StyleOilPainting Style = "oil_painting"
)

// PromptData is the text-to-image instruction set derived from page text. It is
// written once while the job is in StatusGeneratingPrompt and copied onto every
// image produced from it.
type PromptData struct {
	OriginalText   string         `json:"original_text"`
	EnhancedPrompt string         `json:"enhanced_prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	TargetModel    TargetModel    `json:"target_model"`
	Style          Style          `json:"style,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// Clone returns a deep copy so images keep a stable snapshot of the prompt
// that produced them.
func (p *PromptData) Clone() *PromptData {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Parameters != nil {
		cp.Parameters = make(map[string]any, len(p.Parameters))
		for k, v := range p.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}
