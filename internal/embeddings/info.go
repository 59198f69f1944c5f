package embeddings

// ProviderInfo describes a provider for the embedding info endpoint.
type ProviderInfo struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Cost      string `json:"cost,omitempty"`
	Quality   string `json:"quality,omitempty"`
	Speed     string `json:"speed,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Available lists every provider and whether cfg makes it usable.
func Available(cfg Config) map[string]ProviderInfo {
	out := make(map[string]ProviderInfo, 6)

	if cfg.APIKey != "" {
		out[ProviderOpenAI] = ProviderInfo{
			Available: true,
			Cost:      "Paid per token",
			Quality:   "High",
			Speed:     "Fast (API)",
			Model:     modelOr(cfg, ProviderOpenAI, DefaultOpenAIModel),
		}
	} else {
		out[ProviderOpenAI] = ProviderInfo{Reason: "OPENAI_API_KEY not configured"}
	}

	local := ProviderInfo{
		Available: FastEmbedAvailable(),
		Cost:      "Free",
		Quality:   "Good",
		Speed:     "Medium (local)",
	}
	if !local.Available {
		local.Reason = "binary built without CGO support"
	}
	for _, id := range []string{ProviderSentence, ProviderHuggingFace, ProviderFastEmbed} {
		info := local
		info.Model = modelOr(cfg, id, DefaultLocalModel)
		out[id] = info
	}

	remote := func(id string) ProviderInfo {
		if cfg.BaseURL == "" {
			return ProviderInfo{Reason: "EMBEDDING_BASE_URL not configured"}
		}
		return ProviderInfo{
			Available: true,
			Cost:      "Self-hosted",
			Quality:   "Model dependent",
			Speed:     "Network bound",
			Model:     modelOr(cfg, id, DefaultLocalModel),
		}
	}
	out[ProviderTEI] = remote(ProviderTEI)
	out[ProviderOpenAICompatible] = remote(ProviderOpenAICompatible)

	return out
}

// modelOr returns the configured model when cfg selects id.
func modelOr(cfg Config, id, fallback string) string {
	if cfg.Provider == id && cfg.Model != "" {
		return cfg.Model
	}
	return fallback
}
