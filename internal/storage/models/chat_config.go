package models

// ChatSystemConfig is fixed for the duration of a turn.
type ChatSystemConfig struct {
	MaxContextItems      int     `json:"maxContextItems" mapstructure:"maxContextItems"`
	SimilarityThreshold  float64 `json:"similarityThreshold" mapstructure:"similarityThreshold"`
	HistoryLimit         int     `json:"historyLimit" mapstructure:"historyLimit"`
	Model                string  `json:"model" mapstructure:"model"`
	Temperature          float64 `json:"temperature" mapstructure:"temperature"`
	UseHybridSearch      bool    `json:"useHybridSearch" mapstructure:"useHybridSearch"`
	ShowSearchMetrics    bool    `json:"showSearchMetrics" mapstructure:"showSearchMetrics"`
	PersistConversations bool    `json:"persistConversations" mapstructure:"persistConversations"`
}

func DefaultChatSystemConfig() ChatSystemConfig {
	return ChatSystemConfig{
		MaxContextItems:      5,
		SimilarityThreshold:  0.7,
		HistoryLimit:         10,
		Model:                "gpt-4o-mini",
		Temperature:          0.7,
		UseHybridSearch:      true,
		ShowSearchMetrics:    false,
		PersistConversations: true,
	}
}

// ChatConfigOverride is the optional per-request config. Nil fields keep the
// process default.
type ChatConfigOverride struct {
	MaxContextItems      *int     `json:"maxContextItems,omitempty"`
	SimilarityThreshold  *float64 `json:"similarityThreshold,omitempty"`
	HistoryLimit         *int     `json:"historyLimit,omitempty"`
	Model                *string  `json:"model,omitempty"`
	Temperature          *float64 `json:"temperature,omitempty"`
	UseHybridSearch      *bool    `json:"useHybridSearch,omitempty"`
	ShowSearchMetrics    *bool    `json:"showSearchMetrics,omitempty"`
	PersistConversations *bool    `json:"persistConversations,omitempty"`
}

// Merge applies o over c and returns the normalised result.
func (c ChatSystemConfig) Merge(o *ChatConfigOverride) ChatSystemConfig {
	if o != nil {
		if o.MaxContextItems != nil {
			c.MaxContextItems = *o.MaxContextItems
		}
		if o.SimilarityThreshold != nil {
			c.SimilarityThreshold = *o.SimilarityThreshold
		}
		if o.HistoryLimit != nil {
			c.HistoryLimit = *o.HistoryLimit
		}
		if o.Model != nil && *o.Model != "" {
			c.Model = *o.Model
		}
		if o.Temperature != nil {
			c.Temperature = *o.Temperature
		}
		if o.UseHybridSearch != nil {
			c.UseHybridSearch = *o.UseHybridSearch
		}
		if o.ShowSearchMetrics != nil {
			c.ShowSearchMetrics = *o.ShowSearchMetrics
		}
		if o.PersistConversations != nil {
			c.PersistConversations = *o.PersistConversations
		}
	}
	return c.Normalize()
}

func (c ChatSystemConfig) Normalize() ChatSystemConfig {
	c.MaxContextItems = max(c.MaxContextItems, 0)
	c.HistoryLimit = max(c.HistoryLimit, 0)
	c.SimilarityThreshold = min(max(c.SimilarityThreshold, 0), 1)
	c.Temperature = min(max(c.Temperature, 0), 2)
	return c
}
