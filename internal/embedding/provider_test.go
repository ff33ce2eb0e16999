package embedding

import "github.com/hyperjump/chishiki/internal/config"

func configFor(provider string) config.EmbeddingConfig {
	return config.EmbeddingConfig{Provider: provider, Dimensions: 8}
}
