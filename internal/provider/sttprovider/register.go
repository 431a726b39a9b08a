package sttprovider

import (
	"fmt"

	"github.com/callbridge/media-bridge/internal/provider"
)

// Register adds the whisper STT factory to reg. The factory expects a
// WhisperConfig as its cfg argument.
func Register(reg *provider.Registry) {
	reg.Register(provider.KindSTT, "whisper", func(cfg any) (provider.Provider, error) {
		c, ok := cfg.(WhisperConfig)
		if !ok {
			return nil, fmt.Errorf("sttprovider: whisper factory expects WhisperConfig, got %T", cfg)
		}
		return NewWhisper(c), nil
	})
}
