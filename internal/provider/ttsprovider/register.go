package ttsprovider

import (
	"fmt"

	"github.com/callbridge/media-bridge/internal/provider"
)

// Register adds the piper TTS factory to reg. The factory expects a
// PiperConfig as its cfg argument.
func Register(reg *provider.Registry) {
	reg.Register(provider.KindTTS, "piper", func(cfg any) (provider.Provider, error) {
		c, ok := cfg.(PiperConfig)
		if !ok {
			return nil, fmt.Errorf("ttsprovider: piper factory expects PiperConfig, got %T", cfg)
		}
		return NewPiper(c), nil
	})
}
