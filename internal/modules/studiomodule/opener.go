package studiomodule

import (
	"github.com/educast/studio/internal/config"
	"github.com/educast/studio/internal/media/source"
)

// newOpener picks the capture opener for this deployment. The service
// ships with the synthetic opener; a production build substitutes an
// opener backed by OS capture processes.
func newOpener(cfg *config.Config) source.CaptureOpener {
	return &source.SyntheticOpener{
		SampleRate: cfg.Studio.AudioRate,
		Channels:   cfg.Studio.AudioChannels,
	}
}
