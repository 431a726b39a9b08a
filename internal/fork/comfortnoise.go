package fork

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/callbridge/media-bridge/internal/session"
)

// comfortNoiseLevel is the target amplitude for generated comfort noise,
// roughly -60 dBFS for 16-bit PCM (full scale 32767).
const comfortNoiseLevel = 32

// ComfortNoiseGenerator fills the outbound path with low-level white noise
// from each entry into the responding state until Silence is called or the
// session leaves responding. It does not inspect any playback queue.
// It is wired entirely off Session state transitions — never off the audio
// callback — so the real-time path is never touched by this feature.
type ComfortNoiseGenerator struct {
	sess       *session.Session
	frameMs    int
	sampleRate int
	sink       func(pcm []byte)

	mu      sync.Mutex
	active  bool
	stopCh  chan struct{}
	stopped chan struct{}
}

// NewComfortNoiseGenerator wires itself onto sess's responding-edge hooks.
// sink receives each generated outbound frame; callers typically plug this
// into the session's outbound ASP send path.
func NewComfortNoiseGenerator(sess *session.Session, sampleRate, frameMs int, sink func(pcm []byte)) *ComfortNoiseGenerator {
	g := &ComfortNoiseGenerator{
		sess:       sess,
		frameMs:    frameMs,
		sampleRate: sampleRate,
		sink:       sink,
	}
	sess.OnRespondingEdge(g.onEnterResponding, g.onLeaveResponding)
	return g
}

func (g *ComfortNoiseGenerator) onEnterResponding() {
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		return
	}
	g.active = true
	g.stopCh = make(chan struct{})
	g.stopped = make(chan struct{})
	stopCh := g.stopCh
	stopped := g.stopped
	g.mu.Unlock()

	go g.run(stopCh, stopped)
}

func (g *ComfortNoiseGenerator) onLeaveResponding() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	g.active = false
	stopCh, stopped := g.stopCh, g.stopped
	g.mu.Unlock()

	close(stopCh)
	<-stopped
}

// Silence stops any in-flight comfort noise immediately — called when real
// outbound audio arrives, since comfort noise must never overlap response
// audio.
func (g *ComfortNoiseGenerator) Silence() {
	g.onLeaveResponding()
}

func (g *ComfortNoiseGenerator) run(stopCh, stopped chan struct{}) {
	defer close(stopped)

	samplesPerFrame := g.sampleRate * g.frameMs / 1000
	ticker := time.NewTicker(time.Duration(g.frameMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			g.sink(whiteNoisePCM16(samplesPerFrame))
		}
	}
}

func whiteNoisePCM16(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(rand.IntN(2*comfortNoiseLevel+1) - comfortNoiseLevel)
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return pcm
}
