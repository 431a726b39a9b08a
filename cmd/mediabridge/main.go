// Command mediabridge is the Media Server: it terminates the caller-facing
// leg of a call (internal/callws standing in for the real RTP capture
// hook), forks the live audio through internal/fork to the AI Agent and AI
// Transcribe services over the Audio Session Protocol, and drives the
// Asterisk-Manager-like channel-control client when the conversational
// service asks to transfer or hang up the call.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callbridge/media-bridge/internal/ami"
	"github.com/callbridge/media-bridge/internal/asp"
	"github.com/callbridge/media-bridge/internal/callws"
	"github.com/callbridge/media-bridge/internal/env"
	"github.com/callbridge/media-bridge/internal/fork"
	"github.com/callbridge/media-bridge/internal/session"
)

// config holds every environment-supplied knob for this process.
type config struct {
	Port string

	AgentURL      string
	TranscribeURL string

	AMIAddr     string
	AMIUsername string
	AMISecret   string

	SampleRate  int
	SampleWidth int
	Channels    int
	BufferMs    int
}

func loadConfig() config {
	return config{
		Port:          env.Str("MEDIABRIDGE_PORT", "9000"),
		AgentURL:      env.Str("AI_AGENT_URL", "ws://localhost:9100/asp"),
		TranscribeURL: env.Str("AI_TRANSCRIBE_URL", ""),
		AMIAddr:       env.Str("AMI_ADDR", ""),
		AMIUsername:   env.Str("AMI_USERNAME", ""),
		AMISecret:     env.Str("AMI_SECRET", ""),
		SampleRate:    env.Int("MEDIABRIDGE_SAMPLE_RATE", 8000),
		SampleWidth:   env.Int("MEDIABRIDGE_SAMPLE_WIDTH", 2),
		Channels:      env.Int("MEDIABRIDGE_CHANNELS", 1),
		BufferMs:      env.Int("MEDIABRIDGE_BUFFER_MS", 2000),
	}
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	registry := session.NewRegistry()
	hub := callws.NewHub()
	noise := newComfortNoiseTracker()

	manager := fork.NewManager(fork.ManagerConfig{
		SampleRate:  cfg.SampleRate,
		SampleWidth: cfg.SampleWidth,
		Channels:    cfg.Channels,
		BufferMs:    cfg.BufferMs,
		ConsumerCfg: fork.DefaultConsumerConfig(),
	})

	var amiClient *ami.Client
	if cfg.AMIAddr != "" {
		amiClient = ami.New(ami.Config{
			Addr:          cfg.AMIAddr,
			Username:      cfg.AMIUsername,
			Secret:        cfg.AMISecret,
			DialTimeout:   5 * time.Second,
			ActionTimeout: 5 * time.Second,
		})
		defer amiClient.Close()
	}

	agentClient := dialAIService(cfg.AgentURL, hub, registry, amiClient, noise)
	var transcribeClient *asp.Client
	if cfg.TranscribeURL != "" {
		transcribeClient = dialAIService(cfg.TranscribeURL, hub, registry, nil, nil)
	}

	callHandler := callws.NewHandler(callws.HandlerConfig{
		Registry:  registry,
		Manager:   manager,
		Hub:       hub,
		Primary:   agentClient,
		Secondary: transcribeClient,
		OnSessionStarted: func(sess *session.Session) {
			noise.start(sess, hub)
			startOutboundSession(agentClient, sess)
			if transcribeClient != nil {
				startOutboundSession(transcribeClient, sess)
			}
		},
		OnSessionEnded: func(sess *session.Session) {
			noise.stop(sess.ID)
			agentClient.EndSession(sess.ID, asp.ReasonHangup)
			if transcribeClient != nil {
				transcribeClient.EndSession(sess.ID, asp.ReasonHangup)
			}
		},
	})

	router := mux.NewRouter()
	router.Handle("/call", callHandler)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"sessions_active": manager.SessionCount(),
		})
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go awaitShutdown(srv, agentClient, transcribeClient)

	slog.Info("mediabridge starting", "addr", srv.Addr, "agent_url", cfg.AgentURL, "transcribe_url", cfg.TranscribeURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("mediabridge: server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("mediabridge stopped")
}

// dialAIService connects to one downstream ASP service and wires its
// outbound audio to the caller-facing hub. For the conversational agent
// only (amiClient != nil) it also wires call.action messages to the
// channel-control client. noise, when non-nil, is silenced the instant a
// real outbound frame arrives so comfort noise never overlaps response audio.
func dialAIService(url string, hub *callws.Hub, registry *session.Registry, amiClient *ami.Client, noise *comfortNoiseTracker) *asp.Client {
	if url == "" {
		return nil
	}
	client := asp.NewClient(url, asp.DefaultClientConfig())

	client.OnBinary(func(hash [8]byte, dir asp.Direction, pcm []byte) {
		if dir != asp.DirectionOutbound {
			return
		}
		sess, ok := registry.LookupHash(hash)
		if !ok {
			return
		}
		sess.BeginResponding()
		if noise != nil {
			noise.silence(sess.ID)
		}
		sess.AppendOutbound(pcm)
		hub.WriteAudio(sess.ID, pcm)
	})

	if amiClient != nil {
		client.OnMessage(func(t asp.MessageType, data []byte) {
			if t != asp.TypeCallAction {
				return
			}
			handleCallAction(data, registry, amiClient)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Dial(ctx); err != nil {
		slog.Error("mediabridge: dial AI service failed", "url", url, "error", err)
	}
	return client
}

// comfortNoiseTracker owns one fork.ComfortNoiseGenerator per live session,
// each wired to fill the caller-facing leg with low-level noise for the
// span between the agent entering "responding" and its first real audio
// frame arriving over the wire.
type comfortNoiseTracker struct {
	mu  sync.Mutex
	gen map[string]*fork.ComfortNoiseGenerator
}

func newComfortNoiseTracker() *comfortNoiseTracker {
	return &comfortNoiseTracker{gen: make(map[string]*fork.ComfortNoiseGenerator)}
}

func (t *comfortNoiseTracker) start(sess *session.Session, hub *callws.Hub) {
	g := fork.NewComfortNoiseGenerator(sess, sess.Audio.SampleRate, sess.Audio.FrameDurationMs, func(pcm []byte) {
		hub.WriteAudio(sess.ID, pcm)
	})
	t.mu.Lock()
	t.gen[sess.ID] = g
	t.mu.Unlock()
}

func (t *comfortNoiseTracker) silence(sessionID string) {
	t.mu.Lock()
	g, ok := t.gen[sessionID]
	t.mu.Unlock()
	if ok {
		g.Silence()
	}
}

func (t *comfortNoiseTracker) stop(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.gen, sessionID)
}

func startOutboundSession(client *asp.Client, sess *session.Session) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.StartSession(ctx, sess.ID, sess.CallID, sess.Audio, sess.VAD); err != nil {
		slog.Error("mediabridge: start outbound session failed", "session_id", sess.ID, "error", err)
	}
}

// handleCallAction decodes a call.action message and drives the one
// operation the channel-control client exposes: redirect the channel onto
// a new dialplan destination. Hangup is modeled as a redirect onto a
// dedicated hangup extension, the conventional way to terminate a channel
// through this interface.
func handleCallAction(data []byte, registry *session.Registry, amiClient *ami.Client) {
	var msg asp.CallActionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("mediabridge: malformed call.action", "error", err)
		return
	}
	sess, ok := registry.Lookup(msg.SessionID)
	if !ok {
		slog.Warn("mediabridge: call.action for unknown session", "session_id", msg.SessionID)
		return
	}

	dialCtx, exten := "ai-hangup", "h"
	if msg.Action == asp.ActionTransfer {
		dialCtx, exten = parseTransferTarget(msg.Target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := amiClient.Redirect(ctx, sess.CallID, dialCtx, exten, 1); err != nil {
		slog.Error("mediabridge: redirect failed", "session_id", sess.ID, "channel", sess.CallID, "action", msg.Action, "error", err)
		return
	}
	slog.Info("mediabridge: redirected channel", "session_id", sess.ID, "channel", sess.CallID, "action", msg.Action, "context", dialCtx, "exten", exten)
}

// parseTransferTarget reads a "context,exten" target, defaulting the
// context when the caller only supplied an extension.
func parseTransferTarget(target string) (dialContext, exten string) {
	parts := strings.SplitN(target, ",", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "from-ai-transfer", target
}

func awaitShutdown(srv *http.Server, clients ...*asp.Client) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("mediabridge: shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
	srv.Shutdown(ctx)
}
