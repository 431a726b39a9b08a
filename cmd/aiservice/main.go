// Command aiservice runs one ASP server: depending on SERVICE_ROLE it acts
// either as the conversational AI Agent (full STT -> LLM -> TTS turn loop,
// with transfer/hangup decisions pushed back as call.action messages) or
// as the AI Transcribe service (STT only, for call indexing). Both roles
// share the same negotiation and session bookkeeping; only the per-frame
// audio handling differs.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callbridge/media-bridge/internal/asp"
	"github.com/callbridge/media-bridge/internal/audio"
	"github.com/callbridge/media-bridge/internal/conversation"
	"github.com/callbridge/media-bridge/internal/env"
	"github.com/callbridge/media-bridge/internal/metrics"
	"github.com/callbridge/media-bridge/internal/orchestrator"
	"github.com/callbridge/media-bridge/internal/provider"
	"github.com/callbridge/media-bridge/internal/provider/llmprovider"
	"github.com/callbridge/media-bridge/internal/provider/sttprovider"
	"github.com/callbridge/media-bridge/internal/provider/ttsprovider"
	"github.com/callbridge/media-bridge/internal/session"
	"github.com/callbridge/media-bridge/internal/trace"
)

const (
	roleAgent      = "agent"
	roleTranscribe = "transcribe"
)

type config struct {
	Role string
	Port string

	STTProvider string
	STTURL      string

	LLMProvider   string
	LLMURL        string
	LLMAPIKey     string
	LLMModel      string
	SystemPrompt  string
	LLMMaxTokens  int

	TTSProvider string
	TTSURL      string
	TTSVoice    string

	LatencyTargetMs int64
	TraceDSN        string

	STTControlURL string
	TTSControlURL string
	LLMControlURL string
}

func loadConfig() config {
	role := env.Str("SERVICE_ROLE", roleAgent)
	if role != roleAgent && role != roleTranscribe {
		slog.Warn("aiservice: unknown SERVICE_ROLE, defaulting to agent", "role", role)
		role = roleAgent
	}
	return config{
		Role:            role,
		Port:            env.Str("AISERVICE_PORT", "9100"),
		STTProvider:     env.Str("STT_PROVIDER", "whisper"),
		STTURL:          env.Str("STT_URL", "http://localhost:9200"),
		LLMProvider:     env.Str("LLM_PROVIDER", "ollama"),
		LLMURL:          env.Str("LLM_URL", "http://localhost:11434"),
		LLMAPIKey:       env.Str("LLM_API_KEY", ""),
		LLMModel:        env.Str("LLM_MODEL", "llama3"),
		SystemPrompt:    env.Str("LLM_SYSTEM_PROMPT", "You are a concise, helpful phone assistant."),
		LLMMaxTokens:    env.Int("LLM_MAX_TOKENS", 512),
		TTSProvider:     env.Str("TTS_PROVIDER", "piper"),
		TTSURL:          env.Str("TTS_URL", "http://localhost:9300"),
		TTSVoice:        env.Str("TTS_VOICE", "en_US-lessac-medium"),
		LatencyTargetMs: int64(env.Int("LATENCY_TARGET_MS", 1500)),
		TraceDSN:        env.Str("TRACE_DSN", ""),
		STTControlURL:   env.Str("STT_CONTROL_URL", ""),
		TTSControlURL:   env.Str("TTS_CONTROL_URL", ""),
		LLMControlURL:   env.Str("LLM_CONTROL_URL", ""),
	}
}

// backendRegistry whitelists the ML backend services this process may
// start/stop/probe through their lightweight HTTP control servers: the STT
// server always, the TTS and LLM (when self-hosted via ollama) servers only
// for the conversational agent role.
func backendRegistry(cfg config) *orchestrator.Registry {
	backends := map[string]orchestrator.BackendMeta{
		cfg.STTProvider: {Category: "stt", HealthURL: cfg.STTURL + "/health", ControlURL: cfg.STTControlURL},
	}
	if cfg.Role == roleAgent {
		backends[cfg.TTSProvider] = orchestrator.BackendMeta{Category: "tts", HealthURL: cfg.TTSURL + "/health", ControlURL: cfg.TTSControlURL}
		if cfg.LLMProvider == "ollama" {
			backends[cfg.LLMProvider] = orchestrator.BackendMeta{Category: "llm", HealthURL: cfg.LLMURL + "/api/tags", ControlURL: cfg.LLMControlURL}
		}
	}
	return orchestrator.NewRegistry(backends)
}

// turnState is the per-session state the agent role needs across frames:
// the utterance buffer accumulating caller audio, and the session hash
// used to address outbound audio frames.
type turnState struct {
	hash   [8]byte
	buffer *conversation.UtteranceBuffer
	tracer *trace.Tracer
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()
	registry := session.NewRegistry()

	svcMgr := orchestrator.NewHTTPControlManager(backendRegistry(cfg))

	stt, llm, tts := buildProviders(cfg)

	var store *trace.Store
	if cfg.TraceDSN != "" {
		var err error
		store, err = trace.Open(cfg.TraceDSN)
		if err != nil {
			slog.Error("aiservice: trace store open failed", "error", err)
		} else {
			defer store.Close()
		}
	}

	var mu sync.Mutex
	states := make(map[string]*turnState)

	var server *asp.Server

	hooks := asp.SessionHooks{
		OnSessionStarted: func(sess *session.Session) {
			mu.Lock()
			defer mu.Unlock()
			var tracer *trace.Tracer
			if store != nil {
				store.CreateSession(sess.ID, sess.CallID)
				tracer = trace.NewTracer(store, sess.ID)
			}
			states[sess.ID] = &turnState{
				hash: sess.Hash,
				buffer: conversation.NewUtteranceBuffer(conversation.UtteranceBufferConfig{
					External:           false,
					SilenceThresholdMs: sess.VAD.SilenceThresholdMs,
					MinSpeechMs:        sess.VAD.MinSpeechMs,
					Denoise:            true,
				}, audio.DefaultVADConfig()),
				tracer: tracer,
			}
			slog.Info("aiservice: session started", "role", cfg.Role, "session_id", sess.ID, "channel", sess.CallID)
		},
		OnSessionEnded: func(sess *session.Session, reason session.State) {
			mu.Lock()
			st, ok := states[sess.ID]
			delete(states, sess.ID)
			mu.Unlock()
			if ok {
				st.buffer.Close()
				st.tracer.Close()
			}
			if store != nil {
				store.EndSession(sess.ID)
			}
			slog.Info("aiservice: session ended", "session_id", sess.ID)
		},
		OnAudioFrame: func(sess *session.Session, dir asp.Direction, pcm []byte) {
			if dir != asp.DirectionInbound {
				return
			}
			mu.Lock()
			st := states[sess.ID]
			mu.Unlock()
			if st == nil {
				return
			}
			handleInboundFrame(context.Background(), cfg, sess, st, pcm, stt, llm, tts, server)
		},
	}

	server = asp.NewServer(defaultCapabilities(cfg), registry, hooks, cfg.Role)

	router := mux.NewRouter()
	router.Handle("/asp", server)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"role":            cfg.Role,
			"sessions_active": registry.Count(),
		})
	})
	router.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		statuses, _ := svcMgr.StatusAll(r.Context())
		json.NewEncoder(w).Encode(statuses)
	}).Methods(http.MethodGet)
	router.HandleFunc("/services/{name}/start", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		gpu, err := svcMgr.Start(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"gpu": gpu})
	}).Methods(http.MethodPost)
	router.HandleFunc("/services/{name}/stop", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		gpu, err := svcMgr.Stop(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"gpu": gpu})
	}).Methods(http.MethodPost)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go awaitShutdown(srv)

	slog.Info("aiservice starting", "role", cfg.Role, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("aiservice: server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("aiservice stopped")
}

func buildProviders(cfg config) (provider.STT, provider.LLM, provider.TTS) {
	sttReg := provider.NewRegistry()
	sttprovider.Register(sttReg)
	sttP, err := sttReg.New(provider.KindSTT, cfg.STTProvider, sttprovider.WhisperConfig{
		Name:    cfg.STTProvider,
		URL:     cfg.STTURL,
		Breaker: provider.DefaultBreakerConfig(cfg.STTProvider),
	})
	if err != nil {
		slog.Error("aiservice: stt provider init failed", "error", err)
	}

	var llmP provider.LLM
	if cfg.Role == roleAgent {
		llmReg := provider.NewRegistry()
		llmprovider.Register(llmReg)
		var p provider.Provider
		switch cfg.LLMProvider {
		case "openai":
			p, err = llmReg.New(provider.KindLLM, "openai", llmprovider.OpenAIConfig{
				Name: "openai", APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMURL, Model: cfg.LLMModel,
				SystemPrompt: cfg.SystemPrompt, MaxTokens: cfg.LLMMaxTokens,
				Breaker: provider.DefaultBreakerConfig("openai"),
			})
		case "anthropic":
			p, err = llmReg.New(provider.KindLLM, "anthropic", llmprovider.AnthropicConfig{
				Name: "anthropic", APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMURL, Model: cfg.LLMModel,
				SystemPrompt: cfg.SystemPrompt, MaxTokens: cfg.LLMMaxTokens,
				Breaker: provider.DefaultBreakerConfig("anthropic"),
			})
		case "agent-sdk":
			p, err = llmReg.New(provider.KindLLM, "agent-sdk", llmprovider.AgentSDKConfig{
				Name: "agent-sdk", APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMURL, Model: cfg.LLMModel,
				SystemPrompt: cfg.SystemPrompt, MaxTokens: cfg.LLMMaxTokens,
				UseResponses: cfg.LLMAPIKey != "",
				Breaker:      provider.DefaultBreakerConfig("agent-sdk"),
			})
		default:
			p, err = llmReg.New(provider.KindLLM, "ollama", llmprovider.OllamaConfig{
				Name: "ollama", URL: cfg.LLMURL, Model: cfg.LLMModel,
				SystemPrompt: cfg.SystemPrompt, MaxTokens: cfg.LLMMaxTokens,
				Breaker: provider.DefaultBreakerConfig("ollama"),
			})
		}
		if err != nil {
			slog.Error("aiservice: llm provider init failed", "error", err)
		} else {
			llmP, _ = p.(provider.LLM)
		}
	}

	var ttsP provider.TTS
	if cfg.Role == roleAgent {
		ttsReg := provider.NewRegistry()
		ttsprovider.Register(ttsReg)
		p, err := ttsReg.New(provider.KindTTS, cfg.TTSProvider, ttsprovider.PiperConfig{
			Name: cfg.TTSProvider, URL: cfg.TTSURL, Voice: cfg.TTSVoice,
			Breaker: provider.DefaultBreakerConfig(cfg.TTSProvider),
		})
		if err != nil {
			slog.Error("aiservice: tts provider init failed", "error", err)
		} else {
			ttsP, _ = p.(provider.TTS)
		}
	}

	var sttI provider.STT
	if sttP != nil {
		sttI, _ = sttP.(provider.STT)
	}
	return sttI, llmP, ttsP
}

func defaultCapabilities(cfg config) asp.Capabilities {
	features := []string{"barge_in"}
	if cfg.Role == roleAgent {
		features = append(features, "call_action", "streaming_tts")
	}
	return asp.Capabilities{
		Version:                   "1.0",
		SupportedSampleRates:      []int{8000, 16000},
		SupportedEncodings:        []string{"pcm_s16le"},
		SupportedFrameDurations:   []int{20},
		VADConfigurable:           true,
		VADParameters:             []string{"silence_threshold_ms", "min_speech_ms", "threshold"},
		MaxSessionDurationSeconds: 3600,
		Features:                  features,
	}
}

// handleInboundFrame feeds one caller audio frame into the session's
// utterance buffer. When an utterance closes, the transcribe role records
// the transcript on the session's turn trace (when tracing is enabled) and
// the agent role runs the full STT -> LLM -> TTS turn, pushing synthesized
// speech (and any transfer/hangup decision) back through server.
func handleInboundFrame(ctx context.Context, cfg config, sess *session.Session, st *turnState, pcm []byte, stt provider.STT, llm provider.LLM, tts provider.TTS, server *asp.Server) {
	samples, _, err := audio.Decode(pcm, audio.CodecPCM, sess.Audio.SampleRate)
	if err != nil {
		slog.Warn("aiservice: decode inbound frame failed", "session_id", sess.ID, "error", err)
		return
	}

	utterance, ok := st.buffer.PushInternal(samples)
	if !ok {
		return
	}
	sess.BeginProcessing()
	metrics.SpeechSegments.Inc()

	wav := audio.SamplesToWAV(utterance, sess.Audio.SampleRate)
	budget := conversation.NewLatencyBudget(cfg.LatencyTargetMs)
	budget.Start(time.Now())

	var turnID string
	if st.tracer != nil {
		turnID = st.tracer.StartTurn()
	}

	sttStart := time.Now()
	transcript, err := stt.Transcribe(ctx, wav, sess.Audio.SampleRate)
	budget.RecordStage(conversation.StageSTT, time.Since(sttStart).Milliseconds())
	if err != nil {
		slog.Error("aiservice: transcribe failed", "session_id", sess.ID, "error", err)
		sess.Idle()
		return
	}
	sess.UtterancesTranscribed++

	if cfg.Role != roleAgent {
		// AI Transcribe: indexing only, no reply is synthesized.
		if st.tracer != nil {
			st.tracer.EndTurn(turnID, float64(budget.Finish().ElapsedMs), transcript, "", "completed")
		}
		sess.Idle()
		return
	}

	runTurn(ctx, cfg, sess, st, transcript, llm, tts, budget, turnID, server)
}

var actionRE = regexp.MustCompile(`\[(TRANSFER):([^\]]+)\]|\[(HANGUP)\]`)

// runTurn generates a reply, strips any embedded transfer/hangup
// directive the model emitted, synthesizes the remaining text, and pushes
// both the audio and (if present) the call.action decision back to the
// connected media bridge.
func runTurn(ctx context.Context, cfg config, sess *session.Session, st *turnState, transcript string, llm provider.LLM, tts provider.TTS, budget *conversation.LatencyBudget, turnID string, server *asp.Server) {
	sess.BeginResponding()

	llmStart := time.Now()
	reply, err := llm.Generate(ctx, cfg.SystemPrompt, transcript)
	budget.RecordStage(conversation.StageLLMTotal, time.Since(llmStart).Milliseconds())
	if err != nil {
		slog.Error("aiservice: generate failed", "session_id", sess.ID, "error", err)
		sess.Idle()
		return
	}

	action, target, spoken := extractCallAction(reply)

	ttsStart := time.Now()
	pcm, err := tts.Synthesize(ctx, spoken)
	budget.RecordStage(conversation.StageTTSTTFB, time.Since(ttsStart).Milliseconds())
	if err != nil {
		slog.Error("aiservice: synthesize failed", "session_id", sess.ID, "error", err)
		sess.Idle()
		return
	}

	if err := server.SendAudio(sess.ID, st.hash, pcm); err != nil {
		slog.Error("aiservice: send audio failed", "session_id", sess.ID, "error", err)
	}
	sess.AppendOutbound(pcm)

	if action != "" {
		if err := server.SendCallAction(sess.ID, action, target, "model decision"); err != nil {
			slog.Error("aiservice: send call action failed", "session_id", sess.ID, "error", err)
		}
	}

	report := budget.Finish()
	if st.tracer != nil {
		st.tracer.EndTurn(turnID, float64(report.ElapsedMs), transcript, spoken, "completed")
	}
	sess.Idle()
}

// extractCallAction pulls a trailing [TRANSFER:context,exten] or [HANGUP]
// directive out of an LLM reply, returning the action kind, its target
// (empty for hangup), and the reply text with the directive removed.
func extractCallAction(reply string) (action asp.CallActionKind, target, spoken string) {
	loc := actionRE.FindStringSubmatchIndex(reply)
	if loc == nil {
		return "", "", strings.TrimSpace(reply)
	}
	m := actionRE.FindStringSubmatch(reply)
	spoken = strings.TrimSpace(reply[:loc[0]] + reply[loc[1]:])
	if m[1] == "TRANSFER" {
		return asp.ActionTransfer, m[2], spoken
	}
	if m[3] == "HANGUP" {
		return asp.ActionHangup, "", spoken
	}
	return "", "", spoken
}

func awaitShutdown(srv *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("aiservice: shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
