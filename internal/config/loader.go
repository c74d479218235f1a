package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the YAML file at
// path (or $CONFIG_FILE when path is empty; skipped when both are empty),
// then a .env file in the working directory, then the process environment.
// The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		err = decodeYAML(f, cfg)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	// .env fills environment gaps; real environment variables keep
	// precedence over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env file", "err", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	derive(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. The environment layers are not applied; useful in
// tests where configs are built from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	derive(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// derive fills dependent fields after all layers have been applied.
func derive(cfg *Config) {
	if cfg.SIPLogin == "" {
		cfg.SIPLogin = cfg.SIPUser
	}
	// The inbound/outbound backends answer with the full reply on commit;
	// fragment streaming would double the audio.
	if cfg.SessionType == SessionInbound || cfg.SessionType == SessionOutbound {
		cfg.IsStreaming = false
	}
}

// ─── Environment overlay ─────────────────────────────────────────────────────

// applyEnv overrides cfg fields from the process environment. Set-but-invalid
// values are collected and returned as one joined error.
func applyEnv(cfg *Config) error {
	o := overlay{}

	o.str("BACKEND_URL", &cfg.BackendURL)
	o.str("AUTHORIZATION_TOKEN", &cfg.AuthorizationToken)
	o.float("BACKEND_REQUEST_TIMEOUT_SEC", &cfg.BackendRequestTimeoutSec)
	o.float("BACKEND_CONNECT_TIMEOUT_SEC", &cfg.BackendConnectTimeoutSec)
	o.float("BACKEND_READ_TIMEOUT_SEC", &cfg.BackendReadTimeoutSec)

	o.str("SIP_USER", &cfg.SIPUser)
	o.str("SIP_LOGIN", &cfg.SIPLogin)
	o.str("SIP_DOMAIN", &cfg.SIPDomain)
	o.str("SIP_PASSWORD", &cfg.SIPPassword)
	o.str("SIP_CALLER_ID", &cfg.SIPCallerID)
	o.num("SIP_PORT", &cfg.SIPPort)
	o.boolean("USE_TCP", &cfg.UseTCP)
	o.boolean("USE_ICE", &cfg.UseICE)
	o.csv("STUN_SERVERS", &cfg.STUNServers)
	o.csv("PROXY_SERVERS", &cfg.ProxyServers)
	o.num("SIP_MAX_CALLS", &cfg.MaxCalls)
	o.boolean("ALLOW_INBOUND_CALLS", &cfg.AllowInboundCalls)
	o.jsonMap("CODECS_PRIORITY", &cfg.CodecsPriority)

	o.str("TMP_AUDIO_DIR", &cfg.TmpAudioDir)
	o.str("SIP_AUDIO_DIR", &cfg.SIPAudioDir)
	o.num("FRAME_TIME_USEC", &cfg.FrameTimeUsec)

	o.num("VAD_SAMPLING_RATE", &cfg.VADSamplingRate)
	o.float("VAD_THRESHOLD", &cfg.VADThreshold)
	o.num("VAD_MIN_SPEECH_DURATION_MS", &cfg.VADMinSpeechDurationMs)
	o.num("VAD_MIN_SILENCE_DURATION_MS", &cfg.VADMinSilenceDurationMs)
	o.num("VAD_SPEECH_PAD_MS", &cfg.VADSpeechPadMs)
	o.num("VAD_SPEECH_PROB_WINDOW", &cfg.VADSpeechProbWindow)
	o.num("SHORT_PAUSE_OFFSET_MS", &cfg.ShortPauseOffsetMs)
	o.num("LONG_PAUSE_OFFSET_MS", &cfg.LongPauseOffsetMs)
	o.num("USER_SILENCE_TIMEOUT_MS", &cfg.UserSilenceTimeoutMs)
	o.float("MIN_SPEECH_DURATION_SEC", &cfg.MinSpeechDurationSec)
	o.boolean("VAD_USE_DYNAMIC_CORRECTIONS", &cfg.VADUseDynamicCorrections)
	o.float("VAD_CORRECTION_ENTER_THRESHOLD", &cfg.VADCorrectionEnterThreshold)
	o.float("VAD_CORRECTION_EXIT_THRESHOLD", &cfg.VADCorrectionExitThreshold)
	o.boolean("VAD_CORRECTION_DEBUG", &cfg.VADCorrectionDebug)
	o.str("VAD_MODEL_PATH", &cfg.VADModelPath)
	o.str("VAD_MODEL_URL", &cfg.VADModelURL)

	o.boolean("INTERRUPTIONS_ARE_ALLOWED", &cfg.InterruptionsAreAllowed)
	o.boolean("IS_STREAMING", &cfg.IsStreaming)
	o.boolean("SIP_EARLY_EOC", &cfg.SIPEarlyEOC)
	o.num("TTS_MAX_INFLIGHT", &cfg.TTSMaxInflight)
	o.float("GREETING_DELAY_SEC", &cfg.GreetingDelaySec)
	o.boolean("RECORD_AUDIO_PARTS", &cfg.RecordAudioParts)
	if v, ok := os.LookupEnv("SESSION_TYPE"); ok {
		cfg.SessionType = SessionType(v)
	}
	o.boolean("TRANSCRIPT_FUZZY_MATCH", &cfg.TranscriptFuzzyMatch)

	o.boolean("USE_LOCAL_STT", &cfg.UseLocalSTT)
	o.str("WHISPER_MODEL_PATH", &cfg.WhisperModelPath)
	o.str("WHISPER_LANGUAGE", &cfg.WhisperLanguage)

	o.num("SIP_REST_API_PORT", &cfg.RESTAPIPort)
	o.str("FLAMETREE_CALLBACK_HOST", &cfg.CallbackHost)
	o.num("FLAMETREE_CALLBACK_PORT", &cfg.CallbackPort)

	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = LogLevel(strings.ToLower(v))
	}
	o.str("LOG_FILENAME", &cfg.LogFilename)

	return errors.Join(o.errs...)
}

// overlay accumulates parse failures so a misconfigured environment reports
// everything wrong at once.
type overlay struct {
	errs []error
}

func (o *overlay) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func (o *overlay) boolean(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.EqualFold(strings.TrimSpace(v), "true")
	}
}

func (o *overlay) num(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (o *overlay) float(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

func (o *overlay) csv(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func (o *overlay) jsonMap(key string, dst *map[string]int) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	m := map[string]int{}
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: %q is not a JSON object of integers", key, v))
		return
	}
	*dst = m
}
