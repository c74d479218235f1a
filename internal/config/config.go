// Package config provides the configuration schema and loader for the
// gateway. Values come from three layers applied in order: an optional YAML
// file, a .env file in the working directory, and the process environment.
// Later layers win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SessionType names the backend deployment flavor this gateway talks to.
// The "inbound" and "outbound" flavors answer with the full reply on commit,
// so they force non-streaming mode.
type SessionType string

const (
	SessionSIP      SessionType = "sip"
	SessionInbound  SessionType = "inbound"
	SessionOutbound SessionType = "outbound"
)

// Config is the root configuration for the gateway. Field tags give the YAML
// key; the matching environment variable is the key upper-cased (documented
// per field where it differs).
type Config struct {
	// ── Backend ──────────────────────────────────────────────────────────

	// BackendURL is the conversational backend root, e.g.
	// "https://backend.example.com/api". Required.
	BackendURL string `yaml:"backend_url"`

	// AuthorizationToken is sent as a bearer token on every backend request
	// and expected back on the control-plane endpoints. Empty disables both.
	AuthorizationToken string `yaml:"authorization_token"`

	// BackendRequestTimeoutSec bounds a whole backend request/response cycle.
	BackendRequestTimeoutSec float64 `yaml:"backend_request_timeout_sec"`

	// BackendConnectTimeoutSec bounds backend TCP connection establishment.
	BackendConnectTimeoutSec float64 `yaml:"backend_connect_timeout_sec"`

	// BackendReadTimeoutSec bounds the wait for backend response headers.
	BackendReadTimeoutSec float64 `yaml:"backend_read_timeout_sec"`

	// ── SIP account ──────────────────────────────────────────────────────

	// SIPUser is the user part of the gateway's SIP identity. Leave the SIP
	// block empty to run the control plane without a trunk (outbound calls
	// then answer 503).
	SIPUser string `yaml:"sip_user"`

	// SIPLogin is the authentication username. Defaults to SIPUser.
	SIPLogin string `yaml:"sip_login"`

	// SIPDomain is the registrar domain.
	SIPDomain string `yaml:"sip_domain"`

	// SIPPassword is the authentication password.
	SIPPassword string `yaml:"sip_password"`

	// SIPCallerID, when set, becomes the display name on the identity URI.
	SIPCallerID string `yaml:"sip_caller_id"`

	// SIPPort is the local SIP listening port.
	SIPPort int `yaml:"sip_port"`

	// UseTCP adds a TCP transport next to UDP and registers over it.
	UseTCP bool `yaml:"use_tcp"`

	// UseICE enables ICE candidate gathering on media negotiation.
	UseICE bool `yaml:"use_ice"`

	// STUNServers lists STUN server addresses. Comma-separated in env form.
	STUNServers []string `yaml:"stun_servers"`

	// ProxyServers lists outbound proxy URIs. Comma-separated in env form.
	ProxyServers []string `yaml:"proxy_servers"`

	// MaxCalls caps concurrent call legs. Env: SIP_MAX_CALLS.
	MaxCalls int `yaml:"sip_max_calls"`

	// AllowInboundCalls answers inbound INVITEs; when false they are
	// rejected with 403. Reloadable at runtime.
	AllowInboundCalls bool `yaml:"allow_inbound_calls"`

	// CodecsPriority maps codec id ("opus/48000") to priority 0-255, higher
	// preferred, zero disabled. JSON object in env form.
	CodecsPriority map[string]int `yaml:"codecs_priority"`

	// ── Audio & VAD ──────────────────────────────────────────────────────

	// TmpAudioDir holds transient synthesized reply files.
	TmpAudioDir string `yaml:"tmp_audio_dir"`

	// SIPAudioDir holds call recordings when RecordAudioParts is on.
	SIPAudioDir string `yaml:"sip_audio_dir"`

	// FrameTimeUsec is the capture frame duration in microseconds.
	FrameTimeUsec int `yaml:"frame_time_usec"`

	// VADSamplingRate is the rate media is resampled to for detection and
	// transcription. 8000 or 16000.
	VADSamplingRate int `yaml:"vad_sampling_rate"`

	// VADThreshold is the smoothed speech-probability threshold in (0, 1).
	VADThreshold float64 `yaml:"vad_threshold"`

	// VADMinSpeechDurationMs is the speech run that opens an utterance.
	VADMinSpeechDurationMs int `yaml:"vad_min_speech_duration_ms"`

	// VADMinSilenceDurationMs is the silence run that closes a speech run.
	VADMinSilenceDurationMs int `yaml:"vad_min_silence_duration_ms"`

	// VADSpeechPadMs is the fade-in pad carried into utterance payloads.
	VADSpeechPadMs int `yaml:"vad_speech_pad_ms"`

	// VADSpeechProbWindow is the probability smoothing window length.
	VADSpeechProbWindow int `yaml:"vad_speech_prob_window"`

	// ShortPauseOffsetMs extends the silence minimum to the short pause.
	ShortPauseOffsetMs int `yaml:"short_pause_offset_ms"`

	// LongPauseOffsetMs extends the short pause to the long pause.
	LongPauseOffsetMs int `yaml:"long_pause_offset_ms"`

	// UserSilenceTimeoutMs hangs up after this much unbroken user silence.
	UserSilenceTimeoutMs int `yaml:"user_silence_timeout_ms"`

	// MinSpeechDurationSec gates speculative starts: shorter utterances wait
	// for the long pause.
	MinSpeechDurationSec float64 `yaml:"min_speech_duration_sec"`

	// VADUseDynamicCorrections enables the adaptive SNR/energy scoring stage.
	VADUseDynamicCorrections bool `yaml:"vad_use_dynamic_corrections"`

	// VADCorrectionEnterThreshold is the correction stage's rising edge.
	// Env: VAD_CORRECTION_ENTER_THRESHOLD.
	VADCorrectionEnterThreshold float64 `yaml:"vad_correction_enter_threshold"`

	// VADCorrectionExitThreshold is the correction stage's falling edge.
	// Env: VAD_CORRECTION_EXIT_THRESHOLD.
	VADCorrectionExitThreshold float64 `yaml:"vad_correction_exit_threshold"`

	// VADCorrectionDebug logs per-frame correction scores.
	VADCorrectionDebug bool `yaml:"vad_correction_debug"`

	// VADModelPath is the silero ONNX model location; downloaded from
	// VADModelURL when missing.
	VADModelPath string `yaml:"vad_model_path"`

	// VADModelURL is the silero model download source.
	VADModelURL string `yaml:"vad_model_url"`

	// ── Conversation behavior ────────────────────────────────────────────

	// InterruptionsAreAllowed lets callers barge in over reply playback.
	InterruptionsAreAllowed bool `yaml:"interruptions_are_allowed"`

	// IsStreaming plays reply fragments as the event stream delivers them.
	// Forced false when SessionType is inbound or outbound; those backends
	// answer with the full reply on commit.
	IsStreaming bool `yaml:"is_streaming"`

	// SIPEarlyEOC winds the call down on the first end-of-conversation
	// event instead of waiting for end-of-stream.
	SIPEarlyEOC bool `yaml:"sip_early_eoc"`

	// TTSMaxInflight caps concurrent synthesis requests per call.
	TTSMaxInflight int `yaml:"tts_max_inflight"`

	// GreetingDelaySec postpones the greeting after media opens.
	GreetingDelaySec float64 `yaml:"greeting_delay_sec"`

	// RecordAudioParts records full calls and per-utterance parts under
	// SIPAudioDir.
	RecordAudioParts bool `yaml:"record_audio_parts"`

	// SessionType is the backend deployment flavor ("sip", "inbound",
	// "outbound"). See the type docs for the streaming implication.
	SessionType SessionType `yaml:"session_type"`

	// TranscriptFuzzyMatch loosens the repeated-transcription check from
	// normalized equality to Jaro-Winkler similarity.
	TranscriptFuzzyMatch bool `yaml:"transcript_fuzzy_match"`

	// ── Local speech recognition ─────────────────────────────────────────

	// UseLocalSTT transcribes with a local whisper.cpp model instead of the
	// backend /transcribe endpoint.
	UseLocalSTT bool `yaml:"use_local_stt"`

	// WhisperModelPath is the ggml model file for local transcription.
	WhisperModelPath string `yaml:"whisper_model_path"`

	// WhisperLanguage is the recognition language code.
	WhisperLanguage string `yaml:"whisper_language"`

	// ── Control plane ────────────────────────────────────────────────────

	// RESTAPIPort is the control-plane HTTP port. Env: SIP_REST_API_PORT.
	RESTAPIPort int `yaml:"sip_rest_api_port"`

	// CallbackHost and CallbackPort are advertised to the platform for
	// callbacks into this gateway. Accepted for deployment compatibility;
	// nothing in the gateway consumes them yet.
	// Env: FLAMETREE_CALLBACK_HOST / FLAMETREE_CALLBACK_PORT.
	CallbackHost string `yaml:"flametree_callback_host"`
	CallbackPort int    `yaml:"flametree_callback_port"`

	// ── Logging ──────────────────────────────────────────────────────────

	// LogLevel controls verbosity. Reloadable at runtime.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFilename, when set, mirrors logs to a timestamped file.
	LogFilename string `yaml:"log_filename"`
}

// Default returns a Config carrying every default value. Load starts from
// this before applying the file and environment layers.
func Default() *Config {
	return &Config{
		BackendRequestTimeoutSec: 60,
		BackendConnectTimeoutSec: 60,
		BackendReadTimeoutSec:    60,

		SIPPort:           5060,
		MaxCalls:          32,
		AllowInboundCalls: true,
		CodecsPriority:    map[string]int{"opus/48000": 254, "G722/16000": 253},

		TmpAudioDir:   "/tmp/sipvox",
		SIPAudioDir:   "./recordings",
		FrameTimeUsec: 60000,

		VADSamplingRate:             16000,
		VADThreshold:                0.65,
		VADMinSpeechDurationMs:      150,
		VADMinSilenceDurationMs:     100,
		VADSpeechPadMs:              700,
		VADSpeechProbWindow:         5,
		ShortPauseOffsetMs:          200,
		LongPauseOffsetMs:           850,
		UserSilenceTimeoutMs:        60000,
		MinSpeechDurationSec:        1.5,
		VADCorrectionEnterThreshold: 0.40,
		VADCorrectionExitThreshold:  0.25,
		VADModelPath:                "./models/silero_vad.onnx",
		VADModelURL:                 "https://huggingface.co/onnx-community/silero-vad/resolve/main/onnx/model.onnx",

		InterruptionsAreAllowed: true,
		IsStreaming:             true,
		TTSMaxInflight:          3,
		SessionType:             SessionSIP,

		WhisperLanguage: "en",

		RESTAPIPort:  8080,
		CallbackPort: 8088,

		LogLevel: LogInfo,
	}
}

// ─── Derived values ──────────────────────────────────────────────────────────

// BackendRequestTimeout returns the request timeout as a duration.
func (c *Config) BackendRequestTimeout() time.Duration {
	return secs(c.BackendRequestTimeoutSec)
}

// BackendConnectTimeout returns the connect timeout as a duration.
func (c *Config) BackendConnectTimeout() time.Duration {
	return secs(c.BackendConnectTimeoutSec)
}

// BackendReadTimeout returns the header-read timeout as a duration.
func (c *Config) BackendReadTimeout() time.Duration {
	return secs(c.BackendReadTimeoutSec)
}

// FrameTime returns the capture frame duration.
func (c *Config) FrameTime() time.Duration {
	return time.Duration(c.FrameTimeUsec) * time.Microsecond
}

// MinSpeechDuration returns the speculation gate as a duration.
func (c *Config) MinSpeechDuration() time.Duration {
	return secs(c.MinSpeechDurationSec)
}

// GreetingDelay returns the greeting delay as a duration.
func (c *Config) GreetingDelay() time.Duration {
	return secs(c.GreetingDelaySec)
}

// UserSilenceTimeout returns the silence hangup timeout as a duration.
func (c *Config) UserSilenceTimeout() time.Duration {
	return time.Duration(c.UserSilenceTimeoutMs) * time.Millisecond
}

// SIPConfigured reports whether enough of the SIP block is present to bring
// a trunk up.
func (c *Config) SIPConfigured() bool {
	return c.SIPUser != "" && c.SIPDomain != ""
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// ─── Validation ──────────────────────────────────────────────────────────────

// Validate checks that c contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(c *Config) error {
	var errs []error

	if c.BackendURL == "" {
		errs = append(errs, errors.New("backend_url is required"))
	} else if u, err := url.Parse(c.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend_url %q is not an absolute URL", c.BackendURL))
	}
	if c.BackendRequestTimeoutSec <= 0 || c.BackendConnectTimeoutSec <= 0 || c.BackendReadTimeoutSec <= 0 {
		errs = append(errs, errors.New("backend timeouts must be positive"))
	}

	if c.SIPUser != "" || c.SIPDomain != "" || c.SIPPassword != "" {
		if c.SIPUser == "" {
			errs = append(errs, errors.New("sip_user is required when the SIP block is configured"))
		}
		if c.SIPDomain == "" {
			errs = append(errs, errors.New("sip_domain is required when the SIP block is configured"))
		}
	}
	if c.SIPPort <= 0 || c.SIPPort > 65535 {
		errs = append(errs, fmt.Errorf("sip_port %d is out of range", c.SIPPort))
	}
	if c.MaxCalls < 1 {
		errs = append(errs, fmt.Errorf("sip_max_calls %d must be at least 1", c.MaxCalls))
	}
	for id, prio := range c.CodecsPriority {
		if prio < 0 || prio > 255 {
			errs = append(errs, fmt.Errorf("codecs_priority[%q] %d is out of range [0, 255]", id, prio))
		}
	}

	if c.VADSamplingRate != 8000 && c.VADSamplingRate != 16000 {
		errs = append(errs, fmt.Errorf("vad_sampling_rate %d must be 8000 or 16000", c.VADSamplingRate))
	}
	if c.VADThreshold <= 0 || c.VADThreshold >= 1 {
		errs = append(errs, fmt.Errorf("vad_threshold %.2f must be in (0, 1)", c.VADThreshold))
	}
	if c.VADSpeechProbWindow < 1 {
		errs = append(errs, fmt.Errorf("vad_speech_prob_window %d must be at least 1", c.VADSpeechProbWindow))
	}
	if c.FrameTimeUsec <= 0 {
		errs = append(errs, fmt.Errorf("frame_time_usec %d must be positive", c.FrameTimeUsec))
	}

	if c.TTSMaxInflight < 1 {
		errs = append(errs, fmt.Errorf("tts_max_inflight %d must be at least 1", c.TTSMaxInflight))
	}
	if c.UseLocalSTT && c.WhisperModelPath == "" {
		errs = append(errs, errors.New("whisper_model_path is required when use_local_stt is true"))
	}

	if c.RESTAPIPort <= 0 || c.RESTAPIPort > 65535 {
		errs = append(errs, fmt.Errorf("sip_rest_api_port %d is out of range", c.RESTAPIPort))
	}
	if c.LogLevel != "" && !c.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}

	return errors.Join(errs...)
}
