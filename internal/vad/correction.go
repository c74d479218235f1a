package vad

import (
	"log/slog"
	"math"
	"sort"
)

// CorrectionConfig tunes the dynamic correction stage. The zero value is not
// usable; start from DefaultCorrectionConfig.
type CorrectionConfig struct {
	ScoreWindow int
	ProbWindow  int

	EnterThreshold float64
	ExitThreshold  float64

	EarlyEnterThreshold float64
	EarlyPhaseFrames    int
	EarlyProbBoost      float64

	WeightProb   float64
	WeightSNR    float64
	WeightVar    float64
	WeightEnergy float64

	SpeechProbThreshold float64
	MinSpeechFrames     int
	TransitionThreshold float64

	SNRClipLow  float64
	SNRClipHigh float64
	VarClipLow  float64
	VarClipHigh float64

	NoiseAlpha float64
	PeakDecay  float64

	InitialNoiseAlpha  float64
	InitialAdaptFrames int

	Debug bool
}

// DefaultCorrectionConfig returns the tuning that ships with the gateway.
func DefaultCorrectionConfig() CorrectionConfig {
	return CorrectionConfig{
		ScoreWindow:         5,
		ProbWindow:          15,
		EnterThreshold:      0.40,
		ExitThreshold:       0.25,
		EarlyEnterThreshold: 0.30,
		EarlyPhaseFrames:    200,
		EarlyProbBoost:      0.20,
		WeightProb:          0.60,
		WeightSNR:           0.15,
		WeightVar:           0.05,
		WeightEnergy:        0.20,
		SpeechProbThreshold: 0.3,
		MinSpeechFrames:     3,
		TransitionThreshold: 0.4,
		SNRClipLow:          0.0,
		SNRClipHigh:         20.0,
		VarClipLow:          0.0,
		VarClipHigh:         0.05,
		NoiseAlpha:          0.02,
		PeakDecay:           0.05,
		InitialNoiseAlpha:   0.15,
		InitialAdaptFrames:  50,
	}
}

// DynamicCorrection refines per-window speech decisions by fusing the model
// probability with signal statistics: an adaptive noise floor, a decaying
// energy peak, and the variance of recent speech-leaning probabilities. The
// fused score drives a hysteresis pair of enter/exit thresholds, with a
// lowered entry bar during a configurable early-detection phase.
//
// Not safe for concurrent use; the stream processor serializes calls.
type DynamicCorrection struct {
	cfg CorrectionConfig

	scoreBuf []float64
	probBuf  []float64

	noiseEnergy          float64
	peakEnergy           float64
	initialEnergySamples []float64

	state      bool
	frameIndex int

	inEarlyPhase         bool
	earlyPhaseStartFrame int
}

// NewDynamicCorrection creates a correction stage with the given tuning.
func NewDynamicCorrection(cfg CorrectionConfig) *DynamicCorrection {
	return &DynamicCorrection{
		cfg:                  cfg,
		noiseEnergy:          0.01,
		peakEnergy:           0.1,
		earlyPhaseStartFrame: -1,
	}
}

// StartEarlyDetection opens the early-detection phase: for the next
// EarlyPhaseFrames windows the entry threshold drops and probabilities get an
// additive boost, so barge-in right after the assistant speaks is caught
// faster. Only the first call has an effect.
func (d *DynamicCorrection) StartEarlyDetection() {
	if d.earlyPhaseStartFrame == -1 {
		d.inEarlyPhase = true
		d.earlyPhaseStartFrame = d.frameIndex
	}
}

// Active reports the current speech/silence decision.
func (d *DynamicCorrection) Active() bool { return d.state }

// ProcessFrame fuses one window's smoothed probability and energy into the
// running score and returns the updated speech decision.
func (d *DynamicCorrection) ProcessFrame(speechProb, frameEnergy float64) bool {
	d.updateEnergyProfile(frameEnergy, speechProb)

	adjustedProb := d.applyEarlyDetectionBoost(speechProb)
	snr := frameEnergy / (d.noiseEnergy + 1e-6)
	snrN := clipNorm(snr, d.cfg.SNRClipLow, d.cfg.SNRClipHigh)

	d.probBuf = append(d.probBuf, adjustedProb)
	if len(d.probBuf) > d.cfg.ProbWindow {
		d.probBuf = d.probBuf[1:]
	}

	_, fgVar := d.foregroundVariance()
	fgVarN := clipNorm(fgVar, d.cfg.VarClipLow, d.cfg.VarClipHigh)

	var engN float64
	if d.peakEnergy > d.noiseEnergy {
		engN = (frameEnergy - d.noiseEnergy) / (d.peakEnergy - d.noiseEnergy + 1e-6)
	} else if frameEnergy > d.noiseEnergy {
		engN = 0.5
	}
	engN = math.Min(1.0, math.Max(0.0, engN))

	weightSum := d.cfg.WeightProb + d.cfg.WeightSNR + d.cfg.WeightVar + d.cfg.WeightEnergy
	score := d.cfg.WeightProb*adjustedProb +
		d.cfg.WeightSNR*snrN +
		d.cfg.WeightVar*fgVarN +
		d.cfg.WeightEnergy*engN
	if weightSum > 0 {
		score /= weightSum
	}

	d.scoreBuf = append(d.scoreBuf, score)
	if len(d.scoreBuf) > d.cfg.ScoreWindow {
		d.scoreBuf = d.scoreBuf[1:]
	}

	meanScore := mean(d.scoreBuf)
	enterThreshold := d.cfg.EnterThreshold
	if d.inEarlyPhase {
		enterThreshold = d.cfg.EarlyEnterThreshold
	}
	if !d.state && meanScore >= enterThreshold {
		d.state = true
	} else if d.state && meanScore <= d.cfg.ExitThreshold {
		d.state = false
	}

	if d.inEarlyPhase {
		if d.state {
			d.inEarlyPhase = false
		} else if d.earlyPhaseStartFrame >= 0 && d.frameIndex >= d.earlyPhaseStartFrame+d.cfg.EarlyPhaseFrames {
			d.inEarlyPhase = false
		}
	}

	if d.cfg.Debug {
		label := "SILENCE"
		if d.state {
			label = "SPEECH"
		}
		slog.Debug("vad correction frame",
			"frame", d.frameIndex,
			"prob", speechProb,
			"score", meanScore,
			"state", label,
		)
	}

	d.frameIndex++
	return d.state
}

// updateEnergyProfile maintains the noise floor and the decaying peak. The
// floor adapts only on confident silence; the first InitialAdaptFrames seed
// it from a tenth-percentile sample and use a faster alpha.
func (d *DynamicCorrection) updateEnergyProfile(energy, speechProb float64) {
	if len(d.initialEnergySamples) < d.cfg.InitialAdaptFrames {
		d.initialEnergySamples = append(d.initialEnergySamples, energy)
		if len(d.initialEnergySamples) == d.cfg.InitialAdaptFrames {
			sorted := append([]float64(nil), d.initialEnergySamples...)
			sort.Float64s(sorted)
			d.noiseEnergy = sorted[len(sorted)/10]
		}
	}

	alpha := d.cfg.NoiseAlpha
	if d.frameIndex < d.cfg.InitialAdaptFrames {
		alpha = d.cfg.InitialNoiseAlpha
	}

	if !d.state && speechProb < 0.3 {
		d.noiseEnergy = (1.0-alpha)*d.noiseEnergy + alpha*energy
	}

	if energy > d.peakEnergy {
		d.peakEnergy = energy
	} else {
		d.peakEnergy = (1.0-d.cfg.PeakDecay)*d.peakEnergy + d.cfg.PeakDecay*d.noiseEnergy
	}
	d.peakEnergy = math.Max(d.peakEnergy, d.noiseEnergy+1e-6)
}

// isTransitionPeriod reports whether the last four probabilities swing wider
// than the transition threshold, i.e. the signal is crossing between speech
// and silence.
func (d *DynamicCorrection) isTransitionPeriod() bool {
	if len(d.probBuf) < 4 {
		return false
	}
	tail := d.probBuf[len(d.probBuf)-4:]
	lo, hi := tail[0], tail[0]
	for _, p := range tail[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	return hi-lo > d.cfg.TransitionThreshold
}

// foregroundVariance returns the raw buffer variance and the variance of the
// speech-leaning probabilities. During transition periods the foreground set
// tightens to the most recent six qualifying values (needing at least three).
func (d *DynamicCorrection) foregroundVariance() (raw, foreground float64) {
	if len(d.probBuf) < 2 {
		return 0, 0
	}
	raw = variance(d.probBuf)

	if !d.state {
		return raw, 0
	}

	speechProbs := make([]float64, 0, len(d.probBuf))
	for _, p := range d.probBuf {
		if p > d.cfg.SpeechProbThreshold {
			speechProbs = append(speechProbs, p)
		}
	}
	if len(speechProbs) < d.cfg.MinSpeechFrames {
		return raw, 0
	}

	foreground = variance(speechProbs)
	if d.isTransitionPeriod() {
		const maxCount = 6
		recent := make([]float64, 0, maxCount)
		for i := len(d.probBuf) - 1; i >= 0 && len(recent) < maxCount; i-- {
			if d.probBuf[i] > d.cfg.SpeechProbThreshold {
				recent = append(recent, d.probBuf[i])
			}
		}
		if len(recent) >= 3 {
			foreground = variance(recent)
		} else {
			foreground = 0
		}
	}
	return raw, foreground
}

func (d *DynamicCorrection) applyEarlyDetectionBoost(speechProb float64) float64 {
	if !d.inEarlyPhase {
		return speechProb
	}
	return math.Min(1.0, speechProb+d.cfg.EarlyProbBoost)
}

func clipNorm(value, low, high float64) float64 {
	if high <= low {
		return 0
	}
	clipped := math.Max(low, math.Min(high, value))
	return (clipped - low) / (high - low)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// variance is the population variance; below two values it is zero.
func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var acc float64
	for _, v := range values {
		diff := v - m
		acc += diff * diff
	}
	return acc / float64(len(values))
}
