package audio

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// MixPCM16 sums two 16-bit mono PCM buffers sample-by-sample with int32
// arithmetic and clamps to the int16 range. The result has the length of the
// longer input; the shorter one is treated as trailing silence. Used by the
// call recorder to fold received and transmitted audio into one track.
func MixPCM16(a, b []byte) []byte {
	long, short := a, b
	if len(b) > len(a) {
		long, short = b, a
	}
	out := make([]byte, len(long))
	copy(out, long)
	for i := 0; i+1 < len(short); i += 2 {
		sa := int32(int16(out[i]) | int16(out[i+1])<<8)
		sb := int32(int16(short[i]) | int16(short[i+1])<<8)
		sum := sa + sb

		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}

		out[i] = byte(sum)
		out[i+1] = byte(sum >> 8)
	}
	return out
}
