package injector

import "time"

// typingDelay returns the pause after one character at cpm characters per
// minute: the base delay varied by up to 30% either way, tripled 5% of the
// time.
func (i *Injector) typingDelay(cpm int) time.Duration {
	if cpm <= 0 {
		cpm = DefaultTypingSpeed
	}
	base := time.Minute / time.Duration(cpm)

	i.rngMu.Lock()
	jitter := 0.7 + 0.6*i.rng.Float64()
	pause := i.rng.Float64() < 0.05
	i.rngMu.Unlock()

	d := time.Duration(float64(base) * jitter)
	if pause {
		d *= 3
	}
	return d
}
