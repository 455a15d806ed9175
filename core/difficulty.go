package core

import "math"

// DIFFICULTY_TARGET is the block interval, in seconds, the controller
// steers toward.
const DIFFICULTY_TARGET = 15.0

// minDelta floors the inter-block delta so clock skew cannot push the
// retarget through log2(x<=0).
const minDelta = 0.001

// NextDifficulty computes the difficulty for the block extending prev.
// While only the genesis exists its difficulty is reused; afterwards the
// previous difficulty is nudged by 0.1*log2(target/delta) bits, clamped
// below to 1. The 0.1 coefficient keeps the controller stable under noisy
// inter-arrival times at the price of reacting slowly to sustained
// hash-power shifts.
func NextDifficulty(prev *Block, chainLen int, now float64) uint32 {
	if chainLen == 1 {
		return prev.Difficulty()
	}
	delta := now - prev.Timestamp()
	if delta < minDelta {
		delta = minDelta
	}
	difficulty := float64(prev.Difficulty()) + 0.1*math.Log2(DIFFICULTY_TARGET/delta)
	if difficulty < 1 {
		difficulty = 1
	}
	return uint32(math.Round(difficulty))
}
