// Package humansim converts incoming messages and planned responses
// into realistic human delays: time to read, time to think, and time
// to type. All computation is pure given an injected RNG and clock, so
// plans are reproducible in tests and in replay.
package humansim

import (
	"math/rand"
	"time"

	"github.com/meshline/meshline/internal/chat"
)

// ActivityPeriod buckets the clock into engagement levels that scale
// every delay: a dormant user takes far longer to notice a message
// than one at peak hours.
type ActivityPeriod string

// Activity periods.
const (
	Peak    ActivityPeriod = "peak"    // 18–22
	Normal  ActivityPeriod = "normal"  // 9–17
	Low     ActivityPeriod = "low"     // 6–8, 23
	Dormant ActivityPeriod = "dormant" // 0–5
)

// ActivityPeriodOf maps an hour of day (0–23) to its activity period.
func ActivityPeriodOf(hour int) ActivityPeriod {
	switch {
	case hour >= 18 && hour <= 22:
		return Peak
	case hour >= 9 && hour <= 17:
		return Normal
	case hour >= 6 && hour <= 8, hour == 23:
		return Low
	default:
		return Dormant
	}
}

// periodMultiplier scales delays per activity period.
func periodMultiplier(p ActivityPeriod) float64 {
	switch p {
	case Peak:
		return 0.8
	case Low:
		return 1.5
	case Dormant:
		return 3.0
	default:
		return 1.0
	}
}

// Delay bounds. Every computed delay is clamped into its range.
var (
	ReadDelayBounds  = Bounds{800 * time.Millisecond, 45 * time.Second}
	ThinkDelayBounds = Bounds{500 * time.Millisecond, 30 * time.Second}
	TypeDelayBounds  = Bounds{1 * time.Second, 4 * time.Minute}
)

// Bounds is a closed [Min, Max] duration interval.
type Bounds struct {
	Min time.Duration
	Max time.Duration
}

// Clamp forces d into the interval.
func (b Bounds) Clamp(d time.Duration) time.Duration {
	if d < b.Min {
		return b.Min
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Profile holds the behavioural knobs, each clamped to [0,1].
//
//   - ReadingSpeed: 0 = slow reader (~120 wpm), 1 = fast (~400 wpm).
//   - Deliberation: 0 = snap replies, 1 = long consideration.
//   - ActivityLevel: 0 = slow typist (~20 wpm), 1 = fast (~80 wpm).
//   - IdleTendency: 0 = always attentive, 1 = easily distracted;
//     stretches the think delay.
type Profile struct {
	ReadingSpeed  float64 `yaml:"reading_speed"`
	Deliberation  float64 `yaml:"deliberation"`
	ActivityLevel float64 `yaml:"activity_level"`
	IdleTendency  float64 `yaml:"idle_tendency"`
}

// Clamped returns a copy with every knob forced into [0,1].
func (p Profile) Clamped() Profile {
	return Profile{
		ReadingSpeed:  clamp01(p.ReadingSpeed),
		Deliberation:  clamp01(p.Deliberation),
		ActivityLevel: clamp01(p.ActivityLevel),
		IdleTendency:  clamp01(p.IdleTendency),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ResponsePlan is the complete timing plan for answering one message.
// Total is always the sum of the three component delays.
type ResponsePlan struct {
	ReadDelay    time.Duration
	ThinkDelay   time.Duration
	TypeDuration time.Duration
	Total        time.Duration
}

// jitterFraction is the symmetric ± spread applied to each delay.
const jitterFraction = 0.2

// thinkBaseline is the unscaled consideration time.
const thinkBaseline = 2 * time.Second

// Simulator computes response plans for one profile. Rand and Now are
// injectable; nil values fall back to the global RNG and wall clock.
type Simulator struct {
	profile Profile
	random  func() float64
	now     func() time.Time
}

// New creates a simulator for the given profile. Knobs outside [0,1]
// are clamped.
func New(profile Profile, random func() float64, now func() time.Time) *Simulator {
	if random == nil {
		random = rand.Float64
	}
	if now == nil {
		now = time.Now
	}
	return &Simulator{profile: profile.Clamped(), random: random, now: now}
}

// Profile returns the clamped profile in effect.
func (s *Simulator) Profile() Profile { return s.profile }

// ReadDelay estimates how long the user takes to read msg: word count
// over reading speed, jittered and scaled by the current activity
// period, clamped to ReadDelayBounds.
func (s *Simulator) ReadDelay(msg *chat.Message) time.Duration {
	words := contentWords(msg)
	if words == 0 {
		words = 1
	}

	wpm := lerp(120, 400, s.profile.ReadingSpeed)
	base := time.Duration(float64(words) / wpm * float64(time.Minute))
	d := time.Duration(float64(base) * s.jitter() * s.periodScale())
	return ReadDelayBounds.Clamp(d)
}

// ThinkDelay estimates consideration time before typing begins. The
// baseline is stretched by deliberation and idle tendency, jittered,
// and scaled by the activity period, clamped to ThinkDelayBounds.
func (s *Simulator) ThinkDelay() time.Duration {
	scale := lerp(0.5, 3.0, s.profile.Deliberation) * (1 + s.profile.IdleTendency)
	d := time.Duration(float64(thinkBaseline) * scale * s.jitter() * s.periodScale())
	return ThinkDelayBounds.Clamp(d)
}

// TypeDuration estimates how long typing the response takes: word
// count times the per-word cost at the profile's typing speed,
// jittered and period-scaled, clamped to TypeDelayBounds. An empty
// response returns the minimum bound.
func (s *Simulator) TypeDuration(responseText string) time.Duration {
	words := chat.WordCount(responseText)
	if words == 0 {
		return TypeDelayBounds.Min
	}

	wpm := lerp(20, 80, s.profile.ActivityLevel)
	perWord := time.Duration(float64(time.Minute) / wpm)
	d := time.Duration(float64(perWord) * float64(words) * s.jitter() * s.periodScale())
	return TypeDelayBounds.Clamp(d)
}

// PlanResponse computes the full timing plan for replying to msg with
// responseText. Identical inputs under the same RNG sequence and clock
// hour produce identical plans.
func (s *Simulator) PlanResponse(msg *chat.Message, responseText string) ResponsePlan {
	plan := ResponsePlan{
		ReadDelay:    s.ReadDelay(msg),
		ThinkDelay:   s.ThinkDelay(),
		TypeDuration: s.TypeDuration(responseText),
	}
	plan.Total = plan.ReadDelay + plan.ThinkDelay + plan.TypeDuration
	return plan
}

// jitter draws a symmetric multiplier in [1−j, 1+j].
func (s *Simulator) jitter() float64 {
	return 1 + (s.random()*2-1)*jitterFraction
}

// periodScale returns the activity multiplier for the current hour.
func (s *Simulator) periodScale() float64 {
	return periodMultiplier(ActivityPeriodOf(s.now().Hour()))
}

// contentWords counts readable words in a message's content: the text
// body for text messages, the caption for media.
func contentWords(msg *chat.Message) int {
	if msg == nil {
		return 0
	}
	switch msg.Content.Type {
	case chat.ContentText:
		return chat.WordCount(msg.Content.Text)
	default:
		return chat.WordCount(msg.Content.Caption)
	}
}

func lerp(lo, hi, t float64) float64 {
	return lo + (hi-lo)*t
}
