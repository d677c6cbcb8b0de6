package domain

// Emotion is one of the fixed emotion categories a message can be classified as.
type Emotion string

const (
	EmotionNeutral  Emotion = "neutral"
	EmotionHappy    Emotion = "happy"
	EmotionSad      Emotion = "sad"
	EmotionAngry    Emotion = "angry"
	EmotionStressed Emotion = "stressed"
	EmotionFear     Emotion = "fear"
	EmotionConfused Emotion = "confused"
	EmotionBored    Emotion = "bored"
	EmotionExcited  Emotion = "excited"
)

var knownEmotions = map[Emotion]struct{}{
	EmotionNeutral:  {},
	EmotionHappy:    {},
	EmotionSad:      {},
	EmotionAngry:    {},
	EmotionStressed: {},
	EmotionFear:     {},
	EmotionConfused: {},
	EmotionBored:    {},
	EmotionExcited:  {},
}

// ParseEmotion returns the Emotion named by s and whether it is a known category.
func ParseEmotion(s string) (Emotion, bool) {
	e := Emotion(s)
	_, ok := knownEmotions[e]
	return e, ok
}

// IsNeutral reports whether e carries no emotional signal.
// The empty value is treated as neutral.
func (e Emotion) IsNeutral() bool {
	return e == "" || e == EmotionNeutral
}

var emotionNouns = map[Emotion]string{
	EmotionHappy:    "happiness",
	EmotionSad:      "sadness",
	EmotionAngry:    "anger",
	EmotionStressed: "stress",
	EmotionFear:     "fear",
	EmotionConfused: "confusion",
	EmotionBored:    "boredom",
	EmotionExcited:  "excitement",
}

// Noun names the feeling for use in a sentence ("the sadness in your words").
// Neutral has no noun.
func (e Emotion) Noun() string {
	return emotionNouns[e]
}

func (e Emotion) String() string {
	if e == "" {
		return string(EmotionNeutral)
	}
	return string(e)
}
