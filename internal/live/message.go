package live

import (
	"encoding/json"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/scoring"
)

// MessageType names a server-to-client live message.
type MessageType string

const (
	TypeComparisonResult MessageType = "comparison_result"
	TypeError            MessageType = "error"
)

// Message is one per-frame reply on a live session.
type Message struct {
	Type           MessageType
	Score          float64
	WrongKeypoints []int
	TotalKeypoints int
	ReferenceFrame int
	Text           string
}

type comparisonJSON struct {
	Type           MessageType `json:"type"`
	Score          float64     `json:"score"`
	WrongKeypoints []int       `json:"wrong_keypoints"`
	TotalKeypoints int         `json:"total_keypoints"`
	ReferenceFrame int         `json:"reference_frame"`
}

type errorJSON struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// MarshalJSON writes the wire shape for the message type.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Type == TypeError {
		return json.Marshal(errorJSON{Type: TypeError, Message: m.Text})
	}
	wrong := m.WrongKeypoints
	if wrong == nil {
		wrong = []int{}
	}
	return json.Marshal(comparisonJSON{
		Type:           TypeComparisonResult,
		Score:          m.Score,
		WrongKeypoints: wrong,
		TotalKeypoints: m.TotalKeypoints,
		ReferenceFrame: m.ReferenceFrame,
	})
}

// ComparisonMessage builds the reply for a scored frame.
func ComparisonMessage(fs scoring.FrameScore, refIndex int) Message {
	wrong := fs.Wrong()
	ids := make([]int, len(wrong))
	for i, id := range wrong {
		ids[i] = int(id)
	}
	return Message{
		Type:           TypeComparisonResult,
		Score:          fs.Score,
		WrongKeypoints: ids,
		TotalKeypoints: fs.Compared(),
		ReferenceFrame: refIndex,
	}
}

// ErrorMessage builds an error reply.
func ErrorMessage(text string) Message {
	return Message{Type: TypeError, Text: text}
}
