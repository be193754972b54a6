package cognition

import "github.com/polzovatel/browser-brain/internal/llm"

// transcriptCap bounds the prior turns sent with each reasoning request.
const transcriptCap = 6

// Session is the per-task state threaded through every Decide call. It
// is owned by one step loop and must not be shared between tasks.
type Session struct {
	ID     string
	Task   string
	Step   int
	Window *ActionWindow
	// Rejections counts consecutive decisions gated out for low confidence.
	Rejections int
	Done       bool

	transcript []llm.Message
}

func NewSession(id, task string) *Session {
	return &Session{
		ID:     id,
		Task:   task,
		Window: NewActionWindow(),
	}
}

// Transcript returns a copy of the retained prior turns, oldest first.
func (s *Session) Transcript() []llm.Message {
	return append([]llm.Message(nil), s.transcript...)
}

// remember appends one exchange and keeps only the newest transcriptCap
// messages.
func (s *Session) remember(user, assistant string) {
	s.transcript = append(s.transcript,
		llm.Message{Role: "user", Text: user},
		llm.Message{Role: "assistant", Text: assistant},
	)
	if over := len(s.transcript) - transcriptCap; over > 0 {
		s.transcript = append(s.transcript[:0], s.transcript[over:]...)
	}
}

// ResetConversation drops the transcript, keeping counters.
func (s *Session) ResetConversation() {
	s.transcript = nil
}
