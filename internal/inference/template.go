package inference

import "strings"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// The chat template is rendered client-side so the prompt text stays
// byte-stable across requests: session reuse hashes rendered prefixes, and
// any server-side template drift would break every prefix match.

func renderMessage(m Message) string {
	return "<|" + m.Role + "|>\n" + m.Content + "\n"
}

// RenderPrefix renders the given messages without the trailing assistant
// header. RenderPrefix(msgs[:i]) is a byte prefix of RenderPrompt(msgs) for
// every i, which is what prefix matching relies on.
func RenderPrefix(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(renderMessage(m))
	}
	return b.String()
}

// RenderPrompt renders the full generation prompt: every message followed
// by an open assistant header for the model to continue.
func RenderPrompt(msgs []Message) string {
	return RenderPrefix(msgs) + "<|assistant|>\n"
}
