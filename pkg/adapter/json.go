package adapter

import "strings"

// CleanJSON strips markdown code fences and surrounding prose from a model
// response, leaving the first JSON object or array. Text without any JSON is
// returned trimmed so the caller's decoder reports the error.
func CleanJSON(response string) string {
	response = stripCodeFences(response)

	if start := strings.IndexAny(response, "{["); start >= 0 {
		response = response[start:]
		if end := jsonEnd(response); end >= 0 {
			response = response[:end+1]
		}
	}
	return strings.TrimSpace(response)
}

func stripCodeFences(s string) string {
	start := 0
	for {
		idx := strings.Index(s[start:], "```")
		if idx < 0 {
			return s
		}
		idx += start

		endIdx := strings.Index(s[idx+3:], "```")
		if endIdx < 0 {
			// unterminated fence: drop the opening marker line
			content := s[idx+3:]
			if nl := strings.Index(content, "\n"); nl >= 0 {
				content = content[nl+1:]
			}
			return s[:idx] + content
		}
		endIdx += idx + 3

		content := s[idx+3 : endIdx]
		if nl := strings.Index(content, "\n"); nl >= 0 {
			content = content[nl+1:]
		}
		s = s[:idx] + content + s[endIdx+3:]
		start = idx + len(content)
	}
}

// jsonEnd returns the index closing the value that opens s, or -1
func jsonEnd(s string) int {
	depth := 0
	inString := false
	escape := false

	for i, c := range s {
		switch {
		case escape:
			escape = false
		case c == '\\' && inString:
			escape = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
