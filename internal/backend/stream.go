package backend

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strings"
)

// eachStreamLine walks NDJSON output line by line. Decoded events go to
// onEvent; lines that are not JSON go to onRaw (some CLIs interleave plain
// text with the stream). An optional "data: " SSE prefix is stripped.
func eachStreamLine(stdout string, onEvent func(map[string]interface{}), onRaw func(string)) {
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event map[string]interface{}
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			if onRaw != nil {
				onRaw(line)
			}
			continue
		}
		onEvent(event)
	}
}

// stringField returns the string value at key, or empty.
func stringField(event map[string]interface{}, key string) string {
	s, _ := event[key].(string)
	return s
}

// firstString returns the first non-empty string among the given keys.
func firstString(event map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := stringField(event, key); s != "" {
			return s
		}
	}
	return ""
}

// boolField returns the bool value at key, false when absent.
func boolField(event map[string]interface{}, key string) bool {
	b, _ := event[key].(bool)
	return b
}

// contentText extracts text from a content value: either a plain string or an
// array of {"text": ...} blocks.
func contentText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		for _, item := range v {
			if block, ok := item.(map[string]interface{}); ok {
				if text := stringField(block, "text"); text != "" {
					return text
				}
			}
		}
	}
	return ""
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// stripANSI removes terminal escape sequences that leak through even with
// NO_COLOR set.
func stripANSI(input string) string {
	return ansiRe.ReplaceAllString(input, "")
}
