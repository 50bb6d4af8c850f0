package remote

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var (
	statusPath   = jsonpath.MustCompile("$.status.status_str")
	messagesPath = jsonpath.MustCompile("$.status.messages")
)

// executionError inspects a history entry. Engines without a status block are treated as
// successful, matching their history semantics (an entry only appears once finished).
func executionError(entry json.RawMessage) (string, bool) {
	var doc interface{}
	if err := json.Unmarshal(entry, &doc); err != nil {
		return "", false
	}

	status, err := statusPath.Lookup(doc)
	if err != nil {
		return "", false
	}
	if s, _ := status.(string); s != "error" {
		return "", false
	}

	msg := "execution failed"
	messages, err := messagesPath.Lookup(doc)
	if err != nil {
		return msg, true
	}
	list, _ := messages.([]interface{})
	for _, m := range list {
		pair, ok := m.([]interface{})
		if !ok || len(pair) < 2 || pair[0] != "execution_error" {
			continue
		}
		details, ok := pair[1].(map[string]interface{})
		if !ok {
			continue
		}
		if em, _ := details["exception_message"].(string); em != "" {
			msg = strings.TrimSpace(em)
		}
		if nodeType, _ := details["node_type"].(string); nodeType != "" {
			msg = fmt.Sprintf("%s (node %v %s)", msg, details["node_id"], nodeType)
		}
	}
	return msg, true
}
