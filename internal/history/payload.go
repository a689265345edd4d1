package history

import (
	"encoding/xml"
	"strings"

	"github.com/google/uuid"
)

// launchArguments returns the explicit arguments, or the root element's
// launch attribute when the payload is XML. Anything else yields "".
func launchArguments(n Notification) string {
	if n.Arguments != "" {
		return n.Arguments
	}
	payload := strings.TrimSpace(n.Payload)
	if !strings.HasPrefix(payload, "<") {
		return ""
	}
	decoder := xml.NewDecoder(strings.NewReader(payload))
	for {
		token, err := decoder.Token()
		if err != nil {
			return ""
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "launch" {
				return attr.Value
			}
		}
		return ""
	}
}

// generateTag produces a tag for notifications shown without one, so the
// store and the platform agree on the identity.
func generateTag() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}
