package dispatcher

import (
	"fmt"
	"strings"

	"accident-alert/internal/models"
)

const timestampLayout = "2006-01-02 15:04:05 MST"

// ComposeMessage 生成报警短信正文（所有联系人收到相同内容）
func ComposeMessage(req models.EscalationRequest, mapLinkBase string) string {
	var b strings.Builder

	b.WriteString("EMERGENCY: possible vehicle crash detected")
	if !req.CreatedAt.IsZero() {
		fmt.Fprintf(&b, " at %s", req.CreatedAt.UTC().Format(timestampLayout))
	}
	b.WriteString(".\n")

	fmt.Fprintf(&b, "Impact: %.1f g.\n", req.GForce)

	if req.Location.Known {
		coords := req.Location.String()
		fmt.Fprintf(&b, "Location: %s", coords)
		if mapLinkBase != "" {
			fmt.Fprintf(&b, " %s%s", mapLinkBase, coords)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("Location: location unknown\n")
	}

	if req.AutoTriggered {
		b.WriteString("The driver did not respond to the safety check.")
	} else {
		b.WriteString("The driver requested help.")
	}
	return b.String()
}
