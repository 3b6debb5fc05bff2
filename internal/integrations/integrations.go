// Package integrations derives the display state of the three fixed
// channels from a stored IntegrationStatus row. Connected reflects what was
// last written, not current reachability.
package integrations

import "onboardline/internal/domain"

type Channel struct {
	Key       string `json:"key" enum:"slack,zoho,n8n"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

func Channels(s domain.IntegrationStatus) []Channel {
	return []Channel{
		{
			Key:       "slack",
			Name:      "Slack Notifications",
			Connected: s.SlackConnected,
			Status:    pick(s.SlackConnected, "Connected", "Disconnected"),
		},
		{
			Key:       "zoho",
			Name:      "Zoho Meetings",
			Connected: s.ZohoConnected,
			Status:    pick(s.ZohoConnected, "Ready", "Not Ready"),
		},
		{
			Key:       "n8n",
			Name:      "n8n Automation",
			Connected: s.N8nConnected,
			Status:    pick(s.N8nConnected, "Configured", "Not Configured"),
		},
	}
}

func pick(connected bool, yes, no string) string {
	if connected {
		return yes
	}
	return no
}
