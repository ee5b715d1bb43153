package policy

import (
	"fmt"
	"net/url"
	"strings"
)

// SettingsOrdering sorts settings by descending criticality, then setting name.
const SettingsOrdering = "-criticality,setting"

// Endpoints builds Service Explorer URLs for one monitored service.
type Endpoints struct {
	Origin             string
	Service            string
	MonitoredServiceID string
}

func (e Endpoints) base() string {
	return fmt.Sprintf("%s/api/v1/%s/svcexp/%s/policy/",
		strings.TrimRight(e.Origin, "/"),
		url.PathEscape(e.Service),
		url.PathEscape(e.MonitoredServiceID))
}

// PolicyList returns the policy listing URL.
func (e Endpoints) PolicyList() string {
	return e.base()
}

// PolicySettings returns the settings listing URL for p.
func (e Endpoints) PolicySettings(p Policy) string {
	return e.base() + "policy_settings/?ordering=" + SettingsOrdering +
		"&policy_category=" + url.QueryEscape(p.Category) +
		"&policy_id=" + url.QueryEscape(p.ID)
}
