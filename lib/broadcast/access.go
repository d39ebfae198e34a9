package broadcast

import "strings"

// allowChannel implements the spec §4.8 access matrix: whether claims may
// subscribe to channel.
func allowChannel(claims *Claims, channel string) bool {
	privileged := claims.Role == RoleOperator || claims.Role == RoleAdmin

	switch {
	case channel == "tariffs":
		return true
	case channel == "alerts" || channel == "alert_status_updates":
		return privileged
	case strings.HasPrefix(channel, "region:"):
		if privileged {
			return true
		}
		return channel == "region:"+claims.Region
	case strings.HasPrefix(channel, "meter:"):
		if privileged {
			return true
		}
		return channel == "meter:"+claims.MeterID
	default:
		return false
	}
}
