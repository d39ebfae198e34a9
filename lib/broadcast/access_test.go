package broadcast

import "testing"

func TestAccessMatrix(t *testing.T) {
	user := &Claims{Role: RoleUser, Region: "Pune-West", MeterID: "MTR-1"}
	operator := &Claims{Role: RoleOperator}
	admin := &Claims{Role: RoleAdmin}

	cases := []struct {
		claims  *Claims
		channel string
		want    bool
	}{
		{user, "tariffs", true},
		{user, "alerts", false},
		{user, "alert_status_updates", false},
		{user, "region:Pune-West", true},
		{user, "region:Mumbai", false},
		{user, "meter:MTR-1", true},
		{user, "meter:MTR-2", false},
		{operator, "alerts", true},
		{operator, "region:Mumbai", true},
		{admin, "meter:anything", true},
		{user, "billing", false},
	}

	for _, c := range cases {
		got := allowChannel(c.claims, c.channel)
		if got != c.want {
			t.Errorf("allowChannel(%v, %q) = %v, want %v", c.claims.Role, c.channel, got, c.want)
		}
	}
}

func TestDefaultChannelsByRole(t *testing.T) {
	user := &Connection{claims: &Claims{Role: RoleUser, Region: "Pune-West"}}
	got := user.defaultChannels()
	wantHas(t, got, "tariffs")
	wantHas(t, got, "region:Pune-West")
	if containsStr(got, "alerts") {
		t.Errorf("user should not default-subscribe to alerts, got %v", got)
	}

	op := &Connection{claims: &Claims{Role: RoleOperator}}
	got = op.defaultChannels()
	wantHas(t, got, "alerts")
	wantHas(t, got, "alert_status_updates")
	wantHas(t, got, "tariffs")
}

func wantHas(t *testing.T, list []string, want string) {
	t.Helper()
	if !containsStr(list, want) {
		t.Errorf("expected %v to contain %q", list, want)
	}
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
