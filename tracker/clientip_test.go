package tracker

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:    "forwarded_for_first_entry",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1", "X-Real-IP": "10.0.0.2"},
			remote:  "10.0.0.3:4000",
			want:    "203.0.113.5",
		},
		{
			name:    "real_ip_before_cloudflare",
			headers: map[string]string{"X-Real-IP": "203.0.113.6", "CF-Connecting-IP": "203.0.113.7"},
			remote:  "10.0.0.3:4000",
			want:    "203.0.113.6",
		},
		{
			name:    "cloudflare",
			headers: map[string]string{"CF-Connecting-IP": "2001:db8::7"},
			remote:  "10.0.0.3:4000",
			want:    "2001:db8::7",
		},
		{
			name:   "peer_address",
			remote: "[2001:db8::9]:4000",
			want:   "2001:db8::9",
		},
		{
			name: "nothing_known",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/sub/token", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, expected %q", got, tt.want)
			}
		})
	}
}
