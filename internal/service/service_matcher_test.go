package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceMatcher_Normalize(t *testing.T) {
	m := NewServiceMatcher(nil)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"原样", "https://svc.example/cb?x=1", "https://svc.example/cb?x=1"},
		{"去掉 ticket", "https://svc.example/cb?x=1&ticket=ST-abc", "https://svc.example/cb?x=1"},
		{"ticket 在前", "https://svc.example/cb?ticket=ST-abc&x=1", "https://svc.example/cb?x=1"},
		{"只有 ticket", "https://svc.example/cb?ticket=ST-abc", "https://svc.example/cb"},
		{"大小写", "HTTPS://SVC.Example/Path", "https://svc.example/Path"},
		{"保留参数顺序", "https://svc.example/?b=2&a=1", "https://svc.example/?b=2&a=1"},
		{"保留编码", "https://svc.example/?q=a%20b", "https://svc.example/?q=a%20b"},
		{"保留片段", "https://svc.example/?ticket=1#top", "https://svc.example/#top"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "   ", "svc.example/cb", "/cb", "https://"} {
		_, err := m.Normalize(bad)
		assert.ErrorIs(t, err, ErrInvalidService, bad)
	}
}

func TestServiceMatcher_CustomStrippedParams(t *testing.T) {
	m := NewServiceMatcher([]string{"ticket", "jsessionid"})
	assert.True(t, m.Matches("https://svc.example/?jsessionid=1&x=2", "https://svc.example/?x=2"))
	assert.False(t, m.Matches("https://svc.example/?x=2", "https://svc.example/?x=3"))
	assert.False(t, m.Matches("https://svc.example/", "not a url"))
}

func TestAppendQuery(t *testing.T) {
	assert.Equal(t, "https://svc.example/cb?ticket=ST-1", AppendQuery("https://svc.example/cb", "ticket", "ST-1"))
	assert.Equal(t, "https://svc.example/cb?x=1&ticket=ST-1", AppendQuery("https://svc.example/cb?x=1", "ticket", "ST-1"))
	assert.Equal(t, "https://svc.example/cb?ticket=ST-1#f", AppendQuery("https://svc.example/cb#f", "ticket", "ST-1"))
	assert.Equal(t, "https://svc.example/cb?ticket=a%2Bb", AppendQuery("https://svc.example/cb?", "ticket", "a+b"))
}
