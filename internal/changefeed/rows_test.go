package changefeed

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstRelation(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"object", `{"full_name":"Ольга"}`, `{"full_name":"Ольга"}`},
		{"array", `[{"full_name":"Игорь"},{"full_name":"x"}]`, `{"full_name":"Игорь"}`},
		{"nested array", `[[{"full_name":"Игорь"}]]`, `{"full_name":"Игорь"}`},
		{"empty array", `[]`, ``},
		{"null", `null`, ``},
		{"missing", ``, ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FirstRelation(json.RawMessage(tc.in))
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			assert.JSONEq(t, tc.want, string(got))
		})
	}
}

func TestDecodeMessageNormalizesProfiles(t *testing.T) {
	for _, rel := range []string{`{"full_name":"Игорь"}`, `[{"full_name":"Игорь"}]`} {
		row := `{"id":"m1","job_id":"j1","sender_id":"u2","content":"hi","is_read":false,
			"created_at":"2024-03-01T10:00:00Z","profiles":` + rel + `}`
		m, err := DecodeMessage(json.RawMessage(row))
		require.NoError(t, err)
		assert.Equal(t, "Игорь", m.SenderName)
		assert.Equal(t, "j1", m.JobID)
	}

	m, err := DecodeMessage(json.RawMessage(`{"id":"m1","job_id":"j1","profiles":null,"created_at":"2024-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Empty(t, m.SenderName)

	_, err = DecodeMessage(json.RawMessage(`{"content":"no id"}`))
	assert.Error(t, err)
}

func TestDecodeNotificationDefaults(t *testing.T) {
	n, err := DecodeNotification(json.RawMessage(`{"id":"n1","user_id":"u1","type":"new_bid","title":"t",
		"content":null,"link":null,"job_id":null,"is_read":false,"group_count":null,
		"created_at":"2024-03-01T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n.GroupCount)
	assert.Empty(t, n.Link)
	assert.Empty(t, n.JobID)
}
