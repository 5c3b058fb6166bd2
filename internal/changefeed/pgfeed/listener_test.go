package pgfeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buhmarket/internal/changefeed"
)

func TestParsePayload(t *testing.T) {
	ev, err := ParsePayload(`{"table":"messages","op":"INSERT","new":{"id":"m1","job_id":"j1"},"old":null}`)
	require.NoError(t, err)
	assert.Equal(t, changefeed.TableMessages, ev.Table)
	assert.Equal(t, changefeed.OpInsert, ev.Op)
	assert.True(t, changefeed.Filter{Table: "messages", Column: "job_id", Value: "j1"}.Match(ev))
}

func TestParsePayloadRejects(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"op":"INSERT","new":{}}`,
		`{"table":"messages","op":"DELETE","old":{}}`,
		`{"table":"messages","op":"RESYNC"}`,
	} {
		_, err := ParsePayload(payload)
		assert.Error(t, err, payload)
	}
}
