package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
	closed   bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Flush() error { return nil }
func (f *fakeConn) Close()       { f.closed = true }

func TestPublishEncodesJSON(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "lab.routing.")

	ev := Event{
		DecisionID: "01J0000000000000000000000",
		Time:       time.Unix(0, 0).UTC(),
		Chain:      []string{"a", "local"},
		Rule:       "consensus",
		Category:   "coding",
		Confidence: 0.97,
		Backend:    "a",
		Success:    true,
	}
	require.NoError(t, p.Publish(ev))
	require.Len(t, fc.subjects, 1)
	assert.Equal(t, "lab.routing.decision", fc.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(fc.payloads[0], &got))
	assert.Equal(t, ev, got)

	require.NoError(t, p.Close())
	assert.True(t, fc.closed)
}

func TestPublishDefaultsSubjectAndWrapsErrors(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	p := newPublisher(fc, "")
	assert.Equal(t, "routegate.decision", p.Subject())

	err := p.Publish(Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routegate.decision")
}

func TestNewNATSPublisherUnreachable(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", "x")
	require.Error(t, err)
}
