// Copyright (c) 2025 - The Event Relay authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	er "github.com/looplab/eventrelay"
	"github.com/looplab/eventrelay/channel/local"
	"github.com/looplab/eventrelay/mocks"
)

func TestSink(t *testing.T) {
	b := local.NewBroker()
	dlq, err := local.NewChannel(b, DefaultDestination)
	require.NoError(t, err)
	defer dlq.Close()

	s, err := NewSink(dlq)
	require.NoError(t, err)

	failedAt := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	l := &er.DeadLetter{
		EventID:  "10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd",
		Key:      "42",
		Body:     []byte(`{"eventKind":"CREATED"}`),
		Reason:   "handler failed",
		Attempt:  4,
		FailedAt: failedAt,
	}
	require.NoError(t, s.DeadLetter(context.Background(), l))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d, err := dlq.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", d.Key)
	assert.Contains(t, string(d.Body), `"attemptCount":4`)
	assert.Contains(t, string(d.Body), `"reason":"handler failed"`)

	got, err := Decode(d.Body)
	require.NoError(t, err)
	assert.Equal(t, l.EventID, got.EventID)
	assert.Equal(t, l.Body, got.Body)
	assert.Equal(t, 4, got.Attempt)
	assert.True(t, failedAt.Equal(got.FailedAt))
}

func TestSinkSendError(t *testing.T) {
	sender := &mocks.Sender{Err: mocks.ErrFailed}
	s, err := NewSink(sender)
	require.NoError(t, err)

	err = s.DeadLetter(context.Background(), &er.DeadLetter{Key: "1", Reason: "poison"})
	assert.ErrorIs(t, err, mocks.ErrFailed)

	_, err = NewSink(nil)
	assert.Error(t, err)
}
