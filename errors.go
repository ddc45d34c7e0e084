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

package eventrelay

import (
	"context"
)

// PublishError is an error when publishing an envelope. The envelope is kept
// so that the caller can retransmit it with the same event ID.
type PublishError struct {
	// Err is the error.
	Err error
	// Ctx is the context used when the error happened.
	Ctx context.Context
	// Envelope is the envelope that failed to be published, nil if it could
	// not be created.
	Envelope *Envelope
}

// Error implements the Error method of the errors.Error interface.
func (e *PublishError) Error() string {
	return errorString("could not publish", e.Err, e.Envelope)
}

// Unwrap implements the errors.Unwrap method.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// Cause implements the github.com/pkg/errors Unwrap method.
func (e *PublishError) Cause() error {
	return e.Unwrap()
}

// PoisonMessageError is an error when a received message can not be decoded
// into a valid envelope. It is never retried.
type PoisonMessageError struct {
	// Err is the decoding error.
	Err error
	// Ctx is the context used when the error happened.
	Ctx context.Context
	// Key is the partition key of the message.
	Key string
	// Attempt is the delivery attempt of the message.
	Attempt int
}

// Error implements the Error method of the errors.Error interface.
func (e *PoisonMessageError) Error() string {
	str := errorString("poison message", e.Err, nil)
	if e.Key != "" {
		str += " [key " + e.Key + "]"
	}

	return str
}

// Unwrap implements the errors.Unwrap method.
func (e *PoisonMessageError) Unwrap() error {
	return e.Err
}

// Cause implements the github.com/pkg/errors Unwrap method.
func (e *PoisonMessageError) Cause() error {
	return e.Unwrap()
}

// HandlerError is an error returned from a domain handler. The message will
// be redelivered.
type HandlerError struct {
	// Err is the error.
	Err error
	// Ctx is the context used when the error happened.
	Ctx context.Context
	// Envelope is the envelope handled when the error happened.
	Envelope *Envelope
}

// Error implements the Error method of the errors.Error interface.
func (e *HandlerError) Error() string {
	return errorString("could not handle event", e.Err, e.Envelope)
}

// Unwrap implements the errors.Unwrap method.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Cause implements the github.com/pkg/errors Unwrap method.
func (e *HandlerError) Cause() error {
	return e.Unwrap()
}

// StoreUnavailableError is an error when the idempotency store could not
// answer. The message will be redelivered.
type StoreUnavailableError struct {
	// Err is the error.
	Err error
	// Ctx is the context used when the error happened.
	Ctx context.Context
	// Envelope is the envelope handled when the error happened.
	Envelope *Envelope
}

// Error implements the Error method of the errors.Error interface.
func (e *StoreUnavailableError) Error() string {
	return errorString("idempotency store unavailable", e.Err, e.Envelope)
}

// Unwrap implements the errors.Unwrap method.
func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// Cause implements the github.com/pkg/errors Unwrap method.
func (e *StoreUnavailableError) Cause() error {
	return e.Unwrap()
}

func errorString(prefix string, err error, e *Envelope) string {
	str := prefix + ": "

	if err != nil {
		str += err.Error()
	} else {
		str += "unknown error"
	}

	if e != nil {
		str += " [" + e.String() + "]"
	}

	return str
}
