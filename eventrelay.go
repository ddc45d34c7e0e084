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

// Package eventrelay propagates course lifecycle events from the course
// service to the progress service.
//
// Publishing is synchronous: a Publisher returns only after the Channel has
// confirmed that the broker durably accepted the message. Consumption is
// at-least-once on the wire and effectively-once in the application: the
// Dispatcher gates every handler invocation on an atomic insert into an
// IdempotencyStore, so redelivered envelopes are acknowledged without
// reapplying their side effects.
package eventrelay
