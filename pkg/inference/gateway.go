/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package inference invokes the external BitNet inference process. The
// agent treats generation strictly as a blocking call with a bounded
// timeout; it owns no part of the generation logic.
package inference

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout indicates the inference call exceeded its bounded timeout.
	ErrTimeout = errors.New("inference timed out")
	// ErrUnavailable indicates the inference engine is missing or failed.
	ErrUnavailable = errors.New("inference engine unavailable")
)

// Params are the sampling parameters for one generation call.
type Params struct {
	NPredict     int
	Threads      int
	ModelPath    string
	Conversation bool
	Timeout      time.Duration
}

// Gateway turns a prompt into generated text.
type Gateway interface {
	Generate(ctx context.Context, prompt string, params Params) (string, error)
}
